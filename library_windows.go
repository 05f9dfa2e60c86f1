//go:build windows && (amd64 || arm64)

package bridge

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// winString mirrors the string layout of a Go c-shared DLL.
type winString struct {
	p *byte
	n int64
}

func newWinString(s NativeString) *winString {
	buf := s.NulTerminated()
	return &winString{p: &buf[0], n: s.Length}
}

// Callbacks created by windows.NewCallback are never released, so the two
// trampolines are created once per process.
var (
	callbacksOnce       sync.Once
	onMessageCallback   uintptr
	onConnectedCallback uintptr

	winResponses = &responseRing[*byte]{}
)

func nativeCallbacks() (onMessage, onConnected uintptr) {
	callbacksOnce.Do(func() {
		onMessageCallback = windows.NewCallback(func(msg *byte) uintptr {
			resp := deliverMessage([]byte(windows.BytePtrToString(msg)))
			out, err := windows.BytePtrFromString(string(resp))
			if err != nil {
				return 0
			}
			winResponses.keep(out)
			return uintptr(unsafe.Pointer(out))
		})
		onConnectedCallback = windows.NewCallback(func() uintptr {
			deliverConnected()
			return 0
		})
	})
	return onMessageCallback, onConnectedCallback
}

type windowsLibrary struct {
	path   string
	logger *slog.Logger

	dll   *windows.DLL
	start *windows.Proc
	stop  *windows.Proc
	send  *windows.Proc
}

func openShared(path string, logger *slog.Logger) (Library, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		return nil, err
	}

	lib := &windowsLibrary{path: path, logger: logger, dll: dll}
	for _, sym := range []struct {
		name string
		dst  **windows.Proc
	}{
		{SymbolStart, &lib.start},
		{SymbolStop, &lib.stop},
		{SymbolSendMessage, &lib.send},
	} {
		proc, err := dll.FindProc(sym.name)
		if err != nil {
			_ = dll.Release()
			return nil, err
		}
		*sym.dst = proc
	}

	logger.Debug("opened native client", "path", path)
	return lib, nil
}

// Start runs the native client on the calling goroutine's thread.
func (l *windowsLibrary) Start(ctx context.Context, opts StartOptions, cb Callbacks) (int, error) {
	native := opts.nativeStrings()
	strs := make([]*winString, len(native))
	var args []uintptr
	for i, s := range native {
		strs[i] = newWinString(s)
		args = append(args, stringArgs(strs[i])...)
	}
	onMessage, onConnected := nativeCallbacks()
	args = append(args, onMessage, onConnected)

	return runSession(ctx, cb, l.Stop, func() int {
		defer winResponses.releaseAll()
		r1, _, _ := l.start.Call(args...)
		runtime.KeepAlive(strs)
		return int(int32(r1))
	})
}

// Stop asks the native client to disconnect.
func (l *windowsLibrary) Stop() {
	_, _, _ = l.stop.Call()
}

// SendMessage hands msg to the native client, which copies it before
// returning.
func (l *windowsLibrary) SendMessage(msg []byte) {
	s := newWinString(NewNativeString(string(msg)))
	_, _, _ = l.send.Call(stringArgs(s)...)
	runtime.KeepAlive(s)
}

// Close releases nothing: a Go c-shared DLL cannot be unloaded safely
// (https://github.com/golang/go/issues/11100), so it stays mapped.
func (l *windowsLibrary) Close(context.Context) error {
	l.logger.Debug("native client stays resident", "path", l.path)
	return nil
}
