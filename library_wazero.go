package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// outboundQueue is the number of Send messages buffered for the guest.
const outboundQueue = 256

// WASMLoader loads the native client built as a WASI reactor and runs it
// with wazero.
type WASMLoader struct {
	// Stdout is the guest's standard output. Default: discard.
	Stdout io.Writer
	// Stderr is the guest's standard error. Default: discard.
	Stderr io.Writer
	// RuntimeConfig configures the wazero runtime. Default:
	// wazero.NewRuntimeConfig().
	RuntimeConfig wazero.RuntimeConfig
	// Logger receives loader and session diagnostics.
	Logger *slog.Logger
}

// Artifact returns dir/name.wasm. The reactor is platform independent.
func (l *WASMLoader) Artifact(dir, name string) (string, error) {
	return filepath.Join(dir, name+WASMSuffix), nil
}

// Load compiles and instantiates the reactor at path.
func (l *WASMLoader) Load(ctx context.Context, path string) (Library, error) {
	if err := checkArtifact(path); err != nil {
		return nil, err
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return l.LoadBytes(ctx, filepath.Base(path), wasm)
}

// LoadBytes instantiates a reactor from its binary contents.
func (l *WASMLoader) LoadBytes(ctx context.Context, name string, wasm []byte) (Library, error) {
	cfg := l.RuntimeConfig
	if cfg == nil {
		cfg = wazero.NewRuntimeConfig()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	lib, err := newWASMLibrary(ctx, r, name, wasm, l.Stdout, l.Stderr, logger)
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return lib, nil
}

// wasmSession is the state of one gisquick_start call.
type wasmSession struct {
	cb       Callbacks
	outbound chan []byte
	stop     atomic.Bool
}

// wasmLibrary wraps an instantiated reactor.
type wasmLibrary struct {
	runtime wazero.Runtime
	mod     api.Module
	logger  *slog.Logger

	malloc api.Function
	free   api.Function
	start  api.Function

	// mu serializes Start; the guest is single-threaded.
	mu      sync.Mutex
	session atomic.Pointer[wasmSession]
}

func newWASMLibrary(
	ctx context.Context,
	r wazero.Runtime,
	name string,
	wasm []byte,
	stdout, stderr io.Writer,
	logger *slog.Logger,
) (*wasmLibrary, error) {
	l := &wasmLibrary{runtime: r, logger: logger}

	// Register host functions before the guest so its imports resolve.
	_, err := r.NewHostModuleBuilder(ImportModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(l.hostOnMessage), []api.ValueType{
			api.ValueTypeI32, // ptr
			api.ValueTypeI32, // len
			api.ValueTypeI32, // out_ptr_ptr
			api.ValueTypeI32, // out_len_ptr
		}, []api.ValueType{api.ValueTypeI32}).
		Export(ImportOnMessage).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(l.hostOnConnected), nil, nil).
		Export(ImportOnConnected).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(l.hostNextOutbound), []api.ValueType{
			api.ValueTypeI32, // out_ptr_ptr
			api.ValueTypeI32, // out_len_ptr
		}, []api.ValueType{api.ValueTypeI32}).
		Export(ImportNextOutbound).
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	modCfg := wazero.NewModuleConfig().WithName(name).WithSysWalltime().WithSysNanotime()
	if stdout != nil {
		modCfg = modCfg.WithStdout(stdout)
	}
	if stderr != nil {
		modCfg = modCfg.WithStderr(stderr)
	}

	// Reactor mode: no _start.
	mod, err := r.InstantiateModule(ctx, compiled, modCfg.WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("_initialize failed: %w", err)
		}
	}

	l.mod = mod
	l.malloc = mod.ExportedFunction(ExportMalloc)
	l.free = mod.ExportedFunction(ExportFree)
	l.start = mod.ExportedFunction(ExportStart)

	for _, export := range []struct {
		name string
		fn   api.Function
	}{
		{ExportMalloc, l.malloc},
		{ExportFree, l.free},
		{ExportStart, l.start},
	} {
		if export.fn == nil {
			_ = mod.Close(ctx)
			return nil, errors.New("missing export: " + export.name)
		}
	}
	return l, nil
}

// Start calls gisquick_start and blocks until the guest returns.
func (l *wasmLibrary) Start(ctx context.Context, opts StartOptions, cb Callbacks) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := &wasmSession{cb: cb, outbound: make(chan []byte, outboundQueue)}
	l.session.Store(s)
	defer l.session.Store(nil)

	stopOnDone := context.AfterFunc(ctx, func() { s.stop.Store(true) })
	defer stopOnDone()

	// The guest may keep calling host functions after ctx is cancelled; it
	// observes cancellation through next_outbound.
	callCtx := context.WithoutCancel(ctx)

	var params []uint64
	var ptrs []uint32
	defer func() {
		for _, ptr := range ptrs {
			l.freePtr(callCtx, ptr)
		}
	}()
	for _, str := range opts.nativeStrings() {
		ptr, err := l.allocBytes(callCtx, str.Data)
		if err != nil {
			return 1, err
		}
		if ptr != 0 {
			ptrs = append(ptrs, ptr)
		}
		params = append(params, uint64(ptr), uint64(str.Length))
	}

	results, err := l.start.Call(callCtx, params...)
	if err != nil {
		return 1, fmt.Errorf("%s failed: %w", ExportStart, err)
	}
	return int(api.DecodeI32(results[0])), nil
}

// Stop flags the running session; the guest sees it on its next poll.
func (l *wasmLibrary) Stop() {
	if s := l.session.Load(); s != nil {
		s.stop.Store(true)
	}
}

// SendMessage queues msg for the running session.
func (l *wasmLibrary) SendMessage(msg []byte) {
	s := l.session.Load()
	if s == nil {
		l.logger.Debug("dropping outbound message, no session running")
		return
	}
	select {
	case s.outbound <- append([]byte(nil), msg...):
	default:
		l.logger.Warn("dropping outbound message, queue full", "queued", outboundQueue)
	}
}

// Close tears down the wazero runtime.
func (l *wasmLibrary) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// hostOnMessage handles on_message from the guest.
func (l *wasmLibrary) hostOnMessage(ctx context.Context, mod api.Module, stack []uint64) {
	msgPtr := api.DecodeU32(stack[0])
	msgLen := api.DecodeU32(stack[1])
	outPtrPtr := api.DecodeU32(stack[2])
	outLenPtr := api.DecodeU32(stack[3])

	s := l.session.Load()
	if s == nil {
		stack[0] = api.EncodeI32(-1)
		return
	}

	mem := mod.Memory()
	view, ok := mem.Read(msgPtr, msgLen)
	if !ok {
		stack[0] = api.EncodeI32(-1)
		return
	}
	// view aliases guest memory, which malloc below may grow.
	raw := append([]byte(nil), view...)

	resp := s.cb.message(raw)
	if err := l.writeOut(ctx, mod, resp, outPtrPtr, outLenPtr); err != nil {
		l.logger.Error("writing response to guest", "error", err)
		stack[0] = api.EncodeI32(-1)
		return
	}
	stack[0] = 0
}

// hostOnConnected handles on_connected from the guest.
func (l *wasmLibrary) hostOnConnected(context.Context, api.Module, []uint64) {
	if s := l.session.Load(); s != nil {
		s.cb.connected()
	}
}

// hostNextOutbound handles next_outbound from the guest.
func (l *wasmLibrary) hostNextOutbound(ctx context.Context, mod api.Module, stack []uint64) {
	outPtrPtr := api.DecodeU32(stack[0])
	outLenPtr := api.DecodeU32(stack[1])

	s := l.session.Load()
	if s == nil || s.stop.Load() {
		stack[0] = api.EncodeI32(OutboundStop)
		return
	}

	select {
	case msg := <-s.outbound:
		if err := l.writeOut(ctx, mod, msg, outPtrPtr, outLenPtr); err != nil {
			l.logger.Error("writing outbound message to guest", "error", err)
			stack[0] = api.EncodeI32(OutboundIdle)
			return
		}
		stack[0] = api.EncodeI32(OutboundMessage)
	default:
		stack[0] = api.EncodeI32(OutboundIdle)
	}
}

// writeOut copies data into guest memory and stores its pointer and length
// at the given addresses. The guest owns the allocation afterwards.
func (l *wasmLibrary) writeOut(ctx context.Context, mod api.Module, data []byte, ptrAddr, lenAddr uint32) error {
	ptr, err := l.allocBytes(ctx, data)
	if err != nil {
		return err
	}
	mem := mod.Memory()
	if !writeUint32(mem, ptrAddr, ptr) || !writeUint32(mem, lenAddr, uint32(len(data))) {
		l.freePtr(ctx, ptr)
		return errors.New("out pointer outside guest memory")
	}
	return nil
}

// Memory helpers

func (l *wasmLibrary) allocBytes(ctx context.Context, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	results, err := l.malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, errors.New("malloc returned null")
	}
	if !l.mod.Memory().Write(ptr, data) {
		l.freePtr(ctx, ptr)
		return 0, errors.New("failed to write to memory")
	}
	return ptr, nil
}

func (l *wasmLibrary) freePtr(ctx context.Context, ptr uint32) {
	if ptr != 0 {
		_, _ = l.free.Call(ctx, uint64(ptr))
	}
}

func writeUint32(mem api.Memory, addr, value uint32) bool {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return mem.Write(addr, buf)
}
