//go:build cgo && (linux || darwin)

package bridge

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

// Layout of a Go string in a c-shared library.
typedef struct { const char *p; int64_t n; } bridge_string;

typedef char *(*bridge_message_fn)(char *);
typedef void (*bridge_connected_fn)(void);
typedef int32_t (*bridge_start_fn)(bridge_string, bridge_string, bridge_string, bridge_string,
	bridge_message_fn, bridge_connected_fn);
typedef void (*bridge_stop_fn)(void);
typedef void (*bridge_send_fn)(bridge_string);

// Defined with //export in library_cgo_export.go.
extern char *bridgeOnMessage(char *);
extern void bridgeOnConnected(void);

static void *bridge_dlopen(const char *path) {
	return dlopen(path, RTLD_NOW | RTLD_LOCAL);
}

static const char *bridge_dlerror(void) {
	return dlerror();
}

static void *bridge_dlsym(void *h, const char *name) {
	dlerror();
	return dlsym(h, name);
}

static int bridge_dlclose(void *h) {
	return dlclose(h);
}

static int32_t bridge_start(void *fn,
		const char *url, int64_t url_n,
		const char *user, int64_t user_n,
		const char *pass, int64_t pass_n,
		const char *info, int64_t info_n) {
	bridge_string a = {url, url_n};
	bridge_string b = {user, user_n};
	bridge_string c = {pass, pass_n};
	bridge_string d = {info, info_n};
	return ((bridge_start_fn)fn)(a, b, c, d, bridgeOnMessage, bridgeOnConnected);
}

static void bridge_stop(void *fn) {
	((bridge_stop_fn)fn)();
}

static void bridge_send(void *fn, const char *p, int64_t n) {
	bridge_string s = {p, n};
	((bridge_send_fn)fn)(s);
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"
)

// cgoResponses holds the C strings most recently returned to the native
// client from bridgeOnMessage.
var cgoResponses = &responseRing[unsafe.Pointer]{release: func(p unsafe.Pointer) { C.free(p) }}

// cgoLibrary is a native client opened with dlopen.
type cgoLibrary struct {
	path   string
	logger *slog.Logger

	handle unsafe.Pointer
	start  unsafe.Pointer
	stop   unsafe.Pointer
	send   unsafe.Pointer
}

func openShared(path string, logger *slog.Logger) (Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.bridge_dlopen(cpath)
	if handle == nil {
		return nil, fmt.Errorf("dlopen: %s", C.GoString(C.bridge_dlerror()))
	}

	lib := &cgoLibrary{path: path, logger: logger, handle: handle}
	for _, sym := range []struct {
		name string
		dst  *unsafe.Pointer
	}{
		{SymbolStart, &lib.start},
		{SymbolStop, &lib.stop},
		{SymbolSendMessage, &lib.send},
	} {
		p, err := lookupSymbol(handle, sym.name)
		if err != nil {
			C.bridge_dlclose(handle)
			return nil, err
		}
		*sym.dst = p
	}

	logger.Debug("opened native client", "path", path)
	return lib, nil
}

func lookupSymbol(handle unsafe.Pointer, name string) (unsafe.Pointer, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	p := C.bridge_dlsym(handle, cname)
	if p == nil {
		if msg := C.bridge_dlerror(); msg != nil {
			return nil, fmt.Errorf("missing symbol %s: %s", name, C.GoString(msg))
		}
		return nil, errors.New("missing symbol: " + name)
	}
	return p, nil
}

// cString copies s into C memory, NUL-terminated.
func cString(s NativeString) (*C.char, C.int64_t) {
	return (*C.char)(C.CBytes(s.NulTerminated())), C.int64_t(s.Length)
}

// Start runs the native client on the calling goroutine's thread.
func (l *cgoLibrary) Start(ctx context.Context, opts StartOptions, cb Callbacks) (int, error) {
	args := opts.nativeStrings()
	url, urlN := cString(args[0])
	user, userN := cString(args[1])
	pass, passN := cString(args[2])
	info, infoN := cString(args[3])
	defer func() {
		for _, p := range []*C.char{url, user, pass, info} {
			C.free(unsafe.Pointer(p))
		}
	}()

	return runSession(ctx, cb, l.Stop, func() int {
		defer cgoResponses.releaseAll()
		return int(C.bridge_start(l.start, url, urlN, user, userN, pass, passN, info, infoN))
	})
}

// Stop asks the native client to disconnect.
func (l *cgoLibrary) Stop() {
	C.bridge_stop(l.stop)
}

// SendMessage hands msg to the native client, which copies it before
// returning.
func (l *cgoLibrary) SendMessage(msg []byte) {
	s := NewNativeString(string(msg))
	p, n := cString(s)
	defer C.free(unsafe.Pointer(p))
	C.bridge_send(l.send, p, n)
}

// Close releases nothing: the library stays mapped for the life of the
// process, since a Go c-shared library cannot be unloaded
// (https://github.com/golang/go/issues/11100).
func (l *cgoLibrary) Close(context.Context) error {
	l.logger.Debug("native client stays resident", "path", l.path)
	return nil
}
