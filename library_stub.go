//go:build !(cgo && (linux || darwin)) && !(windows && (amd64 || arm64))

package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

func openShared(path string, _ *slog.Logger) (Library, error) {
	return nil, fmt.Errorf("%w: shared libraries cannot be loaded by this build (%s/%s); use the wasm runtime",
		errors.ErrUnsupported, runtime.GOOS, runtime.GOARCH)
}
