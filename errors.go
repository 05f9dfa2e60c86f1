package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPlatform is returned when no native artifact exists for
	// the host operating system.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrAlreadyRunning is returned by Start while a session is active in the
	// process.
	ErrAlreadyRunning = errors.New("native client is already running")
	// ErrBusy is returned by Close while a session is active.
	ErrBusy = errors.New("native client is busy")
)

// LoadError reports a native artifact that could not be loaded. It is fatal:
// retrying with the same configuration fails the same way.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("loading native client: %v", e.Err)
	}
	return fmt.Sprintf("loading native client %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
