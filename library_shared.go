package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// retainedResponses is how many callback responses stay allocated after
// being returned to the native client. The client copies a response before
// its callback wrapper returns, so only a short history is ever referenced.
const retainedResponses = 64

// stopRetryInterval paces repeated stop requests to a shared library.
const stopRetryInterval = 50 * time.Millisecond

// SharedLoader loads the native client as a platform shared library
// (.so, .dll or .dylib).
type SharedLoader struct {
	Logger *slog.Logger
}

// NewSharedLoader returns a SharedLoader logging to logger.
func NewSharedLoader(logger *slog.Logger) *SharedLoader {
	return &SharedLoader{Logger: logger}
}

// Artifact returns dir/name plus the suffix of the current platform.
func (l *SharedLoader) Artifact(dir, name string) (string, error) {
	p, err := CurrentPlatform()
	if err != nil {
		return "", err
	}
	return ArtifactPath(dir, name, p), nil
}

// Load opens the shared library at path and resolves its entry points.
func (l *SharedLoader) Load(ctx context.Context, path string) (Library, error) {
	if err := checkArtifact(path); err != nil {
		return nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return openShared(path, logger)
}

// sharedSession is the session the exported callback trampolines route to.
// Native callbacks carry no user data, so there is one slot per process.
type sharedSession struct {
	cb Callbacks
}

var activeSession atomic.Pointer[sharedSession]

// runSession installs cb as the process-wide session for the duration of
// start. A ctx already done skips start. Once ctx is done, stop is called
// every stopRetryInterval until start returns: the native Stop is a no-op
// until the client has set up its connection.
func runSession(ctx context.Context, cb Callbacks, stop func(), start func() int) (int, error) {
	s := &sharedSession{cb: cb}
	if !activeSession.CompareAndSwap(nil, s) {
		return 0, ErrAlreadyRunning
	}
	defer activeSession.Store(nil)
	if ctx.Err() != nil {
		return 0, nil
	}

	done := make(chan struct{})
	defer close(done)
	cancelStop := context.AfterFunc(ctx, func() {
		stop()
		t := time.NewTicker(stopRetryInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				stop()
			}
		}
	})
	defer cancelStop()
	return start(), nil
}

func deliverMessage(raw []byte) []byte {
	s := activeSession.Load()
	if s == nil {
		return nil
	}
	return s.cb.message(raw)
}

func deliverConnected() {
	if s := activeSession.Load(); s != nil {
		s.cb.connected()
	}
}

// responseRing keeps the most recent callback responses alive, releasing
// the oldest once full.
type responseRing[T any] struct {
	mu      sync.Mutex
	items   []T
	release func(T)
}

func (r *responseRing[T]) keep(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == retainedResponses {
		if r.release != nil {
			r.release(r.items[0])
		}
		r.items = append(r.items[:0], r.items[1:]...)
	}
	r.items = append(r.items, v)
}

func (r *responseRing[T]) releaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.release != nil {
		for _, v := range r.items {
			r.release(v)
		}
	}
	r.items = r.items[:0]
}
