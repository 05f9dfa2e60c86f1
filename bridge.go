package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aperturerobotics/go-gisquick-bridge/envelope"
)

// State is the lifecycle state of a Bridge.
type State int32

const (
	// StateIdle means no artifact is loaded.
	StateIdle State = iota
	// StateLoading means the artifact is being loaded.
	StateLoading
	// StateLoaded means the artifact is resident and no session is running.
	StateLoaded
	// StateRunning means Start is blocked in the native client.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dispatcher handles one encoded inbound command and returns the encoded
// response. It must not panic.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) []byte
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, raw []byte) []byte

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, raw []byte) []byte {
	return f(ctx, raw)
}

// Config holds configuration for creating a new Bridge.
type Config struct {
	// LibraryDir is the directory holding the native artifact.
	LibraryDir string
	// LibraryName is the artifact base name. Default: DefaultLibraryName.
	LibraryName string
	// Loader loads the artifact. Default: a SharedLoader.
	Loader Loader
	// Logger receives lifecycle logs. Default: slog.Default().
	Logger *slog.Logger
}

// running guards the single native connection a process may hold.
var running atomic.Bool

// Bridge owns one native client and runs sessions with it.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	// loadMu serializes loads.
	loadMu sync.Mutex

	mu          sync.Mutex
	state       State
	lib         Library
	starting    bool
	// cancel ends the session context of the Start in progress.
	cancel context.CancelFunc
}

// New creates a Bridge. Nothing is loaded until Load or Start.
func New(cfg *Config) *Bridge {
	b := &Bridge{}
	if cfg != nil {
		b.cfg = *cfg
	}
	if b.cfg.LibraryName == "" {
		b.cfg.LibraryName = DefaultLibraryName
	}
	b.logger = b.cfg.Logger
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.cfg.Loader == nil {
		b.cfg.Loader = NewSharedLoader(b.logger)
	}
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Loaded reports whether a native artifact is resident.
func (b *Bridge) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lib != nil
}

// Load loads the native artifact. Repeated calls load it once. Failures are
// returned as *LoadError.
func (b *Bridge) Load(ctx context.Context) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	b.mu.Lock()
	if b.lib != nil {
		b.mu.Unlock()
		return nil
	}
	prev := b.state
	if prev == StateIdle {
		b.state = StateLoading
	}
	b.mu.Unlock()

	lib, path, err := b.load(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if prev == StateIdle {
			b.state = StateIdle
		}
		b.logger.Error("failed to load native client", "path", path, "error", err)
		return &LoadError{Path: path, Err: err}
	}
	b.lib = lib
	if prev == StateIdle {
		b.state = StateLoaded
	}
	b.logger.Info("loaded native client", "path", path)
	return nil
}

func (b *Bridge) load(ctx context.Context) (Library, string, error) {
	path, err := b.cfg.Loader.Artifact(b.cfg.LibraryDir, b.cfg.LibraryName)
	if err != nil {
		return nil, path, err
	}
	lib, err := b.cfg.Loader.Load(ctx, path)
	return lib, path, err
}

// Start loads the native client if needed and runs one session with it,
// blocking until the connection ends. Every inbound command goes through d;
// onConnected runs at most once. The native exit code is returned: 0 for a
// clean disconnect, non-zero when the connection failed.
func (b *Bridge) Start(ctx context.Context, opts StartOptions, d Dispatcher, onConnected func()) (int, error) {
	if !running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer running.Store(false)

	session, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.starting = true
	b.cancel = cancel
	if b.lib == nil {
		b.state = StateLoading
	}
	b.mu.Unlock()
	defer b.finish()

	if err := b.Load(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	if session.Err() != nil {
		b.mu.Unlock()
		b.logger.Info("stop requested before the session started")
		return 0, nil
	}
	b.state = StateRunning
	lib := b.lib
	b.mu.Unlock()

	var connectedOnce sync.Once
	cb := Callbacks{
		OnMessage: func(raw []byte) []byte {
			return d.Dispatch(ctx, raw)
		},
		OnConnected: func() {
			connectedOnce.Do(func() {
				b.logger.Info("native client connected", "url", opts.URL)
				if onConnected != nil {
					onConnected()
				}
			})
		},
	}

	b.logger.Info("starting native client", "url", opts.URL, "username", opts.Username)
	code, err := lib.Start(session, opts, cb)
	if err != nil {
		return code, fmt.Errorf("running native client: %w", err)
	}
	b.logger.Info("native client exited", "code", code)
	return code, nil
}

// finish ends a Start call on every exit path.
func (b *Bridge) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starting = false
	b.cancel = nil
	b.unload()
	if b.lib != nil {
		b.state = StateLoaded
	} else {
		b.state = StateIdle
	}
}

// unload is where a session would release the native artifact. Go shared
// libraries cannot be unloaded, so the artifact stays resident and is
// reused by the next Start.
func (b *Bridge) unload() {
	if b.lib != nil {
		b.logger.Debug("native client stays loaded after session")
	}
}

// Stop asks a running session to end. It does not wait. A Start that has
// not reached the native client yet returns without connecting; one that is
// still handing over to it stops as soon as the session is installed.
// Without a Start in progress or a loaded artifact it does nothing.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	lib := b.lib
	b.mu.Unlock()

	if lib != nil {
		lib.Stop()
	}
}

// Send passes a one-way message to the remote side. It does nothing when no
// artifact is loaded. Only encoding errors are returned; delivery is not
// confirmed.
func (b *Bridge) Send(msgType string, data any) error {
	b.mu.Lock()
	lib := b.lib
	b.mu.Unlock()
	if lib == nil {
		return nil
	}

	msg, err := envelope.EncodeMessage(msgType, data)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msgType, err)
	}
	lib.SendMessage(msg)
	return nil
}

// Close releases host-side resources of the loaded artifact. It fails with
// ErrBusy while a session is running.
func (b *Bridge) Close(ctx context.Context) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.starting {
		return ErrBusy
	}
	if b.lib == nil {
		return nil
	}
	err := b.lib.Close(ctx)
	b.lib = nil
	b.state = StateIdle
	return err
}
