// Package projectwatch notifies the Gisquick server when the open project
// file changes on disk.
package projectwatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	pkgerrors "github.com/pkg/errors"
)

// MessageType is the notification sent on every change.
const MessageType = "ProjectChanged"

// DefaultDebounce is how long a removed project file may stay missing
// before the removal is reported.
const DefaultDebounce = 300 * time.Millisecond

// Sender delivers one-way messages. *bridge.Bridge implements it.
type Sender interface {
	Send(msgType string, data any) error
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher watches a single project file.
type Watcher struct {
	path     string
	sender   Sender
	debounce time.Duration
	logger   *slog.Logger

	// ready is closed once the watch is installed.
	ready chan struct{}
}

// New returns a Watcher for path. Nothing is watched until Run.
func New(path string, sender Sender, opts ...Option) *Watcher {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		sender:   sender,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Run watches until ctx is done and may be called once. The containing
// directory is watched so the file may be replaced by rename, as most
// editors save.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return pkgerrors.Wrap(err, "creating watcher")
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return pkgerrors.Wrapf(err, "watching %s", filepath.Dir(w.path))
	}
	close(w.ready)
	w.logger.Debug("watching project file", "path", w.path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				w.notify()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				pending = timer.C
			}
		case <-pending:
			pending = nil
			w.flushRemoval()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("project watcher error", "error", err)
		}
	}
}

// flushRemoval reports a removal unless the file came back in the meantime.
func (w *Watcher) flushRemoval() {
	if _, err := os.Stat(w.path); !errors.Is(err, os.ErrNotExist) {
		return
	}
	w.notify()
}

func (w *Watcher) notify() {
	if err := w.sender.Send(MessageType, nil); err != nil {
		w.logger.Warn("sending project change", "error", err)
	}
}
