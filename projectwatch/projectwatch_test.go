package projectwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	types []string
	ch    chan struct{}
	err   error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) Send(msgType string, data any) error {
	r.mu.Lock()
	r.types = append(r.types, msgType)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.types)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	select {
	case <-w.ready:
	case err := <-done:
		t.Fatalf("Run failed: %v", err)
	}
}

func TestNotifyOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roads.qgs")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	rec := newRecorder()
	startWatcher(t, New(path, rec))

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	rec.wait(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, MessageType, rec.types[0])
}

func TestIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roads.qgs")
	rec := newRecorder()
	startWatcher(t, New(path, rec))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "roads.qgs~"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, typ := range rec.types {
		assert.Equal(t, MessageType, typ)
	}
}

func TestRemovalIsDebounced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roads.qgs")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	rec := newRecorder()
	debounce := 200 * time.Millisecond
	startWatcher(t, New(path, rec, WithDebounce(debounce)))

	removed := time.Now()
	require.NoError(t, os.Remove(path))
	rec.wait(t)
	assert.GreaterOrEqual(t, time.Since(removed), debounce)
}

func TestFlushRemovalSkipsRecreatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roads.qgs")
	rec := newRecorder()
	w := New(path, rec)

	require.NoError(t, os.WriteFile(path, []byte("back"), 0o644))
	w.flushRemoval()
	assert.Equal(t, 0, rec.count())

	require.NoError(t, os.Remove(path))
	w.flushRemoval()
	assert.Equal(t, 1, rec.count())
}

func TestSendErrorIsLogged(t *testing.T) {
	rec := newRecorder()
	rec.err = errors.New("not connected")
	w := New(filepath.Join(t.TempDir(), "missing.qgs"), rec)
	w.flushRemoval()
	assert.Equal(t, 1, rec.count())
}

func TestRunMissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "nope", "roads.qgs"), newRecorder())
	assert.Error(t, w.Run(context.Background()))
}

func TestOptions(t *testing.T) {
	w := New("roads.qgs", newRecorder(), WithDebounce(0), WithLogger(nil))
	assert.Equal(t, DefaultDebounce, w.debounce)
	assert.NotNil(t, w.logger)
	assert.True(t, filepath.IsAbs(w.Path()))
}
