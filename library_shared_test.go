package bridge

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestSharedLoaderMissingArtifact(t *testing.T) {
	if _, err := CurrentPlatform(); err != nil {
		t.Skip("no shared library loader on this platform")
	}
	b := New(&Config{LibraryDir: t.TempDir(), Loader: NewSharedLoader(nil)})

	err := b.Load(context.Background())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist cause, got %v", err)
	}
	if b.State() != StateIdle {
		t.Errorf("unexpected state: %s", b.State())
	}
}

func TestSharedLoaderNotALibrary(t *testing.T) {
	p, err := CurrentPlatform()
	if err != nil {
		t.Skip("no shared library loader on this platform")
	}
	dir := t.TempDir()
	path := ArtifactPath(dir, DefaultLibraryName, p)
	if err := os.WriteFile(path, []byte("this is not a shared library\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	b := New(&Config{LibraryDir: dir, Loader: NewSharedLoader(nil)})
	err = b.Load(context.Background())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if loadErr.Path != path {
		t.Errorf("unexpected path: %s", loadErr.Path)
	}
	if b.Loaded() {
		t.Error("a failed load must leave nothing loaded")
	}
}

func TestSharedLoaderDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewSharedLoader(nil).Load(context.Background(), dir); err == nil {
		t.Fatal("expected an error for a directory")
	}
}

func TestResponseRing(t *testing.T) {
	var released []int
	ring := &responseRing[int]{release: func(v int) { released = append(released, v) }}

	extra := 6
	for i := 0; i < retainedResponses+extra; i++ {
		ring.keep(i)
	}
	if len(released) != extra {
		t.Fatalf("expected %d evictions, got %v", extra, released)
	}
	for i, v := range released {
		if v != i {
			t.Fatalf("evicted out of order: %v", released)
		}
	}

	ring.releaseAll()
	if len(released) != retainedResponses+extra {
		t.Fatalf("expected every response released, got %d", len(released))
	}
	for i, v := range released {
		if v != i {
			t.Fatalf("released out of order at %d: %d", i, v)
		}
	}

	ring.releaseAll()
	if len(released) != retainedResponses+extra {
		t.Error("releaseAll on an empty ring must release nothing")
	}
}

func TestResponseRingWithoutRelease(t *testing.T) {
	ring := &responseRing[string]{}
	for i := 0; i < retainedResponses+1; i++ {
		ring.keep("x")
	}
	if len(ring.items) != retainedResponses {
		t.Errorf("unexpected ring size: %d", len(ring.items))
	}
	ring.releaseAll()
	if len(ring.items) != 0 {
		t.Errorf("ring not emptied: %d", len(ring.items))
	}
}

func TestRunSessionRoutesCallbacks(t *testing.T) {
	var connected int
	cb := Callbacks{
		OnMessage:   func(raw []byte) []byte { return append([]byte("re:"), raw...) },
		OnConnected: func() { connected++ },
	}
	code, err := runSession(context.Background(), cb, func() {}, func() int {
		deliverConnected()
		if got := string(deliverMessage([]byte("ping"))); got != "re:ping" {
			t.Errorf("unexpected response: %s", got)
		}
		return 5
	})
	if err != nil || code != 5 {
		t.Fatalf("runSession: code=%d err=%v", code, err)
	}
	if connected != 1 {
		t.Errorf("onConnected called %d times", connected)
	}
	if deliverMessage([]byte("late")) != nil {
		t.Error("no session must be active after runSession returns")
	}
}

func TestRunSessionAlreadyRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = runSession(context.Background(), Callbacks{}, func() {}, func() int {
			close(entered)
			<-release
			return 0
		})
	}()
	<-entered

	if _, err := runSession(context.Background(), Callbacks{}, func() {}, func() int {
		t.Error("second session must not start")
		return 0
	}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	<-done
}

func TestRunSessionCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, err := runSession(ctx, Callbacks{}, func() {}, func() int {
		t.Error("start must not run with a cancelled context")
		return 1
	})
	if err != nil || code != 0 {
		t.Fatalf("runSession: code=%d err=%v", code, err)
	}
}

func TestRunSessionRepeatsStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stops atomic.Int32
	stopped := make(chan struct{})
	stop := func() {
		// The first request arrives before the client can honor it.
		if stops.Add(1) == 2 {
			close(stopped)
		}
	}
	code, err := runSession(ctx, Callbacks{}, stop, func() int {
		cancel()
		select {
		case <-stopped:
			return 0
		case <-time.After(5 * time.Second):
			t.Error("stop was not repeated")
			return 1
		}
	})
	if err != nil || code != 0 {
		t.Fatalf("runSession: code=%d err=%v", code, err)
	}

	// A tick already due when start returned may still fire once.
	n := stops.Load()
	time.Sleep(3 * stopRetryInterval)
	if stops.Load() > n+1 {
		t.Error("stop requests must end once start returns")
	}
}
