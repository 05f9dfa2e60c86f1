//go:build cgo && (linux || darwin)

package bridge

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// buildNativeClient compiles testdata/native/client.c into dir as the
// gisquick artifact for the current platform.
func buildNativeClient(t *testing.T, dir string, defines ...string) string {
	t.Helper()
	cc := os.Getenv("CC")
	if cc == "" {
		cc = "cc"
	}
	if _, err := exec.LookPath(cc); err != nil {
		t.Skipf("no C compiler: %v", err)
	}
	p, err := CurrentPlatform()
	if err != nil {
		t.Skip("unsupported platform")
	}

	out := ArtifactPath(dir, DefaultLibraryName, p)
	args := []string{"-shared", "-fPIC", "-o", out}
	for _, d := range defines {
		args = append(args, "-D"+d)
	}
	args = append(args, filepath.Join("testdata", "native", "client.c"))
	if msg, err := exec.Command(cc, args...).CombinedOutput(); err != nil {
		t.Fatalf("building native client failed: %v\n%s", err, msg)
	}
	return out
}

func TestSharedLibraryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buildNativeClient(t, dir)
	b := New(&Config{LibraryDir: dir})

	var received string
	d := DispatchFunc(func(_ context.Context, raw []byte) []byte {
		received = string(raw)
		return append([]byte("re:"), raw...)
	})

	done := make(chan struct{})
	var (
		code int
		err  error
	)
	go func() {
		defer close(done)
		code, err = b.Start(context.Background(), StartOptions{
			URL:      "https://gisquick.example.com",
			Username: "alice",
			Password: "pw",
		}, d, func() {
			if sendErr := b.Send("ProjectChanged", nil); sendErr != nil {
				t.Errorf("Send failed: %v", sendErr)
			}
			b.Stop()
		})
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		b.Stop()
		t.Fatal("native session did not stop")
	}
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const command = `{"type":"Echo","id":"1","data":"alice"}`
	if received != command {
		t.Errorf("unexpected command: %s", received)
	}
	if code != len("re:"+command) {
		t.Errorf("native client saw a response of %d bytes, want %d", code, len("re:"+command))
	}
	if b.State() != StateLoaded {
		t.Errorf("unexpected state after session: %s", b.State())
	}
	if len(cgoResponses.items) != 0 {
		t.Errorf("responses not released: %d", len(cgoResponses.items))
	}
}

func TestSharedLibraryStopBeforeConnect(t *testing.T) {
	dir := t.TempDir()
	buildNativeClient(t, dir)
	b := New(&Config{LibraryDir: dir})

	ctx, cancel := context.WithCancel(context.Background())
	// Cancelled while the first command is handled, before onConnected.
	d := DispatchFunc(func(context.Context, []byte) []byte {
		cancel()
		return []byte("{}")
	})

	done := make(chan error, 1)
	go func() {
		_, err := b.Start(ctx, StartOptions{Username: "bob"}, d, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		b.Stop()
		t.Fatal("cancelled session did not stop")
	}
}

func TestSharedLibraryMissingSymbol(t *testing.T) {
	dir := t.TempDir()
	path := buildNativeClient(t, dir, "NO_SEND_MESSAGE")

	_, err := NewSharedLoader(nil).Load(context.Background(), path)
	if err == nil {
		t.Fatal("expected an error for a missing entry point")
	}
	if !strings.Contains(err.Error(), SymbolSendMessage) {
		t.Errorf("error does not name the symbol: %v", err)
	}

	b := New(&Config{LibraryDir: dir})
	var loadErr *LoadError
	if err := b.Load(context.Background()); !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
}
