package bridge

import (
	"context"
	"fmt"
	"os"
)

// StartOptions are the connection parameters handed to the native client.
type StartOptions struct {
	URL        string
	Username   string
	Password   string
	ClientInfo string
}

// nativeStrings returns the options in entry point argument order.
func (o StartOptions) nativeStrings() [4]NativeString {
	return [4]NativeString{
		NewNativeString(o.URL),
		NewNativeString(o.Username),
		NewNativeString(o.Password),
		NewNativeString(o.ClientInfo),
	}
}

// Callbacks are invoked by the native client while Start runs, possibly on
// threads the caller does not own.
type Callbacks struct {
	// OnMessage receives one encoded command and returns the encoded response.
	OnMessage func(raw []byte) []byte
	// OnConnected is called once the connection is established.
	OnConnected func()
}

func (c Callbacks) message(raw []byte) []byte {
	if c.OnMessage == nil {
		return nil
	}
	return c.OnMessage(raw)
}

func (c Callbacks) connected() {
	if c.OnConnected != nil {
		c.OnConnected()
	}
}

// Library is a loaded native client.
type Library interface {
	// Start runs one session and blocks until it ends, returning the native
	// exit code. Cancelling ctx requests termination like Stop, and keeps
	// requesting it if the client is not yet able to honor it.
	Start(ctx context.Context, opts StartOptions, cb Callbacks) (int, error)
	// Stop requests termination of a running session without waiting.
	Stop()
	// SendMessage queues one encoded outbound message.
	SendMessage(msg []byte)
	// Close releases host-side resources held for the library.
	Close(ctx context.Context) error
}

// Loader locates and loads native client artifacts.
type Loader interface {
	// Artifact returns the artifact path for name in dir.
	Artifact(dir, name string) (string, error)
	// Load loads the artifact at path.
	Load(ctx context.Context, path string) (Library, error)
}

// checkArtifact fails early with a readable error for a missing artifact.
func checkArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
