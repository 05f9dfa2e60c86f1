package bridge

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Platform is an operating system the native client is built for.
type Platform int

const (
	PlatformLinux Platform = iota + 1
	PlatformWindows
	PlatformDarwin
)

// WASMSuffix is the file suffix of the reactor build, on every platform.
const WASMSuffix = ".wasm"

var platforms = map[string]Platform{
	"linux":   PlatformLinux,
	"windows": PlatformWindows,
	"darwin":  PlatformDarwin,
}

// ParsePlatform maps a GOOS value to a Platform.
func ParsePlatform(goos string) (Platform, error) {
	if p, ok := platforms[goos]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
}

// CurrentPlatform returns the Platform of the running process.
func CurrentPlatform() (Platform, error) {
	return ParsePlatform(runtime.GOOS)
}

// Suffix returns the shared library file suffix, including the dot.
func (p Platform) Suffix() string {
	switch p {
	case PlatformLinux:
		return ".so"
	case PlatformWindows:
		return ".dll"
	case PlatformDarwin:
		return ".dylib"
	}
	return ""
}

func (p Platform) String() string {
	switch p {
	case PlatformLinux:
		return "linux"
	case PlatformWindows:
		return "windows"
	case PlatformDarwin:
		return "darwin"
	}
	return fmt.Sprintf("Platform(%d)", int(p))
}

// ArtifactPath returns the shared library path for name in dir.
func ArtifactPath(dir, name string, p Platform) string {
	return filepath.Join(dir, name+p.Suffix())
}
