//go:build windows

package bridge

import "unsafe"

// stringArgs passes a 16 byte struct the x64 way: by reference to a copy.
func stringArgs(s *winString) []uintptr {
	return []uintptr{uintptr(unsafe.Pointer(s))}
}
