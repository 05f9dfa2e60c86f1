//go:build windows

package bridge

import "unsafe"

// stringArgs passes a 16 byte struct the arm64 way: in two registers.
func stringArgs(s *winString) []uintptr {
	return []uintptr{uintptr(unsafe.Pointer(s.p)), uintptr(s.n)}
}
