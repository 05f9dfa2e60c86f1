package bridge

// NativeString is a string in the (pointer, length) form the native entry
// points take. Length counts UTF-8 bytes.
type NativeString struct {
	Data   []byte
	Length int64
}

// NewNativeString converts s.
func NewNativeString(s string) NativeString {
	return NativeString{Data: []byte(s), Length: int64(len(s))}
}

// NulTerminated returns a copy of the data followed by a NUL byte, for
// backends that need C string storage. The terminator is not part of Length.
func (s NativeString) NulTerminated() []byte {
	buf := make([]byte, len(s.Data)+1)
	copy(buf, s.Data)
	return buf
}

func (s NativeString) String() string {
	return string(s.Data)
}
