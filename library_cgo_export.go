//go:build cgo && (linux || darwin)

package bridge

/*
#include <stdlib.h>
*/
import "C"

import "unsafe"

//export bridgeOnMessage
func bridgeOnMessage(msg *C.char) *C.char {
	resp := deliverMessage([]byte(C.GoString(msg)))
	out := C.CString(string(resp))
	cgoResponses.keep(unsafe.Pointer(out))
	return out
}

//export bridgeOnConnected
func bridgeOnConnected() {
	deliverConnected()
}
