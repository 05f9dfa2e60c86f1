// Package bridge drives the Gisquick native client across its foreign
// boundary.
//
// The native client is an opaque, separately compiled component: a shared
// library exporting Start/Stop/SendMessage, or a WASI reactor exposing the
// same contract. Start blocks for the lifetime of the connection and calls
// back into Go for every remote command.
package bridge

// DefaultLibraryName is the artifact base name used when none is configured.
const DefaultLibraryName = "gisquick"

// Shared library entry points
const (
	// SymbolStart opens the connection and blocks until it ends.
	// Signature: Start(url, user, password, client_info GoString,
	//                  on_message char*(*)(char*), on_connected void(*)()) -> int32
	// Returns: 0 on a clean disconnect, non-zero on failure
	SymbolStart = "Start"

	// SymbolStop requests termination of a running Start.
	// Signature: Stop() -> void
	SymbolStop = "Stop"

	// SymbolSendMessage queues one outbound message.
	// Signature: SendMessage(msg GoString) -> void
	SymbolSendMessage = "SendMessage"
)

// Reactor exports
const (
	// ExportStart runs the client with four (ptr, len) string arguments.
	// Signature: gisquick_start(url_ptr, url_len, user_ptr, user_len,
	//                           pass_ptr, pass_len, info_ptr, info_len: i32) -> i32
	// Returns: client exit code (0 on a clean disconnect)
	ExportStart = "gisquick_start"

	// ExportMalloc allocates memory in WASM linear memory.
	// Signature: malloc(size: i32) -> i32 (pointer)
	ExportMalloc = "malloc"

	// ExportFree frees memory in WASM linear memory.
	// Signature: free(ptr: i32) -> void
	ExportFree = "free"
)

// Host imports provided to the reactor
const (
	// ImportModule is the import module name for host functions.
	ImportModule = "gisquick"

	// ImportOnMessage hands one inbound command to the host.
	// Signature: on_message(ptr, len, out_ptr_ptr, out_len_ptr: i32) -> i32
	// The response is written into guest memory allocated with malloc and
	// owned by the guest afterwards. Returns 0 on success, -1 on failure.
	ImportOnMessage = "on_message"

	// ImportOnConnected signals the connection is established.
	// Signature: on_connected() -> void
	ImportOnConnected = "on_connected"

	// ImportNextOutbound polls for the next queued outbound message.
	// Signature: next_outbound(out_ptr_ptr, out_len_ptr: i32) -> i32
	// Returns one of the Outbound* values.
	ImportNextOutbound = "next_outbound"
)

// next_outbound results
const (
	OutboundIdle    int32 = 0
	OutboundMessage int32 = 1
	OutboundStop    int32 = -1
)
