// Package envelope encodes and decodes the JSON envelopes exchanged with the
// Gisquick native client.
//
// Three shapes cross the boundary:
//
//	Command:  { "type": <string>, "id"?: <string|number|null>, "data"?: <any> }
//	Response: { "type": <string>, "id"?: <same as Command>, "status": <int>,
//	            "data": <any>, "traceback"?: <string> }
//	Message:  { "type": <string>, "data"?: <any> }
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrInvalidEnvelope is returned when inbound bytes are not a valid Command.
	ErrInvalidEnvelope = errors.New("invalid message envelope")
	// ErrMissingType is returned when a Command carries no "type" field.
	ErrMissingType = errors.New("message type is missing")
)

// Command is one inbound RPC request relayed by the native client.
type Command struct {
	Type string `json:"type"`
	// ID is kept as raw JSON so it can be echoed back byte-for-byte.
	ID   json.RawMessage `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HasID reports whether the command carried an id.
func (c *Command) HasID() bool {
	return len(c.ID) != 0
}

// Response is the reply to exactly one Command.
type Response struct {
	Type      string          `json:"type"`
	ID        json.RawMessage `json:"id,omitempty"`
	Status    int             `json:"status"`
	Data      any             `json:"data"`
	Traceback string          `json:"traceback,omitempty"`
}

// NewResponse returns a Response addressed to cmd, with the id carried over.
func NewResponse(cmd *Command) *Response {
	resp := &Response{Type: cmd.Type}
	if cmd.HasID() {
		resp.ID = append(json.RawMessage(nil), cmd.ID...)
	}
	return resp
}

// Message is a one-way outbound notification.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// NullValue is the "no value" marker a data source may yield in place of a
// real value. It always encodes as JSON null.
type NullValue struct{}

// Null is the shared NullValue instance.
var Null NullValue

// MarshalJSON implements json.Marshaler.
func (NullValue) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

const commandSchemaSource = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string"},
		"id": {"type": ["string", "number", "null"]}
	}
}`

var commandSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(commandSchemaSource))
})

// DecodeCommand validates raw against the Command shape and decodes it.
func DecodeCommand(raw []byte) (*Command, error) {
	schema, err := commandSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling command schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !result.Valid() {
		return nil, schemaError(result.Errors())
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	// A null id is treated as absent.
	if bytes.Equal(cmd.ID, []byte("null")) {
		cmd.ID = nil
	}
	return &cmd, nil
}

func schemaError(errs []gojsonschema.ResultError) error {
	details := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Type() == "required" && e.Details()["property"] == "type" {
			return ErrMissingType
		}
		details = append(details, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, strings.Join(details, "; "))
}

// PeekType extracts the "type" field from raw without validating anything
// else. It returns an empty string when no type can be recovered.
func PeekType(raw []byte) string {
	var head struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	s, _ := head.Type.(string)
	return s
}

// EncodeResponse encodes a Response.
func EncodeResponse(resp *Response) ([]byte, error) {
	return marshal(resp)
}

// EncodeMessage encodes an outbound Message. A nil data omits the field.
func EncodeMessage(msgType string, data any) ([]byte, error) {
	return marshal(&Message{Type: msgType, Data: data})
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
