package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"Echo","id":"42","data":{"a":[1,2]}}`))
	require.NoError(t, err)
	assert.Equal(t, "Echo", cmd.Type)
	assert.True(t, cmd.HasID())
	assert.JSONEq(t, `"42"`, string(cmd.ID))
	assert.JSONEq(t, `{"a":[1,2]}`, string(cmd.Data))
}

func TestDecodeCommandNumericID(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"Echo","id":17}`))
	require.NoError(t, err)
	assert.Equal(t, "17", string(cmd.ID))
	assert.Nil(t, cmd.Data)
}

func TestDecodeCommandWithoutID(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"Boom"}`))
	require.NoError(t, err)
	assert.False(t, cmd.HasID())
}

func TestDecodeCommandNullID(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"Echo","id":null,"data":"x"}`))
	require.NoError(t, err)
	assert.False(t, cmd.HasID())

	out, err := EncodeResponse(NewResponse(cmd))
	require.NoError(t, err)
	assert.NotContains(t, string(out), `"id"`)
}

func TestDecodeCommandMissingType(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"id":"1","data":"x"}`))
	require.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeCommandMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     `{"type":`,
		"empty":        ``,
		"array":        `["type"]`,
		"numeric type": `{"type":5}`,
		"object id":    `{"type":"Echo","id":{"x":1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(raw))
			require.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestPeekType(t *testing.T) {
	assert.Equal(t, "Echo", PeekType([]byte(`{"type":"Echo","id":{}}`)))
	assert.Equal(t, "", PeekType([]byte(`{"type":1}`)))
	assert.Equal(t, "", PeekType([]byte(`nope`)))
}

func TestNewResponseCopiesID(t *testing.T) {
	cmd := &Command{Type: "Echo", ID: json.RawMessage(`"42"`)}
	resp := NewResponse(cmd)
	assert.Equal(t, "Echo", resp.Type)
	assert.Equal(t, `"42"`, string(resp.ID))

	cmd.ID[1] = '7'
	assert.Equal(t, `"42"`, string(resp.ID), "response id must not alias the command buffer")
}

func TestEncodeResponse(t *testing.T) {
	out, err := EncodeResponse(&Response{
		Type:   "Echo",
		ID:     json.RawMessage(`"42"`),
		Status: 200,
		Data:   "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"Echo","id":"42","status":200,"data":"hi"}`, string(out))
}

func TestEncodeResponseOmitsAbsentID(t *testing.T) {
	out, err := EncodeResponse(&Response{Type: "Boom", Status: 500, Data: "boom", Traceback: "trace"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"Boom","status":500,"data":"boom","traceback":"trace"}`, string(out))
}

func TestEncodeResponseNilDataIsNull(t *testing.T) {
	out, err := EncodeResponse(&Response{Type: "X", Status: 200})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"X","status":200,"data":null}`, string(out))
}

func TestNullSentinel(t *testing.T) {
	out, err := EncodeResponse(&Response{
		Type:   "ProjectInfo",
		Status: 200,
		Data: map[string]any{
			"title":  Null,
			"values": []any{1, Null, "x"},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ProjectInfo","status":200,"data":{"title":null,"values":[1,null,"x"]}}`, string(out))
}

func TestEncodeResponseUnencodable(t *testing.T) {
	_, err := EncodeResponse(&Response{Type: "X", Status: 200, Data: make(chan int)})
	require.Error(t, err)
}

func TestEncodeMessage(t *testing.T) {
	out, err := EncodeMessage("ProjectChanged", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ProjectChanged"}`, string(out))

	out, err = EncodeMessage("FetchStatus", map[string]string{"file": "a<b>.qgs"})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"FetchStatus","data":{"file":"a<b>.qgs"}}`, string(out))

	out, err = EncodeMessage("Flag", false)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"Flag","data":false}`, string(out))
}
