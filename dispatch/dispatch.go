// Package dispatch turns inbound command envelopes into response envelopes.
//
// A Dispatcher looks the command type up in a Table, runs the handler and
// classifies whatever it returns or raises. Dispatch never panics and never
// returns an error: every input, including garbage, produces one well-formed
// response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/aperturerobotics/go-gisquick-bridge/envelope"
	"github.com/aperturerobotics/go-gisquick-bridge/failure"
)

// ErrUnknownType is returned for a command whose type has no handler.
var ErrUnknownType = errors.New("unknown command type")

// Handler implements the business logic of one command type.
type Handler interface {
	Handle(ctx context.Context, data json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, data json.RawMessage) (any, error) {
	return f(ctx, data)
}

// Table maps command types to handlers. It is built once and read-only
// afterwards.
type Table struct {
	handlers map[string]Handler
}

// NewTable merges the given handler sets into a Table. When a type appears
// in more than one set the last one wins.
func NewTable(sets ...map[string]Handler) *Table {
	t := &Table{handlers: make(map[string]Handler)}
	for _, set := range sets {
		for name, h := range set {
			t.handlers[name] = h
		}
	}
	return t
}

// Lookup returns the handler registered for msgType.
func (t *Table) Lookup(msgType string) (Handler, bool) {
	h, ok := t.handlers[msgType]
	return h, ok
}

// Types returns the registered command types in sorted order.
func (t *Table) Types() []string {
	types := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Executor runs handler invocations on an execution context chosen by the
// host, blocking until the result is available.
type Executor interface {
	Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMiddleware wraps handler invocation in the given middlewares, the
// first one outermost.
func WithMiddleware(mws ...Middleware) Option {
	return func(d *Dispatcher) {
		d.middlewares = append(d.middlewares, mws...)
	}
}

// WithExecutor routes every handler call through e.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) {
		d.exec = e
	}
}

// WithLogger sets the logger used for envelopes that fail to decode.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// Dispatcher is the hard barrier between the native client and host
// handlers. Dispatch calls are serialized.
type Dispatcher struct {
	mu          sync.Mutex
	table       *Table
	middlewares []Middleware
	invoke      Invoker
	exec        Executor
	logger      *slog.Logger
}

// New returns a Dispatcher serving table.
func New(table *Table, opts ...Option) *Dispatcher {
	d := &Dispatcher{table: table, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.table == nil {
		d.table = NewTable()
	}
	d.invoke = Chain(d.middlewares...)(d.call)
	return d
}

// Table returns the handler table.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// Dispatch decodes raw as a command, runs its handler and returns the encoded
// response.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.encode(d.handle(ctx, raw))
}

func (d *Dispatcher) handle(ctx context.Context, raw []byte) (resp *envelope.Response) {
	var cmd *envelope.Command
	defer func() {
		if r := recover(); r != nil {
			resp = blankResponse(cmd, raw)
			Fail(resp, failure.FromPanic(r))
		}
	}()

	cmd, err := envelope.DecodeCommand(raw)
	if err != nil {
		d.logger.Warn("rejecting malformed command", "error", err, "size", len(raw))
		resp = blankResponse(nil, raw)
		Fail(resp, err)
		return resp
	}
	resp = d.invoke(ctx, cmd)
	if resp == nil {
		resp = blankResponse(cmd, raw)
		Fail(resp, errors.New("middleware returned no response"))
	}
	return resp
}

// call is the innermost Invoker.
func (d *Dispatcher) call(ctx context.Context, cmd *envelope.Command) *envelope.Response {
	resp := envelope.NewResponse(cmd)
	h, ok := d.table.Lookup(cmd.Type)
	if !ok {
		Fail(resp, fmt.Errorf("%w: %q", ErrUnknownType, cmd.Type))
		return resp
	}

	result, err := d.run(ctx, h, cmd.Data)
	if err != nil {
		Fail(resp, err)
		return resp
	}
	if isNil(result) {
		result = ""
	}
	resp.Status = failure.StatusOK
	resp.Data = result
	return resp
}

// isNil reports whether v is nil or a nil pointer, map or slice.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func (d *Dispatcher) run(ctx context.Context, h Handler, data json.RawMessage) (any, error) {
	fn := func(ctx context.Context) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = failure.FromPanic(r)
			}
		}()
		return h.Handle(ctx, data)
	}

	var (
		result any
		err    error
	)
	if d.exec != nil {
		result, err = d.exec.Do(ctx, fn)
	} else {
		result, err = fn(ctx)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var f *failure.Failure
		if !errors.As(err, &f) {
			err = failure.Wrap(err, "request timed out", 504)
		}
	}
	return result, err
}

// encode encodes resp. A response whose data cannot be encoded is replaced by
// a failure response describing the encoding error.
func (d *Dispatcher) encode(resp *envelope.Response) []byte {
	out, err := envelope.EncodeResponse(resp)
	if err == nil {
		return out
	}

	d.logger.Error("encoding response", "type", resp.Type, "error", err)
	fallback := &envelope.Response{Type: resp.Type, ID: resp.ID}
	Fail(fallback, pkgerrors.Wrap(err, "encoding response"))
	if out, err = envelope.EncodeResponse(fallback); err == nil {
		return out
	}
	return encodeFailureFallback
}

var encodeFailureFallback = []byte(`{"type":"","status":500,"data":"encoding response failed"}`)

// Fail fills resp with the classified form of err.
func Fail(resp *envelope.Response, err error) {
	c := failure.Classify(err)
	resp.Status = c.Status
	resp.Data = c.Message
	resp.Traceback = c.Traceback
}

// blankResponse returns an empty response addressed to cmd, or to whatever
// type can be recovered from raw when nothing was decoded.
func blankResponse(cmd *envelope.Command, raw []byte) *envelope.Response {
	if cmd != nil {
		return envelope.NewResponse(cmd)
	}
	return &envelope.Response{Type: envelope.PeekType(raw)}
}
