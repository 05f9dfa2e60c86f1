// Package failure classifies errors raised by command handlers into the
// status, message and traceback reported back to the remote peer.
package failure

import (
	"errors"
	"fmt"
	"io"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const (
	// StatusOK is the status of a successful response.
	StatusOK = 200
	// DefaultCode is the status of any failure that does not carry its own.
	DefaultCode = 500
)

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Failure is an error with an explicit response status. Handlers return (or
// panic with) a Failure to control the status the remote side receives.
type Failure struct {
	Message string
	Code    int

	cause error
	stack pkgerrors.StackTrace
}

// New returns a Failure with the given message and status code. A zero code
// means DefaultCode.
func New(message string, code int) *Failure {
	return &Failure{Message: message, Code: normalizeCode(code), stack: callers(2)}
}

// Newf is New with a formatted message.
func Newf(code int, format string, args ...any) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...), Code: normalizeCode(code), stack: callers(2)}
}

// Wrap returns a Failure raised because of cause. The traceback reported for
// it is the cause's, not the wrapper's.
func Wrap(cause error, message string, code int) *Failure {
	return &Failure{Message: message, Code: normalizeCode(code), cause: cause, stack: callers(2)}
}

func normalizeCode(code int) int {
	if code == 0 {
		return DefaultCode
	}
	return code
}

func (f *Failure) Error() string { return f.Message }

// Unwrap returns the cause passed to Wrap, if any.
func (f *Failure) Unwrap() error { return f.cause }

// StackTrace returns the stack recorded where the Failure was created.
func (f *Failure) StackTrace() pkgerrors.StackTrace { return f.stack }

// Format implements fmt.Formatter; %+v includes the stack trace.
func (f *Failure) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s (status %d)%+v", f.Message, f.Code, f.stack)
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, f.Message)
	case 'q':
		fmt.Fprintf(s, "%q", f.Message)
	}
}

// PanicError is a recovered panic converted into an error.
type PanicError struct {
	Value any
	stack pkgerrors.StackTrace
}

// FromPanic converts a value obtained from recover into an error that
// carries the stack of the panicking goroutine. It must be called from the
// deferred function that recovered.
func FromPanic(v any) error {
	return &PanicError{Value: v, stack: callers(2)}
}

func (p *PanicError) Error() string { return fmt.Sprint(p.Value) }

// Unwrap exposes a panic value that is itself an error, so a panicking
// handler can still raise a Failure.
func (p *PanicError) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}

// StackTrace returns the stack captured at recovery time.
func (p *PanicError) StackTrace() pkgerrors.StackTrace { return p.stack }

// Classification is the reportable form of an error.
type Classification struct {
	Status    int
	Message   string
	Traceback string
}

// Classify converts err into a status, message and traceback.
//
// The status is the Code of the first Failure found anywhere in err's chain
// by errors.As, so a Failure keeps its status when a plain error such as
// fmt.Errorf("...: %w") wraps it. Only when no Failure is in the chain is the
// status DefaultCode. The message is err's own message. The traceback always
// describes the innermost cause.
func Classify(err error) Classification {
	c := Classification{Status: DefaultCode, Message: err.Error()}
	var f *Failure
	if errors.As(err, &f) {
		c.Status = f.Code
	}
	c.Traceback = traceback(err, callers(2))
	return c
}

// Traceback formats the traceback of err's innermost cause.
func Traceback(err error) string {
	return traceback(err, callers(2))
}

func traceback(err error, fallback pkgerrors.StackTrace) string {
	root := Root(err)
	st := innermostStack(err)
	if st == nil {
		st = fallback
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%T: %s", root, root.Error())
	fmt.Fprintf(&b, "%+v\n", st)
	return b.String()
}

// Root walks the Unwrap chain of err and returns its innermost error. For
// joined errors the first branch is followed.
func Root(err error) error {
	for {
		next := unwrapOne(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// innermostStack returns the stack of the deepest error in the chain that
// recorded one.
func innermostStack(err error) pkgerrors.StackTrace {
	var st pkgerrors.StackTrace
	for err != nil {
		if t, ok := err.(stackTracer); ok && len(t.StackTrace()) != 0 {
			st = t.StackTrace()
		}
		err = unwrapOne(err)
	}
	return st
}

func unwrapOne(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := u.Unwrap(); len(errs) != 0 {
			return errs[0]
		}
	}
	return nil
}

// callers records the stack above the caller of callers, skipping skip
// additional frames.
func callers(skip int) pkgerrors.StackTrace {
	st := pkgerrors.New("").(stackTracer).StackTrace()
	if skip < len(st) {
		return st[skip:]
	}
	return st
}
