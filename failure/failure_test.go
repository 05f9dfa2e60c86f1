package failure

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsCode(t *testing.T) {
	assert.Equal(t, DefaultCode, New("oops", 0).Code)
	assert.Equal(t, 404, New("missing", 404).Code)
	assert.Equal(t, "layer 3 missing", Newf(404, "layer %d missing", 3).Message)
}

func TestClassifyStructuredFailure(t *testing.T) {
	c := Classify(New("Project is not opened", 404))
	assert.Equal(t, 404, c.Status)
	assert.Equal(t, "Project is not opened", c.Message)
	assert.Contains(t, c.Traceback, "*failure.Failure: Project is not opened")
	assert.Contains(t, c.Traceback, "TestClassifyStructuredFailure")
}

func TestClassifyUnclassified(t *testing.T) {
	c := Classify(errors.New("boom"))
	assert.Equal(t, DefaultCode, c.Status)
	assert.Equal(t, "boom", c.Message)
	assert.True(t, strings.HasPrefix(c.Traceback, "*errors.errorString: boom"), c.Traceback)
	assert.Contains(t, c.Traceback, "TestClassifyUnclassified", "falls back to the classification site")
}

func TestClassifyWrappedFailureKeepsStatus(t *testing.T) {
	err := fmt.Errorf("handling ProjectInfo: %w", New("Project is not opened", 404))
	c := Classify(err)
	assert.Equal(t, 404, c.Status)
	assert.Equal(t, "handling ProjectInfo: Project is not opened", c.Message)

	c = Classify(pkgerrors.Wrap(err, "dispatch"))
	assert.Equal(t, 404, c.Status, "a Failure deeper in the chain sets the status")
}

func raiseFromCause() error {
	return pkgerrors.Wrap(os.ErrNotExist, "reading project file")
}

func TestClassifyReportsCauseTraceback(t *testing.T) {
	cause := raiseFromCause()
	err := Wrap(cause, "Failed to collect metadata of layer 'roads'", 0)

	c := Classify(err)
	assert.Equal(t, DefaultCode, c.Status)
	assert.Equal(t, "Failed to collect metadata of layer 'roads'", c.Message)
	assert.True(t, strings.HasPrefix(c.Traceback, "*errors.errorString: file does not exist"), c.Traceback)
	assert.Contains(t, c.Traceback, "raiseFromCause")
}

func TestClassifyWrapperStatusWins(t *testing.T) {
	inner := New("not found", 404)
	outer := Wrap(inner, "lookup failed", 409)
	c := Classify(outer)
	assert.Equal(t, 409, c.Status)
	assert.Equal(t, "lookup failed", c.Message)
	assert.True(t, strings.HasPrefix(c.Traceback, "*failure.Failure: not found"), c.Traceback)
}

func panicky() {
	panic("index out of range")
}

func TestFromPanic(t *testing.T) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = FromPanic(r)
			}
		}()
		panicky()
	}()
	require.Error(t, err)

	c := Classify(err)
	assert.Equal(t, DefaultCode, c.Status)
	assert.Equal(t, "index out of range", c.Message)
	assert.Contains(t, c.Traceback, "panicky")
}

func TestFromPanicWithFailure(t *testing.T) {
	var err error
	func() {
		defer func() {
			err = FromPanic(recover())
		}()
		panic(New("gone", 410))
	}()

	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, 410, Classify(err).Status)
}

func TestRootJoined(t *testing.T) {
	first := errors.New("first")
	err := fmt.Errorf("outer: %w", errors.Join(first, errors.New("second")))
	assert.Same(t, first, Root(err))
}

func TestFailureFormat(t *testing.T) {
	f := New("bad request", 400)
	assert.Equal(t, "bad request", fmt.Sprintf("%v", f))
	assert.Equal(t, `"bad request"`, fmt.Sprintf("%q", f))
	verbose := fmt.Sprintf("%+v", f)
	assert.Contains(t, verbose, "bad request (status 400)")
	assert.Contains(t, verbose, "TestFailureFormat")
}
