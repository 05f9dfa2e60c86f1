// Package hostloop hands work from arbitrary goroutines to the single
// goroutine that owns host state.
package hostloop

import (
	"context"
	"errors"
	"sync"

	"github.com/aperturerobotics/go-gisquick-bridge/failure"
)

// ErrStopped is returned for work submitted to a stopped Worker.
var ErrStopped = errors.New("host loop stopped")

// DefaultQueue is the request buffer used when NewWorker is given zero.
const DefaultQueue = 64

// request is a unit of work executed on the loop goroutine.
type request struct {
	ctx  context.Context
	fn   func(context.Context) (any, error)
	done chan result
}

// result holds the return value of a request.
type result struct {
	value any
	err   error
}

// Worker serializes work onto the goroutine running Run. Native callbacks
// arrive on threads the host does not own; handlers that touch host state
// go through the worker so they always observe a single thread.
type Worker struct {
	requests chan request
	quit     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker with room for queue pending requests. Nothing
// runs until Run is called.
func NewWorker(queue int) *Worker {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Worker{
		requests: make(chan request, queue),
		quit:     make(chan struct{}),
	}
}

// Run processes requests on the calling goroutine until ctx is done or Stop
// is called.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case req := <-w.requests:
			res := w.execute(req)
			if req.done != nil {
				req.done <- res
			}
		case <-w.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// execute runs a request, converting panics into errors.
func (w *Worker) execute(req request) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res.err = failure.FromPanic(r)
		}
	}()
	res.value, res.err = req.fn(req.ctx)
	return res
}

// Do submits fn to the loop goroutine and blocks until it completes, ctx is
// done or the worker stops. When Do gives up early fn may still run later.
func (w *Worker) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	req := request{ctx: ctx, fn: fn, done: make(chan result, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Post queues fn without waiting for it.
func (w *Worker) Post(fn func()) error {
	req := request{
		ctx: context.Background(),
		fn: func(context.Context) (any, error) {
			fn()
			return nil, nil
		},
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.quit:
		return ErrStopped
	}
}

// Stop makes Run return. Queued requests are dropped.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}
