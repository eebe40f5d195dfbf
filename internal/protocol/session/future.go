package session

import "context"

// Future is a channel-backed Sink for callers that want to wait on one
// request without dedicating a goroutine to it.
type Future struct {
	ch chan Result
}

func NewFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

// Sink returns the function to register with the request.
func (f *Future) Sink() Sink {
	return func(r Result) {
		select {
		case f.ch <- r:
		default:
		}
	}
}

// Done yields the result once it is available.
func (f *Future) Done() <-chan Result {
	return f.ch
}

// Await blocks until the request resolves or ctx ends. The returned error is
// the result's Err, or ctx.Err() when ctx ended first.
func (f *Future) Await(ctx context.Context) (Result, error) {
	select {
	case r := <-f.ch:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
