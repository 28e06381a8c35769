package client

import (
	"context"
	"encoding/json"
	"sync"
)

// Callback receives the outcome of a request. It fires exactly once, from the
// same point that settles the request's Future.
type Callback func(data json.RawMessage, err error)

// Future is the pending result of a request. It settles exactly once.
type Future struct {
	done chan struct{}
	once sync.Once
	data json.RawMessage
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a result.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value. It must only be called after Done is closed.
func (f *Future) Result() (json.RawMessage, error) {
	<-f.done
	return f.data, f.err
}

// Wait blocks until the future settles or ctx is done. A ctx error only stops
// the wait; the request itself keeps going.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) settle(data json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.data, f.err = data, err
		close(f.done)
		settled = true
	})
	return settled
}

// completion is the single settlement point for one logical call: the
// callback and the future are always settled together.
type completion struct {
	once   sync.Once
	cb     Callback
	future *Future
}

func newCompletion(cb Callback) *completion {
	return &completion{cb: cb, future: newFuture()}
}

func (c *completion) finish(data json.RawMessage, err error) {
	c.once.Do(func() {
		if err != nil {
			data = nil
		}
		if c.cb != nil {
			c.cb(data, err)
		}
		c.future.settle(data, err)
	})
}
