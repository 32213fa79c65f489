package queue

import (
	"context"
	"sync"
)

// Future is the caller-visible completion handle of a queued item.
type Future[R any] struct {
	once sync.Once
	done chan struct{}
	val  R
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[R any](val R, err error) *Future[R] {
	f := NewFuture[R]()
	f.Complete(val, err)
	return f
}

// Complete resolves the future. Only the first call has an effect; it reports
// whether this call was the one that resolved it.
func (f *Future[R]) Complete(val R, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Result returns the resolved value. It must only be called after Done is closed.
func (f *Future[R]) Result() (R, error) {
	<-f.done
	return f.val, f.err
}
