package queue

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// Func executes one queued item.
type Func[T, R any] func(ctx context.Context, item T) (R, error)

type entry[T, R any] struct {
	id     string
	item   T
	future *Future[R]
}

// TaskQueue runs queued items one at a time in arrival order.
//
// A worker goroutine exists only while the queue is non-empty. The item being
// executed stays at the head of the buffer until it finishes, so Size counts it.
type TaskQueue[T, R any] struct {
	name string
	ctx  context.Context
	fn   Func[T, R]

	mu      sync.Mutex
	items   deque.Deque[*entry[T, R]]
	running bool
	closed  bool
	emptied chan struct{}
	onEmpty func()
}

// NewTaskQueue creates a queue whose items are executed by fn with ctx.
func NewTaskQueue[T, R any](ctx context.Context, name string, fn Func[T, R]) *TaskQueue[T, R] {
	emptied := make(chan struct{})
	close(emptied)
	return &TaskQueue[T, R]{
		name:    name,
		ctx:     ctx,
		fn:      fn,
		emptied: emptied,
	}
}

// Name returns the queue name.
func (q *TaskQueue[T, R]) Name() string {
	return q.name
}

// Enqueue appends an item and returns its completion handle.
func (q *TaskQueue[T, R]) Enqueue(id string, item T) *Future[R] {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		var zero R
		return Resolved(zero, ErrClosed)
	}
	return q.push(id, item)
}

// push appends without checking closed; the pool uses it to drain overflow
// items that were accepted before Close.
func (q *TaskQueue[T, R]) push(id string, item T) *Future[R] {
	future := NewFuture[R]()

	q.mu.Lock()
	if q.items.Len() == 0 {
		q.emptied = make(chan struct{})
	}
	q.items.PushBack(&entry[T, R]{id: id, item: item, future: future})
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go q.run()
	}
	return future
}

// Size reports the queue depth including the in-flight item.
func (q *TaskQueue[T, R]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Emptied returns a channel that is closed once the queue has no items.
// The returned channel is already closed if the queue is empty now.
func (q *TaskQueue[T, R]) Emptied() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.emptied
}

// Close stops accepting new items. Items already queued still run.
func (q *TaskQueue[T, R]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *TaskQueue[T, R]) run() {
	for {
		q.mu.Lock()
		head := q.items.Front()
		q.mu.Unlock()

		val, err := q.execute(head)

		q.mu.Lock()
		q.items.PopFront()
		empty := q.items.Len() == 0
		var onEmpty func()
		if empty {
			q.running = false
			close(q.emptied)
			onEmpty = q.onEmpty
		}
		q.mu.Unlock()

		head.future.Complete(val, err)
		if empty {
			if onEmpty != nil {
				onEmpty()
			}
			return
		}
	}
}

func (q *TaskQueue[T, R]) execute(e *entry[T, R]) (val R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return q.fn(q.ctx, e.item)
}
