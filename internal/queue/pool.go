package queue

import (
	"context"
	"fmt"
	"sync"
)

type pending[T any] struct {
	id   string
	item T
}

// QueuePool spreads items over a fixed number of TaskQueues.
//
// Unindexed items go to the first idle queue; when every queue is busy they
// are parked on a single overflow queue which hands them, one at a time, to the
// next queue that drains. Indexed items always go to the named queue, so items
// sharing an index run in submission order.
type QueuePool[T, R any] struct {
	name     string
	queues   []*TaskQueue[T, R]
	overflow *TaskQueue[pending[T], R]

	mu     sync.Mutex
	freed  chan struct{}
	closed bool
}

// NewQueuePool creates a pool of size queues that all execute items with fn.
func NewQueuePool[T, R any](ctx context.Context, name string, size int, fn Func[T, R]) (*QueuePool[T, R], error) {
	if size < 1 {
		return nil, ErrInvalidSize
	}

	p := &QueuePool[T, R]{
		name:   name,
		queues: make([]*TaskQueue[T, R], size),
		freed:  make(chan struct{}),
	}
	for i := range size {
		q := NewTaskQueue(ctx, fmt.Sprintf("%s-%d", name, i), fn)
		q.onEmpty = p.signalFreed
		p.queues[i] = q
	}
	p.overflow = NewTaskQueue(ctx, name+"-overflow", p.overflowTask)
	return p, nil
}

// Size returns the number of pooled queues.
func (p *QueuePool[T, R]) Size() int {
	return len(p.queues)
}

// Enqueue routes the item to an idle queue, or to the overflow queue if none is idle.
func (p *QueuePool[T, R]) Enqueue(id string, item T) *Future[R] {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero R
		return Resolved(zero, ErrClosed)
	}
	q := p.idleQueueLocked()
	p.mu.Unlock()

	if q != nil {
		return q.Enqueue(id, item)
	}
	return p.overflow.Enqueue(id, pending[T]{id: id, item: item})
}

// EnqueueAt routes the item directly to queues[index].
func (p *QueuePool[T, R]) EnqueueAt(id string, item T, index int) (*Future[R], error) {
	if index < 0 || index >= len(p.queues) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(p.queues))
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		var zero R
		return Resolved(zero, ErrClosed), nil
	}
	return p.queues[index].Enqueue(id, item), nil
}

// WaitingItems reports how many items are parked on the overflow queue.
func (p *QueuePool[T, R]) WaitingItems() int {
	return p.overflow.Size()
}

// Depths reports the depth of every pooled queue.
func (p *QueuePool[T, R]) Depths() []int {
	depths := make([]int, len(p.queues))
	for i, q := range p.queues {
		depths[i] = q.Size()
	}
	return depths
}

// Close stops accepting new items. Queued and in-flight items still run.
func (p *QueuePool[T, R]) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for _, q := range p.queues {
		q.Close()
	}
	p.overflow.Close()
}

func (p *QueuePool[T, R]) idleQueueLocked() *TaskQueue[T, R] {
	for _, q := range p.queues {
		if q.Size() == 0 {
			return q
		}
	}
	return nil
}

func (p *QueuePool[T, R]) signalFreed() {
	p.mu.Lock()
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()
}

// overflowTask waits for any pooled queue to drain, hands it the item and
// resolves with that queue's completion.
func (p *QueuePool[T, R]) overflowTask(ctx context.Context, it pending[T]) (R, error) {
	for {
		p.mu.Lock()
		q := p.idleQueueLocked()
		freed := p.freed
		p.mu.Unlock()

		if q != nil {
			return q.push(it.id, it.item).Wait(ctx)
		}

		select {
		case <-freed:
		case <-ctx.Done():
			var zero R
			return zero, ctx.Err()
		}
	}
}
