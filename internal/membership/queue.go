// Package membership keeps local room membership in line with remote channels.
package membership

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirebridge/internal/local"
	"github.com/vovakirdan/wirebridge/internal/metrics"
	"github.com/vovakirdan/wirebridge/internal/queue"
	"github.com/vovakirdan/wirebridge/internal/utils"
)

// ErrExpired is returned for operations whose time-to-live passed before they ran.
var ErrExpired = errors.New("membership operation expired")

// Op is a membership operation.
type Op int

const (
	OpJoin Op = iota
	OpLeave
)

func (o Op) String() string {
	if o == OpJoin {
		return "join"
	}
	return "leave"
}

// Task is one join or leave. The same Task is resubmitted on every retry.
type Task struct {
	RoomID   string
	UserID   string
	Op       Op
	Attempts int
	// Kicker removes UserID on its behalf when set.
	Kicker string
	Reason string
	// Deadline drops the task unexecuted once passed; zero means never.
	Deadline time.Time

	index  int
	result *queue.Future[struct{}]
}

// QueueOptions tunes a Queue.
type QueueOptions struct {
	Concurrency   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        time.Duration
	MaxAttempts   int
	RoomCacheSize int
	Logger        *zerolog.Logger

	// Sleep, Intn, and Now are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Intn  func(n int) int
	Now   func() time.Time
}

// Queue runs membership operations against the local network. Operations on
// one room always land on the same pooled queue, so they run in submission order.
type Queue struct {
	intent local.Intent
	opts   QueueOptions
	log    zerolog.Logger

	pool *queue.QueuePool[*Task, struct{}]

	mu     sync.Mutex
	rooms  *lru.Cache[string, int]
	closed atomic.Bool
}

// NewQueue starts a queue executing against intent.
func NewQueue(ctx context.Context, intent local.Intent, opts QueueOptions) (*Queue, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RoomCacheSize < 1 {
		opts.RoomCacheSize = 1024
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	rooms, err := lru.New[string, int](opts.RoomCacheSize)
	if err != nil {
		return nil, fmt.Errorf("room index cache: %w", err)
	}
	q := &Queue{
		intent: intent,
		opts:   opts,
		log:    logger.With().Str("module", "membership").Logger(),
		rooms:  rooms,
	}
	q.pool, err = queue.NewQueuePool(ctx, "membership", opts.Concurrency, q.execute)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Join makes userID join roomID.
func (q *Queue) Join(roomID, userID string) *queue.Future[struct{}] {
	return q.submit(&Task{RoomID: roomID, UserID: userID, Op: OpJoin})
}

// Leave removes userID from roomID, kicked by kicker when kicker is set.
func (q *Queue) Leave(roomID, userID, kicker, reason string) *queue.Future[struct{}] {
	return q.submit(&Task{RoomID: roomID, UserID: userID, Op: OpLeave, Kicker: kicker, Reason: reason})
}

// LeaveWithTTL is Leave that gives up with ErrExpired if it has not run within ttl.
func (q *Queue) LeaveWithTTL(roomID, userID, kicker, reason string, ttl time.Duration) *queue.Future[struct{}] {
	t := &Task{RoomID: roomID, UserID: userID, Op: OpLeave, Kicker: kicker, Reason: reason}
	if ttl > 0 {
		t.Deadline = q.opts.Now().Add(ttl)
	}
	return q.submit(t)
}

// WaitingItems reports how many operations are queued or running across all rooms.
func (q *Queue) WaitingItems() int {
	total := q.pool.WaitingItems()
	for _, depth := range q.pool.Depths() {
		total += depth
	}
	return total
}

// Close stops accepting operations.
func (q *Queue) Close() {
	q.closed.Store(true)
	q.pool.Close()
}

func (q *Queue) submit(t *Task) *queue.Future[struct{}] {
	t.result = queue.NewFuture[struct{}]()
	if q.closed.Load() {
		t.result.Complete(struct{}{}, queue.ErrClosed)
		return t.result
	}
	t.index = q.indexFor(t.RoomID)
	q.enqueue(t)
	metrics.QueueWaitingItems.WithLabelValues("membership").Set(float64(q.WaitingItems()))
	return t.result
}

func (q *Queue) enqueue(t *Task) {
	f, err := q.pool.EnqueueAt(utils.ItemID(t.Op.String(), t.RoomID, t.UserID), t, t.index)
	if err != nil {
		t.result.Complete(struct{}{}, err)
		return
	}
	select {
	case <-f.Done():
		// only a rejected enqueue resolves this early
		if _, err := f.Result(); errors.Is(err, queue.ErrClosed) {
			t.result.Complete(struct{}{}, err)
		}
	default:
	}
}

// indexFor returns the sticky queue index of roomID, assigning one at random
// the first time the room is seen.
func (q *Queue) indexFor(roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx, ok := q.rooms.Get(roomID); ok {
		return idx
	}
	idx := q.opts.Intn(q.pool.Size())
	q.rooms.Add(roomID, idx)
	return idx
}

// retryDelay is the wait before the retry following attempt number attempts.
// It grows by BaseDelay per attempt and never exceeds MaxDelay.
func (q *Queue) retryDelay(attempts int) time.Duration {
	delay := q.opts.BaseDelay * time.Duration(attempts)
	if jitter := min(q.opts.Jitter, q.opts.BaseDelay); jitter > 0 {
		delay += time.Duration(q.opts.Intn(int(jitter)))
	}
	if q.opts.MaxDelay > 0 && delay > q.opts.MaxDelay {
		delay = q.opts.MaxDelay
	}
	return delay
}

func (q *Queue) execute(ctx context.Context, t *Task) (struct{}, error) {
	log := q.log.With().
		Str("op", t.Op.String()).
		Str("room_id", t.RoomID).
		Str("user_id", t.UserID).
		Logger()

	if !t.Deadline.IsZero() && q.opts.Now().After(t.Deadline) {
		metrics.MembershipOpsTotal.WithLabelValues(t.Op.String(), "expired").Inc()
		log.Debug().Msg("membership operation expired")
		t.result.Complete(struct{}{}, ErrExpired)
		return struct{}{}, ErrExpired
	}

	t.Attempts++
	err := q.apply(ctx, t)
	if err == nil {
		metrics.MembershipOpsTotal.WithLabelValues(t.Op.String(), "ok").Inc()
		t.result.Complete(struct{}{}, nil)
		return struct{}{}, nil
	}

	if errors.Is(err, local.ErrForbidden) || t.Attempts >= q.opts.MaxAttempts {
		metrics.MembershipOpsTotal.WithLabelValues(t.Op.String(), "rejected").Inc()
		log.Warn().Err(err).Int("attempts", t.Attempts).Msg("membership operation failed")
		t.result.Complete(struct{}{}, err)
		return struct{}{}, err
	}

	delay := q.retryDelay(t.Attempts)
	metrics.MembershipRetriesTotal.WithLabelValues(t.Op.String()).Inc()
	log.Debug().Err(err).Int("attempts", t.Attempts).Dur("delay", delay).Msg("retrying membership operation")

	if err := q.opts.Sleep(ctx, delay); err != nil {
		t.result.Complete(struct{}{}, err)
		return struct{}{}, err
	}
	q.enqueue(t)
	return struct{}{}, nil
}

func (q *Queue) apply(ctx context.Context, t *Task) error {
	switch t.Op {
	case OpJoin:
		return q.intent.Join(ctx, t.RoomID, t.UserID)
	case OpLeave:
		if t.Kicker != "" && t.Kicker != t.UserID {
			return q.intent.Kick(ctx, t.RoomID, t.Kicker, t.UserID, t.Reason)
		}
		return q.intent.Leave(ctx, t.RoomID, t.UserID, t.Reason)
	default:
		return fmt.Errorf("unknown membership op %d", t.Op)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
