// Package queue implements the per-host bounded work buffer described in
// spec.md §4.1: a concurrency-safe queue with a configurable dequeue
// discipline (fifo/lifo/priority/unordered) and overflow policy
// (block/drop_oldest/drop_new/reject).
package queue

import (
	"context"
	"sync"

	"github.com/carepath/conduit/pkg/types"
)

// DropListener is notified, with the queue's lock held, whenever an envelope
// is sacrificed by the overflow policy (drop_oldest victim, or the
// discarded incoming envelope under drop_new); it must not call back into
// the queue. Hosts use this to write the
// dropped-envelope trace row spec.md §4.1 requires.
type DropListener func(env *types.MessageEnvelope, reason string)

// BoundedQueue is a bounded, concurrency-safe work buffer, one per host.
type BoundedQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	capacity   int
	overflow   types.OverflowPolicy
	store      store
	closed     bool
	nextSeq    uint64
	onDrop     DropListener
}

// New constructs a BoundedQueue with the given capacity, dequeue discipline,
// and overflow policy. onDrop may be nil.
func New(capacity int, discipline types.QueueDiscipline, overflow types.OverflowPolicy, onDrop DropListener) *BoundedQueue {
	q := &BoundedQueue{
		capacity: capacity,
		overflow: overflow,
		store:    newStore(discipline),
		onDrop:   onDrop,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put adds one envelope to the queue, applying the configured overflow
// policy once the queue is at capacity. Returns types.ErrQueueClosed if the
// queue has been closed, or types.ErrQueueOverflow under OverflowReject.
func (q *BoundedQueue) Put(ctx context.Context, env *types.MessageEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.ErrQueueClosed
	}

	for q.store.size() >= q.capacity {
		switch q.overflow {
		case types.OverflowReject:
			return types.ErrQueueOverflow
		case types.OverflowDropNew:
			q.notifyDropLocked(env, "queue_overflow")
			return nil
		case types.OverflowDropOldest:
			victim := q.store.evictVictim()
			q.notifyDropLocked(victim, "queue_overflow")
			// room has been made; fall through to insert below
		default: // OverflowBlock
			if err := q.waitNotFullLocked(ctx); err != nil {
				return err
			}
			if q.closed {
				return types.ErrQueueClosed
			}
		}
	}

	q.nextSeq++
	env.EnqueueSeq = q.nextSeq
	q.store.push(env)
	q.notEmpty.Broadcast()
	return nil
}

// Get removes and returns one envelope per the queue's discipline, blocking
// until one is available or the queue is closed and drained.
func (q *BoundedQueue) Get(ctx context.Context) (*types.MessageEnvelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.store.size() == 0 {
		if q.closed {
			return nil, types.ErrQueueClosed
		}
		if err := q.waitNotEmptyLocked(ctx); err != nil {
			return nil, err
		}
	}

	env := q.store.pop()
	q.notFull.Broadcast()
	return env, nil
}

// Len returns the current number of buffered envelopes.
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.size()
}

// Capacity returns the configured capacity.
func (q *BoundedQueue) Capacity() int {
	return q.capacity
}

// Close prevents further Put calls; buffered envelopes remain available to
// Get until drained.
func (q *BoundedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Drain closes the queue and returns every envelope still buffered, for use
// during a host's graceful shutdown.
func (q *BoundedQueue) Drain() []*types.MessageEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()

	remainder := make([]*types.MessageEnvelope, 0, q.store.size())
	for q.store.size() > 0 {
		remainder = append(remainder, q.store.pop())
	}
	return remainder
}

func (q *BoundedQueue) notifyDropLocked(env *types.MessageEnvelope, reason string) {
	if env == nil || q.onDrop == nil {
		return
	}
	// Invoked with the lock held: onDrop must not call back into the queue.
	// Hosts satisfy this by handing the envelope to a fire-and-forget trace
	// writer rather than doing any blocking work here.
	q.onDrop(env, reason)
}

// waitNotFullLocked blocks until the queue has room, the queue closes, or
// ctx is cancelled. Must be called with q.mu held; re-acquires it before
// returning.
func (q *BoundedQueue) waitNotFullLocked(ctx context.Context) error {
	return q.waitLocked(ctx, q.notFull, func() bool {
		return q.store.size() < q.capacity
	})
}

// waitNotEmptyLocked blocks until the queue has an item, the queue closes,
// or ctx is cancelled.
func (q *BoundedQueue) waitNotEmptyLocked(ctx context.Context) error {
	return q.waitLocked(ctx, q.notEmpty, func() bool {
		return q.store.size() > 0
	})
}

// waitLocked is the shared suspension point for Put/Get: it observes
// cancellation of ctx without consuming or producing an envelope, per
// spec.md §5's cancellation contract. Must be called with q.mu held.
func (q *BoundedQueue) waitLocked(ctx context.Context, cond *sync.Cond, ready func() bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var cancelled bool
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		cancelled = true
		q.mu.Unlock()
		cond.Broadcast()
	})
	defer stop()

	for !ready() && !q.closed && !cancelled {
		cond.Wait()
	}
	if cancelled && !ready() {
		return ctx.Err()
	}
	return nil
}
