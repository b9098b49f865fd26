package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carepath/conduit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(id string, priority int) *types.MessageEnvelope {
	return &types.MessageEnvelope{MessageID: id, Priority: priority}
}

func TestFIFOOrdering(t *testing.T) {
	q := New(10, types.QueueFIFO, types.OverflowBlock, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, env("a", 0)))
	require.NoError(t, q.Put(ctx, env("b", 0)))
	require.NoError(t, q.Put(ctx, env("c", 0)))

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.MessageID)
	}
}

func TestLIFOOrdering(t *testing.T) {
	q := New(10, types.QueueLIFO, types.OverflowBlock, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, env("a", 0)))
	require.NoError(t, q.Put(ctx, env("b", 0)))
	require.NoError(t, q.Put(ctx, env("c", 0)))

	for _, want := range []string{"c", "b", "a"} {
		got, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.MessageID)
	}
}

func TestPriorityOrderingWithFIFOTiebreak(t *testing.T) {
	q := New(10, types.QueuePriority, types.OverflowBlock, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, env("low-a", 5)))
	require.NoError(t, q.Put(ctx, env("high", 1)))
	require.NoError(t, q.Put(ctx, env("low-b", 5)))

	order := []string{}
	for i := 0; i < 3; i++ {
		got, err := q.Get(ctx)
		require.NoError(t, err)
		order = append(order, got.MessageID)
	}
	assert.Equal(t, []string{"high", "low-a", "low-b"}, order)
}

func TestOverflowReject(t *testing.T) {
	q := New(2, types.QueueFIFO, types.OverflowReject, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, env("a", 0)))
	require.NoError(t, q.Put(ctx, env("b", 0)))

	err := q.Put(ctx, env("c", 0))
	assert.ErrorIs(t, err, types.ErrQueueOverflow)
	assert.Equal(t, 2, q.Len())
}

func TestOverflowDropNewDiscardsIncoming(t *testing.T) {
	var dropped []string
	q := New(1, types.QueueFIFO, types.OverflowDropNew, func(e *types.MessageEnvelope, reason string) {
		dropped = append(dropped, e.MessageID)
		assert.Equal(t, "queue_overflow", reason)
	})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, env("a", 0)))
	require.NoError(t, q.Put(ctx, env("b", 0))) // dropped, not an error

	assert.Equal(t, []string{"b"}, dropped)
	got, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.MessageID)
}

func TestOverflowDropOldestEvictsHead(t *testing.T) {
	var dropped []string
	q := New(2, types.QueueFIFO, types.OverflowDropOldest, func(e *types.MessageEnvelope, reason string) {
		dropped = append(dropped, e.MessageID)
	})
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, env("a", 0)))
	require.NoError(t, q.Put(ctx, env("b", 0)))
	require.NoError(t, q.Put(ctx, env("c", 0))) // evicts "a"

	assert.Equal(t, []string{"a"}, dropped)

	got, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.MessageID)
}

func TestPutAfterCloseReturnsQueueClosed(t *testing.T) {
	q := New(2, types.QueueFIFO, types.OverflowBlock, nil)
	q.Close()
	err := q.Put(context.Background(), env("a", 0))
	assert.ErrorIs(t, err, types.ErrQueueClosed)
}

func TestDrainReturnsRemainderAndClosesQueue(t *testing.T) {
	q := New(10, types.QueueFIFO, types.OverflowBlock, nil)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, env("a", 0)))
	require.NoError(t, q.Put(ctx, env("b", 0)))

	remainder := q.Drain()
	require.Len(t, remainder, 2)
	assert.ErrorIs(t, q.Put(ctx, env("c", 0)), types.ErrQueueClosed)
}

func TestGetBlocksUntilPutUnderFIFOSingleProducer(t *testing.T) {
	q := New(1, types.QueueFIFO, types.OverflowBlock, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var got *types.MessageEnvelope
	go func() {
		defer wg.Done()
		var err error
		got, err = q.Get(ctx)
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond) // give Get a chance to block first
	require.NoError(t, q.Put(ctx, env("late", 0)))
	wg.Wait()
	assert.Equal(t, "late", got.MessageID)
}

func TestGetHonorsCancellation(t *testing.T) {
	q := New(1, types.QueueFIFO, types.OverflowBlock, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Len())
}

func TestPutBlocksThenHonorsCancellationUnderBlock(t *testing.T) {
	// Using block policy at capacity: a cancelled Put must not enqueue.
	q := New(1, types.QueueFIFO, types.OverflowBlock, nil)
	require.NoError(t, q.Put(context.Background(), env("a", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, env("b", 0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestLenNeverExceedsCapacityUnderBlock(t *testing.T) {
	q := New(3, types.QueueFIFO, types.OverflowBlock, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Put(ctx, env("x", 0))
		}(i)
	}
	// Drain concurrently so producers can make progress.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_, _ = q.Get(ctx)
			assert.LessOrEqual(t, q.Len(), q.Capacity())
		}
		close(done)
	}()
	wg.Wait()
	<-done
	assert.LessOrEqual(t, q.Len(), q.Capacity())
}
