package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(WithQueueCapacity(4))
	first, second := uuid.New(), uuid.New()
	q.Enqueue(first)
	q.Enqueue(second)
	require.Equal(t, 2, q.Len())

	task, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, first, task.OrderID)
	task, ok = q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, second, task.OrderID)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewQueue(WithQueueCapacity(2))
	oldest := uuid.New()
	kept := uuid.New()
	newest := uuid.New()
	q.Enqueue(oldest)
	q.Enqueue(kept)
	q.Enqueue(newest)
	require.Equal(t, 2, q.Len())

	task, _ := q.Dequeue(context.Background())
	require.Equal(t, kept, task.OrderID)
	task, _ = q.Dequeue(context.Background())
	require.Equal(t, newest, task.OrderID)
}

func TestQueueTTLEviction(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q := NewQueue(WithQueueTTL(time.Minute), withQueueClock(clock))

	q.Enqueue(uuid.New())
	now = now.Add(2 * time.Minute)
	fresh := uuid.New()
	q.Enqueue(fresh)

	task, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, fresh, task.OrderID, "expired dispatch must be evicted")
	require.Equal(t, 0, q.Len())
}

func TestQueueDequeueCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok := q.Dequeue(ctx)
	require.False(t, ok)
}
