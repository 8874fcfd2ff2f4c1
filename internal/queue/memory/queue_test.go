package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
)

func TestQueueDeliversInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, jobs.QueueItem{JobID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, item.JobID)
	}
	assert.Zero(t, q.Len())
}

func TestQueueDequeueWaitsForProducer(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	got := make(chan jobs.QueueItem, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			got <- item
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), jobs.QueueItem{JobID: "job-1"}))
	select {
	case item := <-got:
		assert.Equal(t, "job-1", item.JobID)
	case <-time.After(time.Second):
		t.Fatal("consumer never received the job")
	}
}

func TestQueueHonoursContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Enqueue(context.Background(), jobs.QueueItem{JobID: "fills"}))
	err = q.Enqueue(ctx, jobs.QueueItem{JobID: "blocked"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "blocked")
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), jobs.QueueItem{JobID: "pending"}))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	require.ErrorIs(t, q.Enqueue(context.Background(), jobs.QueueItem{JobID: "late"}), ErrClosed)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", item.JobID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueCloseReleasesBlockedProducer(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), jobs.QueueItem{JobID: "fills"}))

	errCh := make(chan error, 1)
	go func() { errCh <- q.Enqueue(context.Background(), jobs.QueueItem{JobID: "waits"}) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released by Close")
	}
}
