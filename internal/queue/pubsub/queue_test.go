package pubsub_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	psqueue "github.com/JakeFAU/dsl-png-renderer/internal/queue/pubsub"
)

func newQueue(t *testing.T) (*psqueue.Queue, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "render-jobs")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "render-workers", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return psqueue.New(topic, sub, nil), topic
}

func TestQueueRoundTrip(t *testing.T) {
	q, _ := newQueue(t)
	defer func() { require.NoError(t, q.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := jobs.QueueItem{JobID: "job-1", Attempt: 1, Submitted: 1700000000}
	require.NoError(t, q.Enqueue(ctx, want))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestQueueSkipsMalformedMessages(t *testing.T) {
	q, topic := newQueue(t)
	defer func() { require.NoError(t, q.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := topic.Publish(ctx, &pubsub.Message{Data: []byte("not json")}).Get(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, jobs.QueueItem{JobID: "job-2"}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-2", got.JobID)
}

func TestQueueClosed(t *testing.T) {
	q, _ := newQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Close()
	}()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, psqueue.ErrClosed)

	require.ErrorIs(t, q.Enqueue(ctx, jobs.QueueItem{JobID: "job-3"}), psqueue.ErrClosed)
}
