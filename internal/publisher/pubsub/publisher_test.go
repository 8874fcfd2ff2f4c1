package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
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

	topic, err := client.CreateTopic(ctx, "render-results")
	require.NoError(t, err)
	return srv, topic
}

func TestPublisherPublish(t *testing.T) {
	srv, topic := newFakeTopic(t)
	pub := New(topic)
	defer func() { require.NoError(t, pub.Close()) }()

	id, err := pub.Publish(context.Background(), "render.completed", map[string]string{"job_id": "job-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Equal(t, "job-1", payload["job_id"])
	assert.Equal(t, "render.completed", msgs[0].Attributes["event_topic"])
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "payload")
	require.Error(t, err)
	require.NoError(t, New(nil).Close())

	_, topic := newFakeTopic(t)
	_, err = New(topic).Publish(context.Background(), "t", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
