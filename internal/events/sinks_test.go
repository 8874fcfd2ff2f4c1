package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/publisher/memory"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	batch := []Event{
		{JobID: "job-1", Seq: 1, Type: TypeStarted, Percent: 10},
		{JobID: "job-1", Seq: 2, Type: TypeFailed, Error: &jobs.ErrorInfo{Code: "timeout", Message: "too slow"}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "timeout", entries[1].ContextMap()["error_code"])
}

func TestMetricsSinkConsume(t *testing.T) {
	t.Parallel()

	sink := NewMetricsSink()
	require.NoError(t, sink.Consume(context.Background(), []Event{sampleEvent(TypeStarted), sampleEvent(TypeProgress)}))
	require.NoError(t, sink.Close(context.Background()))
}

type closingPublisher struct {
	*memory.Publisher
	closed bool
}

func (c *closingPublisher) Close() error {
	c.closed = true
	return nil
}

func TestPublisherSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := &closingPublisher{Publisher: memory.New()}
	sink := NewPublisherSink(pub, "render-results")
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []Event{
		{JobID: "job-1", Type: TypeStarted, TS: ts},
		{JobID: "job-1", Type: TypeCompleted, TS: ts, Result: &render.Result{ContentHash: "abc", BlobURI: "gs://b/abc.png", FileSize: 42}},
		{JobID: "job-2", Type: TypeFailed, TS: ts, Error: &jobs.ErrorInfo{Code: "render_failed", Message: "boom"}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "render-results", msgs[0].Topic)
	assert.Equal(t, "render-results", msgs[1].Topic)
	done, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	assert.Equal(t, Notification{
		JobID:       "job-1",
		Status:      "completed",
		ContentHash: "abc",
		BlobURI:     "gs://b/abc.png",
		FileSize:    42,
		Timestamp:   ts,
	}, done)
	failed, ok := msgs[1].Payload.(Notification)
	require.True(t, ok)
	assert.Equal(t, "render_failed", failed.ErrorCode)

	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, pub.closed)
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("unavailable")
	pub := memory.New()
	pub.FailWith(boom)
	sink := NewPublisherSink(pub, "render-results")
	err := sink.Consume(context.Background(), []Event{{JobID: "job-1", Type: TypeCancelled}})
	require.ErrorIs(t, err, boom)

	require.NoError(t, NewPublisherSink(nil, "").Consume(context.Background(), []Event{{JobID: "job-1", Type: TypeCancelled}}))
}
