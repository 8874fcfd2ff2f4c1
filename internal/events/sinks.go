package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
)

// LogSink writes every event to a zap logger at debug level, and terminal
// events at info level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume implements Sink.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.Uint64("seq", evt.Seq),
			zap.String("type", string(evt.Type)),
			zap.Int("progress", evt.Percent),
		}
		if evt.Stage != "" {
			fields = append(fields, zap.String("stage", string(evt.Stage)))
		}
		if evt.Error != nil {
			fields = append(fields, zap.String("error_code", evt.Error.Code), zap.String("error", evt.Error.Message))
		}
		if evt.Terminal() {
			s.logger.Info("job event", fields...)
			continue
		}
		s.logger.Debug("job event", fields...)
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// MetricsSink counts events by type.
type MetricsSink struct{}

// NewMetricsSink creates a MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume implements Sink.
func (MetricsSink) Consume(_ context.Context, batch []Event) error {
	counts := make(map[Type]int)
	for _, evt := range batch {
		counts[evt.Type]++
	}
	for t, n := range counts {
		metrics.ObserveEvents(string(t), n)
	}
	return nil
}

// Close implements Sink.
func (MetricsSink) Close(context.Context) error {
	return nil
}

// Publisher pushes notifications to a topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the payload published for a finished job.
type Notification struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	FileSize    int       `json:"file_size,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PublisherSink publishes terminal events to a topic.
type PublisherSink struct {
	publisher Publisher
	topic     string
}

// NewPublisherSink creates a sink publishing to topic.
func NewPublisherSink(publisher Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume implements Sink. Non-terminal events are ignored.
func (s *PublisherSink) Consume(ctx context.Context, batch []Event) error {
	if s.publisher == nil || s.topic == "" {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Type.Terminal() {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, notificationFor(evt)); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Type, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (s *PublisherSink) Close(context.Context) error {
	if closer, ok := s.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close publisher: %w", err)
		}
	}
	return nil
}

func notificationFor(evt Event) Notification {
	n := Notification{
		JobID:     evt.JobID,
		Status:    string(evt.Type),
		Timestamp: evt.TS,
	}
	if evt.Result != nil {
		n.ContentHash = evt.Result.ContentHash
		n.BlobURI = evt.Result.BlobURI
		n.FileSize = evt.Result.FileSize
	}
	if evt.Error != nil {
		n.ErrorCode = evt.Error.Code
		n.Error = evt.Error.Message
	}
	return n
}
