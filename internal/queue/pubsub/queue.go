// Package pubsub implements jobs.Queue on Google Cloud Pub/Sub so several
// service replicas can share async render work.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = jobs.ErrQueueClosed

// Queue publishes queue items to a topic and receives them from a
// subscription. A message is acked only after a worker has taken it.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	items chan jobs.QueueItem
	done  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	mu        sync.Mutex
	recvErr   error
}

// New wires a queue to an existing topic and subscription.
func New(topic *pubsub.Topic, sub *pubsub.Subscription, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub.ReceiveSettings.NumGoroutines = 1
	return &Queue{
		topic:  topic,
		sub:    sub,
		logger: logger.Named("pubsub_queue"),
		items:  make(chan jobs.QueueItem),
		done:   make(chan struct{}),
	}
}

type message struct {
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}

// Enqueue publishes item and waits for the server acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, item jobs.QueueItem) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(message{JobID: item.JobID, Attempt: item.Attempt, Submitted: item.Submitted})
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if _, err := q.topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue blocks until a message arrives, ctx ends, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	q.start()
	select {
	case <-ctx.Done():
		return jobs.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.items:
		return item, nil
	case <-q.done:
		q.mu.Lock()
		err := q.recvErr
		q.mu.Unlock()
		if err != nil {
			return jobs.QueueItem{}, fmt.Errorf("receive: %w", err)
		}
		return jobs.QueueItem{}, ErrClosed
	}
}

func (q *Queue) start() {
	q.startOnce.Do(func() {
		select {
		case <-q.done:
			return
		default:
		}
		ctx, cancel := context.WithCancel(context.Background())
		q.mu.Lock()
		q.cancel = cancel
		q.mu.Unlock()
		go q.receive(ctx)
	})
}

func (q *Queue) receive(ctx context.Context) {
	defer q.closeOnce.Do(func() { close(q.done) })
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var m message
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.JobID == "" {
			q.logger.Warn("dropping malformed queue message", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.items <- jobs.QueueItem{JobID: m.JobID, Attempt: m.Attempt, Submitted: m.Submitted}:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		q.mu.Lock()
		q.recvErr = err
		q.mu.Unlock()
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Close stops receiving and flushes pending publishes.
func (q *Queue) Close() error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		<-q.done
	} else {
		q.closeOnce.Do(func() { close(q.done) })
	}
	q.topic.Stop()
	return nil
}
