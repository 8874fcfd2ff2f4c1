// Package memory provides the in-process job queue used by single-replica
// deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
)

// ErrClosed is returned by Enqueue after Close and by Dequeue once the queue
// is closed and empty.
var ErrClosed = jobs.ErrQueueClosed

// Queue hands job IDs from the submit path to the workers. Items buffered
// before Close are still delivered.
type Queue struct {
	items     chan jobs.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue that holds up to capacity pending items.
func NewQueue(capacity int) *Queue {
	return &Queue{
		items: make(chan jobs.QueueItem, max(capacity, 0)),
		done:  make(chan struct{}),
	}
}

// Enqueue waits for room in the queue.
func (q *Queue) Enqueue(ctx context.Context, item jobs.QueueItem) error {
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue job %s: %w", item.JobID, ctx.Err())
	}
}

// Dequeue waits for the next item.
func (q *Queue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return jobs.QueueItem{}, ErrClosed
		}
	case <-ctx.Done():
		return jobs.QueueItem{}, fmt.Errorf("dequeue: %w", ctx.Err())
	}
}

// Len reports how many items are waiting.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close rejects further Enqueue calls and wakes blocked callers. It is safe
// to call more than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
