// Package queue holds job queue implementations: an in-process channel queue
// and a Pub/Sub backed queue for multi-replica deployments.
package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
)

// MockQueue is a mock implementation of jobs.Queue for testing.
type MockQueue struct {
	mock.Mock
}

// Enqueue is the mock implementation of the Enqueue method.
func (m *MockQueue) Enqueue(ctx context.Context, item jobs.QueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Dequeue is the mock implementation of the Dequeue method.
func (m *MockQueue) Dequeue(ctx context.Context) (jobs.QueueItem, error) {
	args := m.Called(ctx)
	item, _ := args.Get(0).(jobs.QueueItem)
	return item, args.Error(1)
}
