package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]jobs.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]jobs.Job)}
}

// Create stores a new job.
func (s *JobStore) Create(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create %s: %w", job.ID, jobs.ErrExists)
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("get %s: %w", id, jobs.ErrNotFound)
	}
	return clone(job), nil
}

// Save replaces the stored record when its status is one of expect.
func (s *JobStore) Save(_ context.Context, job jobs.Job, expect ...jobs.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("save %s: %w", job.ID, jobs.ErrNotFound)
	}
	if len(expect) > 0 && !slices.Contains(expect, current.Status) {
		return fmt.Errorf("save %s from %s: %w", job.ID, current.Status, jobs.ErrConflict)
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

// DeleteFinishedBefore drops terminal jobs older than cutoff.
func (s *JobStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func clone(job jobs.Job) jobs.Job {
	out := job
	out.Result = job.Result.Clone()
	out.Warnings = slices.Clone(job.Warnings)
	if job.Error != nil {
		e := *job.Error
		out.Error = &e
	}
	return out
}
