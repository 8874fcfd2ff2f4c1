// Package jobs defines the render job record and the storage and queue
// contracts shared by the orchestrator and its backends.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

// Status represents the lifecycle state of a render job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TerminalStatuses lists the final states.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// Stage names the pipeline step a job is in.
type Stage string

// Pipeline stages in execution order.
const (
	StageQueued    Stage = "queued"
	StageParsing   Stage = "parsing"
	StageCompiling Stage = "compiling"
	StageCache     Stage = "cache"
	StageRendering Stage = "rendering"
	StageStoring   Stage = "storing"
	StageDone      Stage = "done"
)

// Mode selects inline or queued execution.
type Mode string

// Submission modes.
const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// ErrorInfo is the client-facing description of a failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request is the input needed to run a job again from the queue.
type Request struct {
	DSL     string         `json:"dsl"`
	Options render.Options `json:"options"`
}

// Job is the persisted record of one render request.
type Job struct {
	ID          string         `json:"job_id"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Stage       Stage          `json:"stage"`
	ContentHash string         `json:"content_hash,omitempty"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Result      *render.Result `json:"result,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Request     Request        `json:"-"`
}

// Store errors.
var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
	// ErrConflict is returned when a conditional save finds the job in an
	// unexpected status.
	ErrConflict = errors.New("job status changed concurrently")
	// ErrQueueClosed is returned by queues that have shut down.
	ErrQueueClosed = errors.New("job queue closed")
	// ErrQueueFull is returned when a job cannot be queued within the
	// submit deadline.
	ErrQueueFull = errors.New("job queue full")
)

// Store persists job records. Save is a compare-and-set on status: when
// expect is non-empty the write only happens if the stored status is one of
// expect, otherwise ErrConflict is returned.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Save(ctx context.Context, job Job, expect ...Status) error
	// DeleteFinishedBefore removes terminal jobs last updated before cutoff
	// and returns how many were removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}

// Queue provides enqueue/dequeue semantics for async jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
