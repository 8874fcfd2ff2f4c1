package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

// Type identifies the kind of event.
type Type string

// Event types.
const (
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
	TypeHeartbeat Type = "heartbeat"
	// TypeState is synthesised for subscribers that join after a job began.
	TypeState Type = "state"
)

// Terminal reports whether t ends a job's stream.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed || t == TypeCancelled
}

// Event is a single job milestone.
type Event struct {
	// Seq orders events within one job. Heartbeats carry the last sequence
	// delivered on the stream.
	Seq     uint64          `json:"seq"`
	JobID   string          `json:"job_id"`
	Type    Type            `json:"type"`
	TS      time.Time       `json:"ts"`
	Status  jobs.Status     `json:"status,omitempty"`
	Percent int             `json:"progress"`
	Stage   jobs.Stage      `json:"stage,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  *render.Result  `json:"result,omitempty"`
	Error   *jobs.ErrorInfo `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	if e.Type == TypeState {
		return e.Status.Terminal()
	}
	return e.Type.Terminal()
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	switch e.Type {
	case TypeStarted, TypeCompleted, TypeCancelled, TypeHeartbeat, TypeState:
	case TypeProgress:
		if e.Stage == "" {
			return errors.New("progress requires stage")
		}
	case TypeFailed:
		if e.Error == nil {
			return errors.New("failed requires error")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("progress %d out of range", e.Percent)
	}
	return nil
}

// StateFromJob builds the synthetic state event for a stored job.
func StateFromJob(job jobs.Job) Event {
	return Event{
		JobID:   job.ID,
		Type:    TypeState,
		TS:      job.UpdatedAt,
		Status:  job.Status,
		Percent: job.Progress,
		Stage:   job.Stage,
		Result:  job.Result,
		Error:   job.Error,
	}
}
