package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/events"
	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

// run is the in-flight state of one job. The render callback may outlive
// the caller when it is cancelled, so every access goes through mu.
type run struct {
	o *Orchestrator

	mu  sync.Mutex
	job jobs.Job
}

func (r *run) id() string {
	return r.job.ID
}

func (r *run) options() render.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Request.Options
}

func (r *run) setHash(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.ContentHash = hash
}

func (r *run) addAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Attempts++
}

func (r *run) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.Warnings = append(r.job.Warnings, msg)
}

func (r *run) snapshot() jobs.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	job := r.job
	job.Warnings = append([]string(nil), r.job.Warnings...)
	return job
}

// checkpoint advances progress, persists it and publishes a progress event.
// Progress never moves backwards. Persisting is best effort; a conflict means
// the job was cancelled and the write is dropped.
func (r *run) checkpoint(ctx context.Context, percent int, stage jobs.Stage, msg string) {
	r.mu.Lock()
	if percent < r.job.Progress {
		percent = r.job.Progress
	}
	r.job.Progress = percent
	r.job.Stage = stage
	r.job.UpdatedAt = r.o.clock.Now()
	job := r.job
	job.Warnings = append([]string(nil), r.job.Warnings...)
	r.mu.Unlock()

	if err := r.o.store.Save(ctx, job, jobs.StatusRunning); err != nil && !errors.Is(err, jobs.ErrConflict) && ctx.Err() == nil {
		r.o.logger.Warn("persist progress", zap.String("job_id", job.ID), zap.Int("progress", percent), zap.Error(err))
	}
	r.o.events.Publish(job.ID, events.Event{
		Type:    events.TypeProgress,
		Status:  jobs.StatusRunning,
		Percent: percent,
		Stage:   stage,
		Message: msg,
	})
}

func observeJob(status jobs.Status) {
	metrics.ObserveJob(string(status))
}

func incActive() {
	metrics.IncActiveWorkers()
}

func decActive() {
	metrics.DecActiveWorkers()
}
