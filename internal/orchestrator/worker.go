package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
)

// Run starts the queue workers and the finished-job sweep, and blocks until
// ctx ends or the queue closes. The worker count defaults to the pool size
// so rendering concurrency is gated by the browsers.
func (o *Orchestrator) Run(ctx context.Context) {
	n := o.cfg.Workers
	if n <= 0 {
		n = o.pool.Size()
	}
	if n <= 0 {
		n = 1
	}
	o.logger.Info("starting workers", zap.Int("workers", n))

	sweepCtx, stopSweep := context.WithCancel(ctx)
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		o.sweep(sweepCtx)
	}()

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	stopSweep()
	sweepWG.Wait()
	o.logger.Info("workers stopped")
}

func (o *Orchestrator) work(ctx context.Context, worker int) {
	logger := o.logger.With(zap.Int("worker", worker))
	for {
		item, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jobs.ErrQueueClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			if sleep(ctx, o.cfg.DequeueRetryDelay) != nil {
				return
			}
			continue
		}
		logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		o.process(ctx, item)
	}
}

func (o *Orchestrator) process(ctx context.Context, item jobs.QueueItem) {
	job, err := o.store.Get(ctx, item.JobID)
	if err != nil {
		o.logger.Error("load queued job", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	if job.Status != jobs.StatusPending {
		o.logger.Debug("skipping queued job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return
	}
	doc, err := dsl.Parse([]byte(job.Request.DSL))
	if err != nil {
		o.abandon(job, fmt.Errorf("decode queued document: %w", err))
		return
	}
	if _, _, err := o.execute(ctx, job, doc); err != nil && !errors.Is(err, ErrCancelled) {
		o.logger.Debug("queued job did not complete", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// sweep expires finished jobs on an interval.
func (o *Orchestrator) sweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ExpireJobs(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("job expiry sweep failed", zap.Error(err))
			}
		}
	}
}
