// Package orchestrator runs render jobs through validation, compilation,
// cache lookup, browser rendering and storage, either inline for the caller
// or from the job queue, and reports progress as events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
	"github.com/JakeFAU/dsl-png-renderer/internal/cache"
	"github.com/JakeFAU/dsl-png-renderer/internal/compiler"
	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
	"github.com/JakeFAU/dsl-png-renderer/internal/events"
	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
	"github.com/JakeFAU/dsl-png-renderer/internal/telemetry"
)

// Progress checkpoints.
const (
	ProgressValidated = 10
	ProgressCompiled  = 30
	ProgressCached    = 40
	ProgressAcquired  = 60
	ProgressRendered  = 90
	ProgressDone      = 100
)

// Pool lends browser instances.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*browser.Lease, error)
	Size() int
}

// Renderer captures compiled HTML with a leased instance.
type Renderer interface {
	Render(ctx context.Context, html string, opts render.Options, inst browser.Instance) (*render.Result, error)
}

// Cache is the content-addressed result store with its render lock.
type Cache interface {
	Lookup(ctx context.Context, hash string) (*render.Result, bool, error)
	Put(ctx context.Context, hash string, result *render.Result, ttl time.Duration) error
	Do(ctx context.Context, hash string, fn cache.RenderFunc) (*render.Result, bool, error)
}

// Events receives job milestones.
type Events interface {
	Publish(jobID string, evt events.Event)
	Seed(state events.Event)
}

// Config tunes execution.
type Config struct {
	// Workers is the number of queue consumers (default: pool size).
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// AcquireTimeout bounds the wait for a browser (pool default when zero).
	AcquireTimeout time.Duration
	// CacheTTL is passed to Cache.Put (cache default when zero).
	CacheTTL time.Duration
	// JobTTL is how long finished jobs stay queryable (default 1h).
	JobTTL        time.Duration
	SweepInterval time.Duration
	// StrictValidation turns validation warnings into errors.
	StrictValidation  bool
	DequeueRetryDelay time.Duration
	// EnqueueTimeout bounds how long an async submit waits for queue room
	// (default 1s).
	EnqueueTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		RetryBaseDelay:    DefaultBaseDelay,
		RetryMaxDelay:     DefaultMaxDelay,
		JobTTL:            time.Hour,
		SweepInterval:     time.Minute,
		DequeueRetryDelay: 500 * time.Millisecond,
		EnqueueTimeout:    defaultEnqueueTimeout,
	}
}

const defaultEnqueueTimeout = time.Second

// Deps are the collaborators an Orchestrator drives. Validator, Clock, IDs,
// Events and Logger are optional.
type Deps struct {
	Store     jobs.Store
	Queue     jobs.Queue
	Pool      Pool
	Renderer  Renderer
	Cache     Cache
	Events    Events
	Validator *dsl.Validator
	IDs       jobs.IDGenerator
	Clock     jobs.Clock
	Logger    *zap.Logger
}

// Submission is the immediate answer to Submit.
type Submission struct {
	JobID    string         `json:"job_id"`
	Status   jobs.Status    `json:"status"`
	Result   *render.Result `json:"result,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Orchestrator owns the job lifecycle.
type Orchestrator struct {
	cfg       Config
	store     jobs.Store
	queue     jobs.Queue
	pool      Pool
	renderer  Renderer
	cache     Cache
	events    Events
	validator *dsl.Validator
	ids       jobs.IDGenerator
	clock     jobs.Clock
	retry     *RetryPolicy
	logger    *zap.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: job store is required")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator: queue is required")
	case deps.Pool == nil:
		return nil, errors.New("orchestrator: browser pool is required")
	case deps.Renderer == nil:
		return nil, errors.New("orchestrator: renderer is required")
	case deps.Cache == nil:
		return nil, errors.New("orchestrator: cache is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	}
	if deps.Validator == nil {
		deps.Validator = dsl.NewValidator(dsl.Config{})
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.DequeueRetryDelay <= 0 {
		cfg.DequeueRetryDelay = 500 * time.Millisecond
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		queue:     deps.Queue,
		pool:      deps.Pool,
		renderer:  deps.Renderer,
		cache:     deps.Cache,
		events:    deps.Events,
		validator: deps.Validator,
		ids:       deps.IDs,
		clock:     deps.Clock,
		retry:     NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		logger:    deps.Logger.Named("orchestrator"),
		tracer:    telemetry.Tracer("github.com/JakeFAU/dsl-png-renderer/internal/orchestrator"),
		running:   make(map[string]context.CancelCauseFunc),
	}, nil
}

// Submit validates raw and creates a job for it. Invalid input returns the
// parse or validation error and creates nothing. ModeSync runs the job
// before returning and reports its outcome; ModeAsync queues it and returns
// the pending job id. opts should start from render.DefaultOptions.
func (o *Orchestrator) Submit(ctx context.Context, raw []byte, opts render.Options, mode jobs.Mode) (Submission, error) {
	if mode != jobs.ModeSync && mode != jobs.ModeAsync {
		return Submission{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	res := o.validator.Validate(raw, o.cfg.StrictValidation)
	if !res.Valid {
		return Submission{}, res.Err()
	}
	opts = opts.Normalize(res.Document)
	if err := opts.Validate(); err != nil {
		return Submission{}, err
	}

	id, err := o.ids.NewID()
	if err != nil {
		return Submission{}, fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	job := jobs.Job{
		ID:        id,
		Status:    jobs.StatusPending,
		Stage:     jobs.StageQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Warnings:  append([]string(nil), res.Warnings...),
		Request:   jobs.Request{DSL: string(raw), Options: opts},
	}
	if err := o.store.Create(ctx, job); err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	o.events.Seed(events.StateFromJob(job))
	logger := o.logger.With(zap.String("job_id", id), zap.String("mode", string(mode)))

	if mode == jobs.ModeAsync {
		item := jobs.QueueItem{JobID: id, Submitted: now.UnixNano()}
		if err := o.enqueue(ctx, item); err != nil {
			err = fmt.Errorf("enqueue job: %w", err)
			o.abandon(job, err)
			return Submission{}, err
		}
		logger.Debug("job queued")
		return Submission{JobID: id, Status: jobs.StatusPending, Warnings: job.Warnings}, nil
	}

	final, result, err := o.execute(ctx, job, res.Document)
	sub := Submission{JobID: id, Status: final.Status, Result: result, Warnings: final.Warnings}
	if err != nil {
		return sub, err
	}
	return sub, nil
}

// enqueue waits at most EnqueueTimeout for queue room so an async submit
// answers promptly. Running out of time reports ErrQueueFull; the caller's
// own cancellation is returned as is.
func (o *Orchestrator) enqueue(ctx context.Context, item jobs.QueueItem) error {
	qctx, cancel := context.WithTimeout(ctx, o.cfg.EnqueueTimeout)
	defer cancel()
	err := o.queue.Enqueue(qctx, item)
	if err != nil && ctx.Err() == nil && qctx.Err() != nil {
		return fmt.Errorf("%w after %s", jobs.ErrQueueFull, o.cfg.EnqueueTimeout)
	}
	return err
}

// abandon fails a job that never reached a worker.
func (o *Orchestrator) abandon(job jobs.Job, cause error) {
	ctx := context.Background()
	job.Status = jobs.StatusFailed
	job.Error = errorInfo(cause)
	job.UpdatedAt = o.clock.Now()
	if err := o.store.Save(ctx, job, jobs.StatusPending); err != nil {
		o.logger.Error("fail abandoned job", zap.String("job_id", job.ID), zap.Error(err))
	}
	o.events.Publish(job.ID, events.Event{Type: events.TypeFailed, Status: jobs.StatusFailed, Error: job.Error})
	observeJob(jobs.StatusFailed)
}

// GetStatus returns the stored job. It never changes state.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (jobs.Job, error) {
	job, err := o.store.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		return jobs.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Cancel stops a pending or running job. A running job's render is aborted
// through its context and the browser instance is released as a failure.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	for range 3 {
		job, err := o.store.Get(ctx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, job.Status)
		}
		prev := job.Status
		job.Status = jobs.StatusCancelled
		job.Error = &jobs.ErrorInfo{Code: CodeCancelled, Message: "job cancelled by request"}
		job.UpdatedAt = o.clock.Now()
		if err := o.store.Save(ctx, job, prev); err != nil {
			if errors.Is(err, jobs.ErrConflict) {
				continue
			}
			return fmt.Errorf("save job: %w", err)
		}
		o.abort(id)
		o.events.Publish(id, events.Event{Type: events.TypeCancelled, Status: jobs.StatusCancelled, Error: job.Error})
		observeJob(jobs.StatusCancelled)
		o.logger.Info("job cancelled", zap.String("job_id", id), zap.String("previous_status", string(prev)))
		return nil
	}
	return fmt.Errorf("cancel job %s: %w", id, jobs.ErrConflict)
}

func (o *Orchestrator) track(id string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[id] = cancel
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

func (o *Orchestrator) abort(id string) {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
}

// ExpireJobs deletes finished jobs older than the job TTL.
func (o *Orchestrator) ExpireJobs(ctx context.Context) (int, error) {
	cutoff := o.clock.Now().Add(-o.cfg.JobTTL)
	n, err := o.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	if n > 0 {
		o.logger.Debug("expired finished jobs", zap.Int("count", n))
	}
	return n, nil
}

// execute runs job through the pipeline and records its terminal state.
func (o *Orchestrator) execute(ctx context.Context, job jobs.Job, doc *dsl.Document) (jobs.Job, *render.Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(attribute.String("job_id", job.ID)))
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.track(job.ID, cancel)
	defer o.untrack(job.ID)

	job.Status = jobs.StatusRunning
	job.UpdatedAt = o.clock.Now()
	if err := o.store.Save(ctx, job, jobs.StatusPending); err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			stored, gerr := o.store.Get(context.WithoutCancel(ctx), job.ID)
			if gerr == nil {
				return stored, nil, fmt.Errorf("%w: job %s is %s", ErrCancelled, job.ID, stored.Status)
			}
		}
		return job, nil, fmt.Errorf("start job: %w", err)
	}
	observeJob(jobs.StatusRunning)
	incActive()
	defer decActive()

	r := &run{o: o, job: job}
	o.events.Publish(job.ID, events.Event{Type: events.TypeStarted, Status: jobs.StatusRunning, Stage: jobs.StageParsing})
	r.checkpoint(runCtx, ProgressValidated, jobs.StageParsing, "document validated")

	result, err := o.pipeline(runCtx, r, doc)
	if err == nil {
		span.SetAttributes(attribute.Bool("from_cache", result.FromCache))
	} else {
		if cause := context.Cause(runCtx); cause != nil && (errors.Is(cause, ErrCancelled) || errors.Is(err, context.Canceled)) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
	}
	return o.finish(ctx, r, result, err)
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run, doc *dsl.Document) (*render.Result, error) {
	opts := r.options()
	html, err := compile(doc, opts)
	if err != nil {
		return nil, err
	}
	r.checkpoint(ctx, ProgressCompiled, jobs.StageCompiling, "html compiled")

	hash, err := render.ContentHash(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("content hash: %w", err)
	}
	r.setHash(hash)

	cached, ok, err := o.cache.Lookup(ctx, hash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Warn("cache lookup failed", zap.String("job_id", r.id()), zap.String("content_hash", hash), zap.Error(err))
	}
	r.checkpoint(ctx, ProgressCached, jobs.StageCache, "cache checked")
	if ok {
		return cached, nil
	}

	result, shared, err := o.cache.Do(ctx, hash, func(ctx context.Context) (*render.Result, error) {
		return o.renderWithRetry(ctx, r, html, opts, hash)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		o.logger.Debug("attached to in-flight render", zap.String("job_id", r.id()), zap.String("content_hash", hash))
	}
	return result, nil
}

func (o *Orchestrator) renderWithRetry(ctx context.Context, r *run, html string, opts render.Options, hash string) (*render.Result, error) {
	for attempt := 0; ; attempt++ {
		r.addAttempt()
		result, err := o.attempt(ctx, r, html, opts)
		if err == nil {
			result.ContentHash = hash
			if perr := o.cache.Put(ctx, hash, result, o.cfg.CacheTTL); perr != nil {
				r.warn(fmt.Sprintf("result not persisted: %v", perr))
				o.logger.Warn("store render result", zap.String("job_id", r.id()), zap.String("content_hash", hash), zap.Error(perr))
			}
			return result, nil
		}
		if !o.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		delay := o.retry.Backoff(attempt)
		o.logger.Warn("render attempt failed, retrying",
			zap.String("job_id", r.id()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if serr := sleep(ctx, delay); serr != nil {
			return nil, fmt.Errorf("retry wait: %w", serr)
		}
	}
}

func (o *Orchestrator) attempt(ctx context.Context, r *run, html string, opts render.Options) (*render.Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.attempt")
	defer span.End()

	lease, err := o.pool.Acquire(ctx, o.cfg.AcquireTimeout)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("acquire browser: %w", err)
	}
	inst := lease.Instance()
	span.SetAttributes(attribute.String("instance_id", inst.ID()))
	r.checkpoint(ctx, ProgressAcquired, jobs.StageRendering, "browser acquired")

	result, err := o.renderer.Render(ctx, html, opts, inst)
	if err != nil {
		lease.Release(browser.Failure)
		span.RecordError(err)
		return nil, err
	}
	lease.Release(browser.Success)
	r.checkpoint(ctx, ProgressRendered, jobs.StageStoring, "image captured")
	return result, nil
}

// finish records the terminal state. A job cancelled while it ran keeps
// the state Cancel wrote.
func (o *Orchestrator) finish(ctx context.Context, r *run, result *render.Result, runErr error) (jobs.Job, *render.Result, error) {
	ctx = context.WithoutCancel(ctx)
	job := r.snapshot()
	job.UpdatedAt = o.clock.Now()
	switch {
	case runErr == nil:
		job.Status = jobs.StatusCompleted
		job.Progress = ProgressDone
		job.Stage = jobs.StageDone
		job.Result = result
	case errors.Is(runErr, ErrCancelled):
		job.Status = jobs.StatusCancelled
		job.Error = &jobs.ErrorInfo{Code: CodeCancelled, Message: runErr.Error()}
	default:
		job.Status = jobs.StatusFailed
		job.Error = errorInfo(runErr)
	}

	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("content_hash", job.ContentHash))
	if err := o.store.Save(ctx, job, jobs.StatusRunning); err != nil {
		stored, gerr := o.store.Get(ctx, job.ID)
		if errors.Is(err, jobs.ErrConflict) && gerr == nil && stored.Status == jobs.StatusCancelled {
			logger.Info("job cancelled while running")
			return stored, nil, fmt.Errorf("%w: %s", ErrCancelled, job.ID)
		}
		logger.Error("save finished job", zap.Error(err))
	}

	switch job.Status {
	case jobs.StatusCompleted:
		o.events.Publish(job.ID, events.Event{Type: events.TypeCompleted, Status: job.Status, Percent: ProgressDone, Stage: jobs.StageDone, Result: result})
		logger.Info("job completed", zap.Bool("from_cache", result.FromCache), zap.Int("attempts", job.Attempts))
	case jobs.StatusCancelled:
		o.events.Publish(job.ID, events.Event{Type: events.TypeCancelled, Status: job.Status, Error: job.Error})
		logger.Info("job cancelled")
	default:
		o.events.Publish(job.ID, events.Event{Type: events.TypeFailed, Status: job.Status, Error: job.Error})
		logger.Warn("job failed", zap.String("code", job.Error.Code), zap.Int("attempts", job.Attempts), zap.Error(runErr))
	}
	observeJob(job.Status)
	return job, result, runErr
}

// compile builds the page with the presentation options that feed the
// content hash, so identical hashes always mean identical pages.
func compile(doc *dsl.Document, opts render.Options) (string, error) {
	html, err := compiler.CompileWithOptions(doc, compiler.Options{
		Transparent: opts.TransparentBackground,
		Background:  opts.BackgroundColor,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompile, err)
	}
	return html, nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

type discardEvents struct{}

func (discardEvents) Publish(string, events.Event) {}
func (discardEvents) Seed(events.Event)            {}
