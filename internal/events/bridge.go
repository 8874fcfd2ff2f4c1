package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
)

// Bridge defaults.
const (
	DefaultQueueSize         = 64
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxSubscribers    = 50
	DefaultRetention         = 10 * time.Minute
)

var (
	// ErrTooManySubscribers is returned when the subscription limit is reached.
	ErrTooManySubscribers = errors.New("too many event subscribers")
	// ErrClosed is returned once the bridge has shut down.
	ErrClosed = errors.New("event bridge closed")
	// ErrStreamEnded is returned by Next after the terminal event was delivered.
	ErrStreamEnded = errors.New("event stream ended")
)

// BridgeConfig tunes subscriber buffering.
type BridgeConfig struct {
	// QueueSize bounds each subscriber's pending events.
	QueueSize         int
	HeartbeatInterval time.Duration
	MaxSubscribers    int
	// Retention keeps finished job state around for late subscribers.
	Retention time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

type jobState struct {
	seq      uint64
	state    Event
	subs     map[string]*Subscription
	finished time.Time
}

// Bridge sequences job events and fans them out to subscribers.
type Bridge struct {
	cfg         BridgeConfig
	emitter     Emitter
	logger      *zap.Logger
	dropLimiter rateLimiter

	mu     sync.Mutex
	jobs   map[string]*jobState
	count  int
	closed bool
}

// NewBridge creates a bridge. emitter may be nil.
func NewBridge(cfg BridgeConfig, emitter Emitter) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = DefaultMaxSubscribers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:         cfg,
		emitter:     emitter,
		logger:      logger.Named("events"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
		jobs:        make(map[string]*jobState),
	}
}

// Publish stamps evt with the job's next sequence number and delivers it to
// every subscriber of the job without blocking. Delivery happens under the
// bridge lock so subscribers see a job's events in sequence order. Progress
// never goes backwards: a lower percent is raised to the highest seen so far.
// Events after a terminal event are ignored.
func (b *Bridge) Publish(jobID string, evt Event) {
	evt.JobID = jobID
	now := b.cfg.Now()
	if evt.TS.IsZero() {
		evt.TS = now
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pruneLocked(now)
	st := b.stateLocked(jobID)
	if !st.finished.IsZero() {
		b.mu.Unlock()
		b.logger.Debug("event after terminal ignored", zap.String("job_id", jobID), zap.String("type", string(evt.Type)))
		return
	}
	if evt.Percent < st.state.Percent {
		evt.Percent = st.state.Percent
	}
	st.seq++
	evt.Seq = st.seq
	st.state = merge(st.state, evt)
	if evt.Terminal() {
		st.finished = now
	}
	dropped := 0
	for _, sub := range st.subs {
		dropped += sub.push(evt)
	}
	b.mu.Unlock()

	if dropped > 0 {
		metrics.ObserveEventsDropped(dropped)
		if b.dropLimiter.Allow(now) {
			b.logger.Warn("dropped events for slow subscribers", zap.String("job_id", jobID), zap.Int("dropped", dropped))
		}
	}
	if b.emitter != nil {
		b.emitter.Emit(evt)
	}
}

// merge folds evt into the running state snapshot.
func merge(state, evt Event) Event {
	state.JobID = evt.JobID
	state.Type = TypeState
	state.Seq = evt.Seq
	state.TS = evt.TS
	state.Percent = evt.Percent
	if evt.Stage != "" {
		state.Stage = evt.Stage
	}
	if evt.Message != "" {
		state.Message = evt.Message
	}
	switch evt.Type {
	case TypeStarted:
		state.Status = jobs.StatusRunning
	case TypeCompleted:
		state.Status = jobs.StatusCompleted
		state.Result = evt.Result
	case TypeFailed:
		state.Status = jobs.StatusFailed
		state.Error = evt.Error
	case TypeCancelled:
		state.Status = jobs.StatusCancelled
	default:
		if evt.Status != "" {
			state.Status = evt.Status
		}
	}
	return state
}

func (b *Bridge) stateLocked(jobID string) *jobState {
	st, ok := b.jobs[jobID]
	if !ok {
		st = &jobState{subs: make(map[string]*Subscription)}
		b.jobs[jobID] = st
	}
	return st
}

// pruneLocked forgets finished jobs past retention with no subscribers.
func (b *Bridge) pruneLocked(now time.Time) {
	for id, st := range b.jobs {
		if !st.finished.IsZero() && len(st.subs) == 0 && now.Sub(st.finished) > b.cfg.Retention {
			delete(b.jobs, id)
		}
	}
}

// Seed records state as the job's current snapshot when the bridge has not
// seen the job yet. It lets subscribers of jobs started elsewhere receive a
// meaningful initial state.
func (b *Bridge) Seed(state Event) {
	if state.JobID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.jobs[state.JobID]; ok {
		return
	}
	st := b.stateLocked(state.JobID)
	state.Type = TypeState
	st.state = state
	if state.Terminal() {
		st.finished = b.cfg.Now()
	}
}

// Snapshot returns the current state of a job.
func (b *Bridge) Snapshot(jobID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.jobs[jobID]
	if !ok {
		return Event{}, false
	}
	return st.state, true
}

// Subscribe opens a stream for jobID. When the job already has state, the
// first event is a synthetic state event. The subscription is released when
// ctx ends, Close is called, or the terminal event has been read.
func (b *Bridge) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	id, err := gonanoid.New(12)
	if err != nil {
		return nil, fmt.Errorf("generate subscription id: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.count >= b.cfg.MaxSubscribers {
		b.mu.Unlock()
		return nil, ErrTooManySubscribers
	}
	st := b.stateLocked(jobID)
	sub := newSubscription(id, jobID, b)
	if st.state.JobID != "" {
		sub.push(st.state)
	}
	st.subs[id] = sub
	b.count++
	count := b.count
	b.mu.Unlock()

	metrics.SetEventSubscribers(count)
	b.logger.Debug("subscriber attached", zap.String("job_id", jobID), zap.String("subscription_id", id))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (b *Bridge) detach(sub *Subscription) {
	b.mu.Lock()
	st, ok := b.jobs[sub.JobID]
	if ok {
		if _, present := st.subs[sub.ID]; present {
			delete(st.subs, sub.ID)
			b.count--
		}
		if len(st.subs) == 0 && st.state.JobID == "" {
			delete(b.jobs, sub.JobID)
		}
	}
	count := b.count
	b.mu.Unlock()
	metrics.SetEventSubscribers(count)
}

// Subscribers returns the number of open subscriptions.
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Close ends every subscription and shuts down the emitter hub if it is one.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, st := range b.jobs {
		for _, sub := range st.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if hub, ok := b.emitter.(*Hub); ok {
		return hub.Close(ctx)
	}
	return nil
}
