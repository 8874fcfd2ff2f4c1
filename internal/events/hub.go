package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
)

// HubConfig controls buffering and batching for the Hub.
type HubConfig struct {
	// BufferSize bounds each lane of queued events (default 4096).
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events
	// (default 256).
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch after this long (default 250ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call (default 10s).
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call (default Background).
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches job events and fans them out to sinks off the render path.
// Terminal events travel in their own lane, so a flood of progress events
// cannot crowd out a completion notice, and they flush the pending batch
// right away. Emit never blocks.
type Hub struct {
	cfg      HubConfig
	sinks    []Sink
	progress chan Event
	terminal chan Event
	stop     chan struct{}
	done     chan struct{}
	logger   *zap.Logger

	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeCtx    context.Context
}

// NewHub applies defaults and starts the batching goroutine.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		progress:    make(chan Event, cfg.BufferSize),
		terminal:    make(chan Event, cfg.BufferSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.Named("hub"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt for the sinks. A full lane drops the event and counts it.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	lane := h.progress
	if evt.Terminal() {
		lane = h.terminal
	}
	select {
	case lane <- evt:
	default:
		h.drop(evt)
	}
}

func (h *Hub) drop(evt Event) {
	metrics.ObserveEventsDropped(1)
	h.dropped.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		h.logger.Warn("events dropped due to sink backpressure",
			zap.Int64("dropped", h.dropped.Swap(0)),
			zap.String("job_id", evt.JobID),
			zap.Bool("terminal", evt.Terminal()),
		)
	}
}

// Close stops intake, flushes what is queued, closes the sinks and waits
// for the batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := &batch{hub: h, timer: time.NewTimer(h.cfg.MaxBatchWait)}
	b.timer.Stop()
	for {
		select {
		case evt := <-h.terminal:
			// Progress queued before the terminal event goes first.
			b.drain(h.progress)
			b.add(evt)
			b.flush()
		case evt := <-h.progress:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.flush()
		case <-h.stop:
			b.drain(h.progress)
			b.drain(h.terminal)
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// batch accumulates events between flushes. Only the run goroutine uses it.
type batch struct {
	hub    *Hub
	events []Event
	timer  *time.Timer
	armed  bool
}

func (b *batch) add(evt Event) {
	b.events = append(b.events, evt)
	if len(b.events) >= b.hub.cfg.MaxBatchEvents {
		b.flush()
		return
	}
	if !b.armed {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
		b.armed = true
	}
}

// drain takes the events already queued on lane without waiting for more.
func (b *batch) drain(lane chan Event) {
	for n := len(lane); n > 0; n-- {
		b.add(<-lane)
	}
}

func (b *batch) flush() {
	if b.armed {
		b.timer.Stop()
		b.armed = false
	}
	if len(b.events) == 0 {
		return
	}
	out := b.events
	b.events = make([]Event, 0, len(out))
	b.hub.deliver(out)
}

func (h *Hub) deliver(events []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("event sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}

// rateLimiter allows one event per interval across goroutines.
type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
