package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
)

// Config sizes the pool and tunes the breaker and health sweep.
type Config struct {
	Size           int
	MaxFailures    int
	MaxIdleAge     time.Duration
	MaxUses        int
	SweepInterval  time.Duration
	AcquireTimeout time.Duration
	// LaunchRetryDelay is the first delay between replacement attempts. It
	// doubles up to maxLaunchRetryDelay.
	LaunchRetryDelay time.Duration

	BreakerWindow       time.Duration
	BreakerCooldown     time.Duration
	BreakerFailureRatio float64
	BreakerMinRequests  uint32
}

const maxLaunchRetryDelay = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.MaxIdleAge <= 0 {
		c.MaxIdleAge = 5 * time.Minute
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 100
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.LaunchRetryDelay <= 0 {
		c.LaunchRetryDelay = time.Second
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = time.Minute
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = 0.6
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = 5
	}
	return c
}

type slotState int

const (
	stateIdle slotState = iota
	stateBusy
	stateUnhealthy
)

type slot struct {
	inst       Instance
	state      slotState
	failures   int
	uses       int
	createdAt  time.Time
	lastUsedAt time.Time
}

// Lease grants exclusive use of one instance until released.
type Lease struct {
	pool       *Pool
	slot       *slot
	done       func(success bool)
	once       sync.Once
	acquiredAt time.Time
}

// Instance returns the leased browser.
func (l *Lease) Instance() Instance {
	return l.slot.inst
}

// Release returns the instance to the pool. Extra calls are ignored.
func (l *Lease) Release(outcome Outcome) {
	l.pool.Release(l, outcome)
}

// Health is a point-in-time view of the pool.
type Health struct {
	Available    int    `json:"available"`
	Busy         int    `json:"busy"`
	Total        int    `json:"total"`
	Unhealthy    int    `json:"unhealthy"`
	BreakerState string `json:"breaker_state"`
}

// Pool lends browser instances to render attempts. At most Size instances
// exist and each is leased to one owner at a time.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	breaker  *gobreaker.TwoStepCircuitBreaker
	now      func() time.Time

	idle chan *slot

	mu        sync.Mutex
	slots     map[string]*slot
	replacing int
	closed    bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewPool builds an empty pool. Call Start to launch instances.
func NewPool(cfg Config, launcher Launcher, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("browser pool: launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		launcher:   launcher,
		logger:     logger.Named("browser_pool"),
		now:        time.Now,
		idle:       make(chan *slot, cfg.Size),
		slots:      make(map[string]*slot, cfg.Size),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	p.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "browser-pool",
		MaxRequests: 1,
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(to.String())
		},
	})
	metrics.SetBreakerState(gobreaker.StateClosed.String())
	return p, nil
}

// Size returns the configured number of instances.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Start launches the instances and the background health sweep. Instances
// that fail to launch are retried in the background; Start fails only when
// none could be launched.
func (p *Pool) Start(ctx context.Context) error {
	type launched struct {
		inst Instance
		err  error
	}
	results := make(chan launched, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		go func() {
			inst, err := p.launcher.Launch(ctx)
			results <- launched{inst: inst, err: err}
		}()
	}
	var (
		firstErr error
		ok       int
	)
	for i := 0; i < p.cfg.Size; i++ {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			p.logger.Warn("browser launch failed", zap.Error(res.err))
			p.scheduleReplacement()
			continue
		}
		if p.add(res.inst) {
			ok++
		}
	}
	p.mu.Lock()
	if !p.closed {
		p.wg.Add(1)
		go p.sweepLoop()
	}
	p.mu.Unlock()
	p.publishGauges()
	if ok == 0 && firstErr != nil {
		return fmt.Errorf("launch browsers: %w", firstErr)
	}
	p.logger.Info("browser pool started", zap.Int("instances", ok), zap.Int("size", p.cfg.Size))
	return nil
}

// add registers a fresh instance as idle. It returns false when the pool is
// closed, in which case the instance is closed.
func (p *Pool) add(inst Instance) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		closeInstance(p.logger, inst)
		return false
	}
	now := p.now()
	s := &slot{inst: inst, state: stateIdle, createdAt: now, lastUsedAt: now}
	p.slots[inst.ID()] = s
	p.idle <- s
	p.mu.Unlock()
	return true
}

// Acquire leases an idle instance, waiting up to timeout (the configured
// default when timeout <= 0). It never grows the pool.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if p.breaker.State() == gobreaker.StateOpen {
		metrics.ObserveAcquireWait("circuit_open", 0)
		return nil, ErrCircuitOpen
	}

	start := p.now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var s *slot
	select {
	case s = <-p.idle:
	case <-timer.C:
		metrics.ObserveAcquireWait("exhausted", p.now().Sub(start))
		p.record(false)
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		metrics.ObserveAcquireWait("canceled", p.now().Sub(start))
		return nil, fmt.Errorf("acquire browser: %w", ctx.Err())
	case <-p.baseCtx.Done():
		return nil, ErrPoolClosed
	}

	done, err := p.breaker.Allow()
	if err != nil {
		p.mu.Lock()
		p.idleLocked(s)
		p.mu.Unlock()
		metrics.ObserveAcquireWait("circuit_open", p.now().Sub(start))
		return nil, ErrCircuitOpen
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done(true)
		closeInstance(p.logger, s.inst)
		return nil, ErrPoolClosed
	}
	s.state = stateBusy
	p.mu.Unlock()

	metrics.ObserveAcquireWait("acquired", p.now().Sub(start))
	p.publishGauges()
	return &Lease{pool: p, slot: s, done: done, acquiredAt: start}, nil
}

// Release returns a leased instance. A failure counts against the instance;
// at MaxFailures it is retired, closed and replaced asynchronously.
// Acquire timeouts and failed relaunches count against the breaker too.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil {
		return
	}
	lease.once.Do(func() {
		lease.done(outcome == Success)
		p.release(lease.slot, outcome)
	})
}

func (p *Pool) release(s *slot, outcome Outcome) {
	p.mu.Lock()
	s.uses++
	s.lastUsedAt = p.now()
	if p.closed {
		p.mu.Unlock()
		closeInstance(p.logger, s.inst)
		return
	}
	if outcome == Success {
		s.failures = 0
		p.idleLocked(s)
		p.mu.Unlock()
		p.publishGauges()
		return
	}
	s.failures++
	if s.failures < p.cfg.MaxFailures {
		p.idleLocked(s)
		p.mu.Unlock()
		p.publishGauges()
		return
	}
	p.retireLocked(s, "failures")
	p.mu.Unlock()
	p.publishGauges()
}

// idleLocked puts s back into rotation, or closes it once the pool is
// closed. p.mu must be held; the send never blocks because the channel holds
// every instance the pool can own.
func (p *Pool) idleLocked(s *slot) {
	if p.closed {
		closeInstance(p.logger, s.inst)
		return
	}
	s.state = stateIdle
	p.idle <- s
}

// retireLocked removes s from rotation and schedules its replacement.
// p.mu must be held.
func (p *Pool) retireLocked(s *slot, reason string) {
	s.state = stateUnhealthy
	delete(p.slots, s.inst.ID())
	p.logger.Warn("retiring browser instance",
		zap.String("instance_id", s.inst.ID()),
		zap.String("reason", reason),
		zap.Int("uses", s.uses),
		zap.Int("consecutive_failures", s.failures),
	)
	metrics.ObserveRecycle(reason)
	p.replacing++
	p.wg.Add(1)
	go func(inst Instance) {
		defer p.wg.Done()
		closeInstance(p.logger, inst)
		p.replace()
	}(s.inst)
}

// scheduleReplacement launches a new instance in the background.
func (p *Pool) scheduleReplacement() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.replacing++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.replace()
	}()
}

// replace launches until it succeeds or the pool closes.
func (p *Pool) replace() {
	delay := p.cfg.LaunchRetryDelay
	for {
		inst, err := p.launcher.Launch(p.baseCtx)
		if err == nil {
			p.record(true)
			p.mu.Lock()
			p.replacing--
			p.mu.Unlock()
			if p.add(inst) {
				p.logger.Info("browser instance replaced", zap.String("instance_id", inst.ID()))
			}
			p.publishGauges()
			return
		}
		if p.baseCtx.Err() != nil {
			return
		}
		p.record(false)
		p.logger.Warn("browser relaunch failed", zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-time.After(delay):
		case <-p.baseCtx.Done():
			return
		}
		delay *= 2
		if delay > maxLaunchRetryDelay {
			delay = maxLaunchRetryDelay
		}
	}
}

// record reports an outcome that did not come from a lease, such as an
// acquire timeout or a relaunch, so the breaker sees an engine that cannot
// start. It is a no-op while the breaker rejects requests.
func (p *Pool) record(success bool) {
	if done, err := p.breaker.Allow(); err == nil {
		done(success)
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Info("health sweep recycled instances", zap.Int("count", n))
			}
		}
	}
}

// Sweep recycles idle instances past MaxIdleAge or MaxUses. Busy instances
// are left alone. It returns the number of instances retired.
func (p *Pool) Sweep() int {
	var drained []*slot
drain:
	for {
		select {
		case s := <-p.idle:
			drained = append(drained, s)
		default:
			break drain
		}
	}
	retired := 0
	p.mu.Lock()
	now := p.now()
	for _, s := range drained {
		switch {
		case p.closed:
			closeInstance(p.logger, s.inst)
		case now.Sub(s.lastUsedAt) > p.cfg.MaxIdleAge:
			p.retireLocked(s, "idle_age")
			retired++
		case s.uses >= p.cfg.MaxUses:
			p.retireLocked(s, "max_uses")
			retired++
		default:
			p.idleLocked(s)
		}
	}
	p.mu.Unlock()
	p.publishGauges()
	return retired
}

// Health reports pool occupancy and breaker state.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := Health{Total: len(p.slots), Unhealthy: p.replacing, BreakerState: p.breaker.State().String()}
	for _, s := range p.slots {
		switch s.state {
		case stateBusy:
			h.Busy++
		case stateIdle:
			h.Available++
		}
	}
	return h
}

// Ready reports whether Acquire can currently succeed eventually.
func (p *Pool) Ready() bool {
	h := p.Health()
	return h.Total > 0 && h.BreakerState != gobreaker.StateOpen.String()
}

func (p *Pool) publishGauges() {
	h := p.Health()
	metrics.SetPoolInstances(h.Available, h.Busy, h.Unhealthy)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops the sweep, closes idle instances and waits for background
// launches. Leased instances are closed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
	drain:
		for {
			select {
			case s := <-p.idle:
				closeInstance(p.logger, s.inst)
			default:
				break drain
			}
		}
		p.mu.Unlock()
		p.baseCancel()
	})
	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close browser pool: %w", ctx.Err())
	}
}

func closeInstance(logger *zap.Logger, inst Instance) {
	if err := inst.Close(); err != nil {
		logger.Warn("close browser instance", zap.String("instance_id", inst.ID()), zap.Error(err))
	}
}
