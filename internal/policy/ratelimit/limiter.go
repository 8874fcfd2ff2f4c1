// Package ratelimit implements per-client token bucket rate limiting for the
// HTTP API.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/dsl-png-renderer/internal/metrics"
)

// Limiter manages one token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained request rate per client. Zero or less disables
	// limiting.
	RPS   float64
	Burst int
	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Limiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
	}
}

// Enabled reports whether requests can be rejected at all.
func (l *Limiter) Enabled() bool {
	return l.rate != rate.Inf
}

// Allow consumes a token for key and reports whether the request may
// proceed. When it may not, the returned duration is the suggested wait
// before retrying.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}
	now := l.now()
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		metrics.ObserveRateLimited()
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		metrics.ObserveRateLimited()
		return false, delay
	}
	return true, 0
}

// Sweep forgets clients idle for longer than the idle TTL and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
