package orchestrator

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether a failed render attempt is retried and how
// long to wait first. Backoff is exponential with jitter.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Retry defaults.
const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 250 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

// NewRetryPolicy builds a policy allowing maxRetries retries after the first
// attempt. Non-positive delays fall back to the defaults.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryPolicy{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry decides whether to try again after attempt (zero-based)
// failed with err.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxRetries {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait duration before the attempt following attempt.
// The result lies in [d/2, d) where d = base * 2^attempt capped at the
// maximum delay.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
