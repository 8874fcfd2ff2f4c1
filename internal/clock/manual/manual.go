// Package manual provides a clock that only moves when told to.
package manual

import (
	"sync"
	"time"
)

// Clock is a settable clock for tests and replay tooling.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New returns a clock frozen at start.
func New(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
