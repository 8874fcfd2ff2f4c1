package browser

import "time"

// SetNow replaces the pool clock.
func (p *Pool) SetNow(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
