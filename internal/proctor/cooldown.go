package proctor

import (
	"sync"
	"time"
)

// DefaultCooldown is how long a reason stays quiet after a warning was shown.
const DefaultCooldown = 3 * time.Second

// Cooldown deduplicates warnings per reason label. It only decides what the
// candidate is shown; it never gates what is counted.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   map[string]time.Time
}

// NewCooldown creates a Cooldown. A nil clock uses time.Now.
func NewCooldown(window time.Duration, now func() time.Time) *Cooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Cooldown{window: window, now: now, last: make(map[string]time.Time)}
}

// Allow reports whether a warning for reason should be shown now, and if so
// starts its quiet window.
func (c *Cooldown) Allow(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if t, ok := c.last[reason]; ok && now.Sub(t) < c.window {
		return false
	}
	c.last[reason] = now
	return true
}
