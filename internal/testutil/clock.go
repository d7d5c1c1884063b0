package testutil

import (
	"sync"
	"time"
)

// FakeClock is a deterministic wall clock for tests.
//
// Every call to Now returns the current instant and then advances it by the
// configured step, so consecutive timestamps are distinct and predictable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// Epoch is the default start instant of a FakeClock.
var Epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// NewFakeClock creates a clock starting at start that advances by step on
// every Now call. A zero start uses Epoch.
func NewFakeClock(start time.Time, step time.Duration) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start.UTC(), step: step}
}

// Now returns the current instant and advances the clock by one step.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current instant without advancing.
func (c *FakeClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
