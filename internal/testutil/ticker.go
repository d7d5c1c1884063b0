package testutil

import (
	"sync"
	"time"
)

// ManualTicker is a flush timer that fires only when Tick is called.
// Pass its New method to batch.WithTicker.
//
// The tick channel is unbuffered, so Tick returns once the consumer has
// received the tick. Ticks on a stopped ticker are discarded.
type ManualTicker struct {
	mu       sync.Mutex
	c        chan time.Time
	now      time.Time
	interval time.Duration
	stopped  bool
	started  chan struct{}
}

// NewManualTicker creates a ticker whose first tick is at start plus one
// interval. A zero start uses Epoch.
func NewManualTicker(start time.Time) *ManualTicker {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualTicker{
		c:       make(chan time.Time),
		now:     start,
		started: make(chan struct{}),
	}
}

// New starts the ticker. It may be called once.
func (m *ManualTicker) New(d time.Duration) (<-chan time.Time, func()) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	close(m.started)
	return m.c, m.stop
}

func (m *ManualTicker) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Interval returns the interval New was called with.
func (m *ManualTicker) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Tick advances by one interval and delivers the tick, waiting for the
// ticker to be started and for the consumer to receive it. It reports
// false if the ticker was stopped or the wait exceeded timeout.
func (m *ManualTicker) Tick(timeout time.Duration) bool {
	deadline := time.After(timeout)
	select {
	case <-m.started:
	case <-deadline:
		return false
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.now = m.now.Add(m.interval)
	now := m.now
	m.mu.Unlock()

	select {
	case m.c <- now:
		return true
	case <-deadline:
		return false
	}
}
