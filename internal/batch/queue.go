// Package batch buffers outbound trace events and delivers them in batches.
//
// Producers call Queue.Enqueue from the code path that drives a run; it never
// blocks on I/O. A Batcher drains the queue on a timer or on demand and hands
// each batch to a Transport. Delivery is at-least-once: a batch that fails
// with a retryable error goes back to the front of the queue.
package batch

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/trace"
)

// DefaultMaxQueue bounds the queue when no capacity is configured.
const DefaultMaxQueue = 2000

// QueueStats are cumulative counters for a queue.
type QueueStats struct {
	// Enqueued counts every accepted Enqueue call.
	Enqueued int64 `json:"enqueued"`

	// Evicted counts events dropped because the queue was full.
	Evicted int64 `json:"evicted"`

	// Restored counts events put back after a failed delivery.
	Restored int64 `json:"restored"`
}

// Queue is a bounded, thread-safe FIFO of events.
//
// When full, Enqueue evicts the oldest event to make room (lossy
// backpressure). Evictions are counted and logged.
type Queue struct {
	mu      sync.Mutex
	events  []trace.Event
	max     int
	stats   QueueStats
	onEvict func(trace.Event)
	logger  *slog.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithEvictHook registers a callback invoked for every evicted event.
// It runs with the queue lock held and must not call back into the queue.
func WithEvictHook(fn func(trace.Event)) QueueOption {
	return func(q *Queue) {
		q.onEvict = fn
	}
}

// WithQueueLogger sets the logger used for eviction warnings.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = l
	}
}

// NewQueue creates a queue holding at most maxQueue events.
// maxQueue <= 0 uses DefaultMaxQueue.
func NewQueue(maxQueue int, opts ...QueueOption) *Queue {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	q := &Queue{
		events: make([]trace.Event, 0, min(maxQueue, 64)),
		max:    maxQueue,
		logger: logging.New("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds an event to the back of the queue.
// Returns false if an older event had to be evicted.
func (q *Queue) Enqueue(e trace.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.Enqueued++
	evicted := q.evictLocked(len(q.events) + 1 - q.max)
	q.events = append(q.events, e)
	return evicted == 0
}

// Drain removes and returns up to n events from the front of the queue.
func (q *Queue) Drain(n int) []trace.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n = min(n, len(q.events))
	if n <= 0 {
		return nil
	}

	out := slices.Clone(q.events[:n])
	q.popLocked(n)
	return out
}

// Restore puts a batch back at the front of the queue in its original order.
// If producers filled the queue in the meantime, the oldest events (the
// restored ones first) are evicted to stay within capacity.
func (q *Queue) Restore(batch []trace.Event) {
	if len(batch) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = slices.Concat(batch, q.events)
	q.stats.Restored += int64(len(batch))
	q.evictLocked(len(q.events) - q.max)
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.max
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// evictLocked drops the n oldest events. Caller must hold q.mu.
func (q *Queue) evictLocked(n int) int {
	n = min(n, len(q.events))
	if n <= 0 {
		return 0
	}
	for _, e := range q.events[:n] {
		q.logger.Warn("queue full, evicting oldest event", "event", e.String(), "max_queue", q.max)
		if q.onEvict != nil {
			q.onEvict(e)
		}
	}
	q.stats.Evicted += int64(n)
	q.popLocked(n)
	return n
}

// popLocked removes the first n events. Caller must hold q.mu.
func (q *Queue) popLocked(n int) {
	// Zero the slots so the backing array does not pin event payloads.
	clear(q.events[:n])
	if n == len(q.events) {
		q.events = q.events[:0]
		return
	}
	q.events = q.events[n:]
}
