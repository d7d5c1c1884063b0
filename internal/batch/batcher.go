package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/trace"
)

// Batcher defaults.
const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = time.Second
	DefaultTimeout       = 5 * time.Second
	DefaultMaxBackoff    = 30 * time.Second
)

// Transport delivers one batch of events to the ingestion boundary.
//
// Implementations should return a *trace.Error with code TRANSPORT_ERROR.
// Retryable errors put the batch back on the queue; non-retryable ones drop
// it. Any other error is treated as retryable.
type Transport interface {
	Deliver(ctx context.Context, events []trace.Event) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, events []trace.Event) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, events []trace.Event) error {
	return f(ctx, events)
}

// TickerFunc starts the periodic flush timer and returns its tick channel
// and a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ErrorHandler receives the error of a failed flush round and the batch that
// failed. It runs on the flushing goroutine and must not call Flush.
type ErrorHandler func(err error, batch []trace.Event)

// Config controls batching behaviour. Zero fields use the defaults.
type Config struct {
	// BatchSize is the maximum number of events per outbound request.
	BatchSize int

	// FlushInterval is the period of the background flush timer.
	FlushInterval time.Duration

	// Timeout bounds each Deliver call.
	Timeout time.Duration

	// MaxBackoff caps how long timer flushes pause after consecutive
	// retryable failures. Explicit Flush calls never wait.
	MaxBackoff time.Duration
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Stats are cumulative delivery counters plus the queue's own.
type Stats struct {
	QueueStats

	// Pending is the current queue length.
	Pending int `json:"pending"`

	// Delivered counts events acknowledged by the transport, including the
	// stored part of a partially rejected batch.
	Delivered int64 `json:"delivered"`

	// Dropped counts events discarded after a non-retryable rejection.
	Dropped int64 `json:"dropped"`

	// SkippedTicks counts timer ticks skipped while backing off.
	SkippedTicks int64 `json:"skipped_ticks"`

	// FailedRounds counts flush rounds that ended in an error.
	FailedRounds int64 `json:"failed_rounds"`
}

// Batcher drains a Queue through a Transport.
//
// Timer-triggered and explicit flushes never overlap: Flush waits for an
// in-flight round, while a timer tick that finds one in flight is skipped.
// After consecutive retryable failures the timer skips 1, 2, 4... ticks
// before retrying, up to MaxBackoff.
type Batcher struct {
	cfg       Config
	queue     *Queue
	transport Transport
	onError   ErrorHandler
	logger    *slog.Logger
	newTicker TickerFunc

	// flushMu is the in-flight guard. Held for the whole round.
	flushMu sync.Mutex

	// Guarded by flushMu.
	failures  int
	skipTicks int

	// lifeMu guards the background loop's lifecycle.
	lifeMu  sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithErrorHandler sets the hook invoked once per failed flush round.
func WithErrorHandler(h ErrorHandler) Option {
	return func(b *Batcher) {
		b.onError = h
	}
}

// WithLogger sets the batcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) {
		b.logger = l
	}
}

// WithTicker replaces the flush timer source.
func WithTicker(f TickerFunc) Option {
	return func(b *Batcher) {
		b.newTicker = f
	}
}

// NewBatcher creates a batcher. Call Start to enable the flush timer.
func NewBatcher(q *Queue, t Transport, cfg Config, opts ...Option) *Batcher {
	b := &Batcher{
		cfg:       cfg.withDefaults(),
		queue:     q,
		transport: t,
		logger:    logging.New("batcher"),
		newTicker: systemTicker,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.onError == nil {
		b.onError = func(err error, batch []trace.Event) {
			b.logger.Error("flush failed", "events", len(batch), "error", err)
		}
	}
	return b
}

// Queue returns the queue being drained.
func (b *Batcher) Queue() *Queue {
	return b.queue
}

// Enqueue adds an event to the underlying queue. Never blocks on I/O.
func (b *Batcher) Enqueue(e trace.Event) bool {
	return b.queue.Enqueue(e)
}

// Start launches the periodic flush loop. Calling Start twice is a no-op.
func (b *Batcher) Start() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.loop(b.stopCh, b.doneCh)
}

// Stop halts the flush timer and waits for an in-flight timer round to
// finish. Queued events are left in place.
func (b *Batcher) Stop() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	<-b.doneCh
}

// Shutdown stops the timer and then flushes whatever is queued.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.Stop()
	return b.Flush(ctx)
}

// Flush delivers queued events in rounds of at most BatchSize until the
// queue is empty or a round fails. It waits for any in-flight round first.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	return b.flushLocked(ctx)
}

// Stats returns a snapshot of the delivery counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		QueueStats:   b.queue.Stats(),
		Pending:      b.queue.Len(),
		Delivered:    b.delivered.Load(),
		Dropped:      b.dropped.Load(),
		FailedRounds: b.failed.Load(),
		SkippedTicks: b.skipped.Load(),
	}
}

func (b *Batcher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticks, stopTicker := b.newTicker(b.cfg.FlushInterval)
	defer stopTicker()

	for {
		select {
		case <-stop:
			return
		case <-ticks:
			b.tick()
		}
	}
}

// tick runs one timer-triggered flush unless a flush is already in flight.
func (b *Batcher) tick() {
	if !b.flushMu.TryLock() {
		b.logger.Debug("flush in flight, skipping tick")
		return
	}
	defer b.flushMu.Unlock()

	if b.skipTicks > 0 {
		b.skipTicks--
		b.skipped.Add(1)
		return
	}
	// Errors were already handed to the hook.
	_ = b.flushLocked(context.Background())
}

// backoff records the outcome of a round and sets how many ticks to skip.
// Caller must hold flushMu.
func (b *Batcher) backoff(retry bool) {
	if !retry {
		b.failures = 0
		b.skipTicks = 0
		return
	}
	b.failures++
	limit := max(int(b.cfg.MaxBackoff/b.cfg.FlushInterval)-1, 0)
	skip := limit
	if b.failures <= 31 {
		skip = min(1<<(b.failures-1), limit)
	}
	b.skipTicks = skip
}

// flushLocked drains the queue. Caller must hold flushMu.
func (b *Batcher) flushLocked(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := b.queue.Drain(b.cfg.BatchSize)
		if len(batch) == 0 {
			b.backoff(false)
			return nil
		}

		err := b.deliver(ctx, batch)
		if err == nil {
			b.delivered.Add(int64(len(batch)))
			b.logger.Debug("batch delivered", "events", len(batch))
			continue
		}

		b.failed.Add(1)
		var rejected *RejectedEventsError
		switch {
		case retryable(err):
			b.queue.Restore(batch)
			b.backoff(true)
			b.logger.Warn("delivery failed, batch requeued", "events", len(batch), "skip_ticks", b.skipTicks, "error", err)
		case errors.As(err, &rejected):
			b.delivered.Add(int64(rejected.Stored()))
			b.dropped.Add(int64(len(rejected.Rejected)))
			b.backoff(false)
			b.logger.Error("events rejected", "events", len(batch), "rejected", len(rejected.Rejected), "error", err)
		default:
			b.dropped.Add(int64(len(batch)))
			b.backoff(false)
			b.logger.Error("delivery rejected, batch dropped", "events", len(batch), "error", err)
		}
		b.onError(err, batch)
		return err
	}
}

// deliver sends one batch under the per-request timeout.
func (b *Batcher) deliver(ctx context.Context, batch []trace.Event) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := b.transport.Deliver(ctx, batch)
	if err == nil {
		return nil
	}
	if trace.IsTransportError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return trace.NewTransportError("delivery timed out", 0, true, err)
	}
	return trace.NewTransportError("delivery failed", 0, true, err)
}

// retryable reports whether a failed batch should go back on the queue.
func retryable(err error) bool {
	if trace.IsTransportError(err) {
		return trace.IsRetryable(err)
	}
	return true
}
