// Package recorder is the instrumentation API used by pipeline code.
//
// A Client opens Runs; a Run opens Steps; a Step accumulates candidates and
// outcomes and, on Finalize, reduces them with the capture engine and emits
// one immutable step event. Every lifecycle call hands events to an Emitter
// (normally a batch.Batcher) and never blocks on network I/O.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/trace"
)

// Emitter accepts outbound events. Enqueue must not block on I/O; it
// returns false when an older event was evicted to make room.
type Emitter interface {
	Enqueue(e trace.Event) bool
}

// Client creates runs and owns the settings shared by their steps.
// Construct one per process and pass it to call sites; there is no global.
type Client struct {
	emitter Emitter
	ids     IDGenerator
	now     func() time.Time
	policy  trace.CapturePolicy
	rng     *rand.Rand
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithIDGenerator sets the run and step id source. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Client) {
		c.ids = g
	}
}

// WithClock sets the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithDefaultPolicy sets the capture policy for steps opened without one.
func WithDefaultPolicy(p trace.CapturePolicy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithRand sets the random source used by SAMPLE capture.
func WithRand(r *rand.Rand) Option {
	return func(c *Client) {
		c.rng = r
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client that emits events to emitter.
func New(emitter Emitter, opts ...Option) *Client {
	c := &Client{
		emitter: emitter,
		ids:     UUIDv7Generator{},
		now:     time.Now,
		logger:  logging.New("recorder"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOptions describe a run at creation time.
type RunOptions struct {
	// RunID overrides the generated id.
	RunID string

	// TraceID is an optional caller-supplied correlation id.
	TraceID string

	PipelineName    string
	PipelineVersion string

	// Input, Tags and Meta are arbitrary JSON-encodable values.
	Input any
	Tags  any
	Meta  any
}

// StartRun opens a run and emits its "running" event.
func (c *Client) StartRun(ctx context.Context, opts RunOptions) (*Run, error) {
	if opts.PipelineName == "" {
		return nil, trace.NewValidationError("invalid run",
			trace.FieldError{Path: "pipeline_name", Message: "required"})
	}

	ev := trace.RunEvent{
		RunID:           opts.RunID,
		TraceID:         opts.TraceID,
		PipelineName:    opts.PipelineName,
		PipelineVersion: opts.PipelineVersion,
		Status:          trace.StatusRunning,
		StartedAt:       c.timestamp(),
	}
	if ev.RunID == "" {
		ev.RunID = c.ids.Generate()
	}

	var err error
	if ev.Input, err = optionalJSON(opts.Input); err != nil {
		return nil, fmt.Errorf("start run: input: %w", err)
	}
	if ev.Tags, err = optionalJSON(opts.Tags); err != nil {
		return nil, fmt.Errorf("start run: tags: %w", err)
	}
	if ev.Meta, err = optionalJSON(opts.Meta); err != nil {
		return nil, fmt.Errorf("start run: meta: %w", err)
	}

	run := &Run{client: c, event: ev}
	c.emit(trace.NewRunEvent(ev))
	c.logger.DebugContext(ctx, "run started", "run_id", ev.RunID, "pipeline", ev.PipelineName)
	return run, nil
}

// Trace runs fn inside a new run. The run is ended with success when fn
// returns nil and with error otherwise; fn's error is returned unchanged.
// The run is available to fn through RunFromContext.
func (c *Client) Trace(ctx context.Context, opts RunOptions, fn func(ctx context.Context, run *Run) error) error {
	run, err := c.StartRun(ctx, opts)
	if err != nil {
		return err
	}

	fnErr := fn(WithRun(ctx, run), run)

	status, detail := outcomeOf(fnErr)
	if err := run.End(status, detail); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// timestamp returns the current time in UTC.
func (c *Client) timestamp() time.Time {
	return c.now().UTC()
}

// emit hands an event to the emitter.
func (c *Client) emit(e trace.Event) {
	if !c.emitter.Enqueue(e) {
		c.logger.Debug("event queue full, older event evicted", "event", e.String())
	}
}

// optionalJSON converts v to JSON, keeping nil as absent.
func optionalJSON(v any) (trace.JSON, error) {
	if v == nil {
		return trace.JSON{}, nil
	}
	return trace.ToJSON(v)
}

// outcomeOf maps a callback error to a terminal status and error detail.
func outcomeOf(err error) (trace.Status, any) {
	if err == nil {
		return trace.StatusSuccess, nil
	}
	return trace.StatusError, map[string]any{"message": err.Error()}
}

// durationMs returns the whole milliseconds between two instants.
func durationMs(start, end time.Time) *int64 {
	ms := end.Sub(start).Milliseconds()
	return &ms
}
