package recorder

import (
	"fmt"
	"sync"
	"time"

	"github.com/roach88/steptrace/internal/capture"
	"github.com/roach88/steptrace/internal/trace"
)

// StepOption configures a step at creation.
type StepOption func(*Step)

// WithPolicy sets the step's capture policy.
func WithPolicy(p trace.CapturePolicy) StepOption {
	return func(s *Step) {
		s.policy = p
	}
}

// WithStepID overrides the generated step id.
func WithStepID(id string) StepOption {
	return func(s *Step) {
		if id != "" {
			s.id = id
		}
	}
}

// OutcomeOption sets optional outcome fields.
type OutcomeOption func(*trace.Outcome)

// WithReason sets the outcome's reason code.
func WithReason(code string) OutcomeOption {
	return func(o *trace.Outcome) {
		o.ReasonCode = code
	}
}

// WithReasonDetail attaches structured detail to the outcome.
func WithReasonDetail(detail trace.JSON) OutcomeOption {
	return func(o *trace.Outcome) {
		o.ReasonDetail = detail
	}
}

// WithReasoningText attaches free-form reasoning to the outcome.
func WithReasoningText(text string) OutcomeOption {
	return func(o *trace.Outcome) {
		o.ReasoningText = text
	}
}

// Step accumulates one step's observations until Finalize.
//
// A step is owned by the code that opened it. Mutations are guarded by a
// mutex so fan-out code may add candidates from several goroutines, but
// there is a single forward transition: running, then success or error.
// Mutations after Finalize are ignored and logged.
type Step struct {
	run       *Run
	id        string
	parentID  string
	name      string
	stepType  string
	startedAt time.Time
	policy    trace.CapturePolicy

	mu        sync.Mutex
	finalized bool
	input     trace.JSON
	output    trace.JSON
	reasoning trace.JSON
	meta      trace.JSON

	// candidates holds the full population, except in SAMPLE mode where
	// reservoir keeps a bounded uniform sample instead.
	candidates   []trace.Candidate
	reservoir    *capture.Reservoir
	candidatesIn int
	outcomes     []trace.Outcome
}

func newStep(run *Run, parentID, name, stepType string, opts []StepOption) *Step {
	c := run.client
	s := &Step{
		run:       run,
		parentID:  parentID,
		name:      name,
		stepType:  stepType,
		startedAt: c.timestamp(),
		policy:    c.policy,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = c.ids.Generate()
	}
	if s.policy.EffectiveMode() == trace.CaptureSample {
		s.reservoir = capture.NewReservoir(s.policy.EffectiveSampleN(), c.rng)
	}
	return s
}

// ID returns the step id.
func (s *Step) ID() string {
	return s.id
}

// ParentID returns the parent step id, or "" for a top-level step.
func (s *Step) ParentID() string {
	return s.parentID
}

// Run returns the run the step belongs to.
func (s *Step) Run() *Run {
	return s.run
}

// StartChild opens a step nested under s.
func (s *Step) StartChild(name, stepType string, opts ...StepOption) *Step {
	return newStep(s.run, s.id, name, stepType, opts)
}

// AddCandidates appends candidates. Duplicates are kept.
func (s *Step) AddCandidates(candidates ...trace.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ignoreLocked("add_candidates") {
		return
	}
	s.candidatesIn += len(candidates)
	if s.reservoir != nil {
		s.reservoir.Offer(candidates...)
		return
	}
	s.candidates = append(s.candidates, candidates...)
}

// RecordOutcome appends one outcome for the candidate (candidateType, candidateID).
// Unknown kinds are dropped with a warning.
func (s *Step) RecordOutcome(kind trace.OutcomeKind, candidateID, candidateType string, opts ...OutcomeOption) {
	o := trace.Outcome{
		CandidateID:   candidateID,
		CandidateType: candidateType,
		Kind:          kind,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ignoreLocked("record_outcome") {
		return
	}
	if !kind.Valid() {
		s.run.client.logger.Warn("unknown outcome kind, dropping", "step_id", s.id, "outcome", kind)
		return
	}
	s.outcomes = append(s.outcomes, o)
}

// SetInput replaces the step input.
func (s *Step) SetInput(v any) error {
	return s.set("input", v, func(j trace.JSON) { s.input = j })
}

// SetOutput replaces the step output.
func (s *Step) SetOutput(v any) error {
	return s.set("output", v, func(j trace.JSON) { s.output = j })
}

// SetReasoning replaces the step reasoning.
func (s *Step) SetReasoning(v any) error {
	return s.set("reasoning", v, func(j trace.JSON) { s.reasoning = j })
}

// SetMeta replaces the step metadata.
func (s *Step) SetMeta(v any) error {
	return s.set("meta", v, func(j trace.JSON) { s.meta = j })
}

func (s *Step) set(field string, v any, apply func(trace.JSON)) error {
	j, err := trace.ToJSON(v)
	if err != nil {
		return fmt.Errorf("set step %s: %w", field, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ignoreLocked("set_" + field) {
		return nil
	}
	apply(j)
	return nil
}

// ignoreLocked reports whether the step is finalized, logging the dropped
// mutation. Caller must hold s.mu.
func (s *Step) ignoreLocked(op string) bool {
	if !s.finalized {
		return false
	}
	s.run.client.logger.Warn("step already finalized, ignoring mutation", "step_id", s.id, "op", op)
	return true
}

// Finalize performs the step's single terminal transition: it derives the
// metrics from the full population, applies the capture policy, emits the
// step event and returns it.
//
// status must be success or error. errDetail is an optional JSON-encodable
// error description. A second call returns ErrStepAlreadyFinalized and
// emits nothing.
func (s *Step) Finalize(status trace.Status, errDetail any) (trace.StepEvent, error) {
	if !status.IsTerminal() {
		return trace.StepEvent{}, trace.NewValidationError("invalid step status",
			trace.FieldError{Path: "status", Message: fmt.Sprintf("%q is not terminal", status)})
	}
	detail, err := optionalJSON(errDetail)
	if err != nil {
		return trace.StepEvent{}, fmt.Errorf("finalize step: error detail: %w", err)
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return trace.StepEvent{}, &trace.Error{
			Code:    trace.ErrCodeStepAlreadyFinalized,
			Message: trace.ErrStepAlreadyFinalized.Message,
			Entity:  "step",
			ID:      s.id,
		}
	}
	s.finalized = true
	ev := s.buildLocked(status, detail)
	s.mu.Unlock()

	s.run.client.emit(trace.NewStepEvent(ev))
	s.run.client.logger.Debug("step finalized",
		"step_id", ev.StepID,
		"status", status,
		"candidates_in", ev.Metrics.CandidatesIn,
		"captured", ev.Metrics.CandidatesCaptured,
	)
	return ev, nil
}

// buildLocked assembles the immutable step event and releases the
// accumulated buffers. Caller must hold s.mu.
func (s *Step) buildLocked(status trace.Status, detail trace.JSON) trace.StepEvent {
	c := s.run.client

	population := s.candidates
	if s.reservoir != nil {
		population = s.reservoir.Sample()
	}
	res := capture.Reduce(population, s.outcomes, s.policy, c.rng)

	captured := res.Candidates
	if captured == nil {
		captured = []trace.Candidate{}
	}

	end := c.timestamp()
	ev := trace.StepEvent{
		StepID:        s.id,
		RunID:         s.run.ID(),
		ParentStepID:  s.parentID,
		Name:          s.name,
		StepType:      s.stepType,
		Status:        status,
		StartedAt:     s.startedAt,
		EndedAt:       &end,
		DurationMs:    durationMs(s.startedAt, end),
		Input:         s.input,
		Output:        s.output,
		Reasoning:     s.reasoning,
		Meta:          s.meta,
		Error:         detail,
		CapturePolicy: s.policy.Normalized(),
		Metrics:       trace.NewStepMetrics(s.candidatesIn, len(captured), s.outcomes),
		Candidates:    captured,
		Outcomes:      res.Outcomes,
		Histogram:     res.Histogram,
	}

	s.candidates = nil
	s.reservoir = nil
	s.outcomes = nil
	return ev
}
