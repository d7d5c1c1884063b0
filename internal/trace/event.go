package trace

import (
	"fmt"
	"time"
)

// EventKind distinguishes between event payloads.
type EventKind string

const (
	// EventRun carries a run lifecycle update.
	EventRun EventKind = "run"
	// EventStep carries a finalized step.
	EventStep EventKind = "step"
)

// RunEvent is one delivery of a run's state.
// The first delivery for an id creates the run; later ones update its
// mutable fields (status, ended_at, duration_ms, output, error, tags, meta).
type RunEvent struct {
	RunID           string     `json:"run_id"`
	TraceID         string     `json:"trace_id,omitempty"`
	PipelineName    string     `json:"pipeline_name"`
	PipelineVersion string     `json:"pipeline_version,omitempty"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMs      *int64     `json:"duration_ms,omitempty"`
	Input           JSON       `json:"input,omitzero"`
	Output          JSON       `json:"output,omitzero"`
	Error           JSON       `json:"error,omitzero"`
	Tags            JSON       `json:"tags,omitzero"`
	Meta            JSON       `json:"meta,omitzero"`
}

// StepEvent is a finalized step: its fields, metrics, the captured subset
// of candidates and outcomes, and the histogram over all rejections.
type StepEvent struct {
	StepID        string             `json:"step_id"`
	RunID         string             `json:"run_id"`
	ParentStepID  string             `json:"parent_step_id,omitempty"`
	Name          string             `json:"name"`
	StepType      string             `json:"step_type"`
	Status        Status             `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	DurationMs    *int64             `json:"duration_ms,omitempty"`
	Input         JSON               `json:"input,omitzero"`
	Output        JSON               `json:"output,omitzero"`
	Reasoning     JSON               `json:"reasoning,omitzero"`
	Meta          JSON               `json:"meta,omitzero"`
	Error         JSON               `json:"error,omitzero"`
	CapturePolicy CapturePolicy      `json:"capture_policy"`
	Metrics       StepMetrics        `json:"metrics"`
	Candidates    []Candidate        `json:"candidates"`
	Outcomes      []Outcome          `json:"outcomes"`
	Histogram     RejectionHistogram `json:"rejection_histogram"`
}

// Event wraps run and step payloads for the event queue and the wire.
type Event struct {
	Kind EventKind  `json:"kind"`
	Run  *RunEvent  `json:"run,omitempty"`
	Step *StepEvent `json:"step,omitempty"`
}

// NewRunEvent wraps a run payload.
func NewRunEvent(r RunEvent) Event {
	return Event{Kind: EventRun, Run: &r}
}

// NewStepEvent wraps a step payload.
func NewStepEvent(s StepEvent) Event {
	return Event{Kind: EventStep, Step: &s}
}

// ID returns the identifier of the wrapped entity.
func (e Event) ID() string {
	switch {
	case e.Kind == EventRun && e.Run != nil:
		return e.Run.RunID
	case e.Kind == EventStep && e.Step != nil:
		return e.Step.StepID
	}
	return ""
}

// String returns a short description for logs, e.g. "step:01J...".
func (e Event) String() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.ID())
}

// Batch is the wire envelope for a group of events.
type Batch struct {
	Events []Event `json:"events"`
}
