package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/steptrace/internal/trace"
)

// ErrRunAlreadyEnded is returned by a second End on the same run.
var ErrRunAlreadyEnded = errors.New("run already ended")

// Run is the handle for one pipeline execution.
// Safe for concurrent use: parallel branches may open steps on one run.
type Run struct {
	client *Client

	mu    sync.Mutex
	event trace.RunEvent
	ended bool
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.event.RunID
}

// TraceID returns the caller-supplied trace id, if any.
func (r *Run) TraceID() string {
	return r.event.TraceID
}

// StartStep opens a top-level step of this run.
func (r *Run) StartStep(name, stepType string, opts ...StepOption) *Step {
	return newStep(r, "", name, stepType, opts)
}

// Step runs fn inside a new step and finalizes it with success or error
// depending on fn's result. If the context already holds a step, the new
// step becomes its child. fn may finalize the step itself.
func (r *Run) Step(ctx context.Context, name, stepType string, fn func(ctx context.Context, s *Step) error, opts ...StepOption) error {
	var s *Step
	if parent, ok := StepFromContext(ctx); ok && parent.run == r {
		s = parent.StartChild(name, stepType, opts...)
	} else {
		s = r.StartStep(name, stepType, opts...)
	}

	fnErr := fn(WithStep(ctx, s), s)

	status, detail := outcomeOf(fnErr)
	if _, err := s.Finalize(status, detail); err != nil && !errors.Is(err, trace.ErrStepAlreadyFinalized) && fnErr == nil {
		return err
	}
	return fnErr
}

// SetOutput sets the run output reported at End.
func (r *Run) SetOutput(v any) error {
	return r.set("output", v, func(j trace.JSON) { r.event.Output = j })
}

// SetTags replaces the run tags.
func (r *Run) SetTags(v any) error {
	return r.set("tags", v, func(j trace.JSON) { r.event.Tags = j })
}

// SetMeta replaces the run metadata.
func (r *Run) SetMeta(v any) error {
	return r.set("meta", v, func(j trace.JSON) { r.event.Meta = j })
}

func (r *Run) set(field string, v any, apply func(trace.JSON)) error {
	j, err := trace.ToJSON(v)
	if err != nil {
		return fmt.Errorf("set run %s: %w", field, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		r.client.logger.Warn("run already ended, ignoring update", "run_id", r.event.RunID, "field", field)
		return nil
	}
	apply(j)
	return nil
}

// End emits the run's terminal event. status must be success or error;
// errDetail is an optional JSON-encodable error description.
func (r *Run) End(status trace.Status, errDetail any) error {
	if !status.IsTerminal() {
		return trace.NewValidationError("invalid run status",
			trace.FieldError{Path: "status", Message: fmt.Sprintf("%q is not terminal", status)})
	}
	detail, err := optionalJSON(errDetail)
	if err != nil {
		return fmt.Errorf("end run: error detail: %w", err)
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return ErrRunAlreadyEnded
	}
	r.ended = true

	end := r.client.timestamp()
	r.event.Status = status
	r.event.EndedAt = &end
	r.event.DurationMs = durationMs(r.event.StartedAt, end)
	r.event.Error = detail
	ev := r.event
	r.mu.Unlock()

	r.client.emit(trace.NewRunEvent(ev))
	r.client.logger.Debug("run ended", "run_id", ev.RunID, "status", status)
	return nil
}
