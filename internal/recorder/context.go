package recorder

import "context"

type runKey struct{}

type stepKey struct{}

// WithRun returns a context carrying run. Code deeper in the call chain
// retrieves it with RunFromContext instead of threading the handle.
func WithRun(ctx context.Context, run *Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFromContext returns the run stored by WithRun.
func RunFromContext(ctx context.Context) (*Run, bool) {
	run, ok := ctx.Value(runKey{}).(*Run)
	return run, ok && run != nil
}

// WithStep returns a context carrying step as the current parent step.
func WithStep(ctx context.Context, step *Step) context.Context {
	return context.WithValue(ctx, stepKey{}, step)
}

// StepFromContext returns the step stored by WithStep.
func StepFromContext(ctx context.Context) (*Step, bool) {
	step, ok := ctx.Value(stepKey{}).(*Step)
	return step, ok && step != nil
}

// StartStep opens a step under whatever the context holds: a child of the
// current step if there is one, otherwise a top-level step of the current
// run. Returns false if ctx carries no run.
func StartStep(ctx context.Context, name, stepType string, opts ...StepOption) (*Step, bool) {
	if parent, ok := StepFromContext(ctx); ok {
		return parent.StartChild(name, stepType, opts...), true
	}
	if run, ok := RunFromContext(ctx); ok {
		return run.StartStep(name, stepType, opts...), true
	}
	return nil, false
}
