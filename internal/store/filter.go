package store

import (
	"strings"

	"github.com/roach88/steptrace/internal/trace"
)

// Result size limits for list queries.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// RunFilter selects runs for ListRuns. Zero fields do not filter.
type RunFilter struct {
	PipelineName string
	TraceID      string
	Status       trace.Status
	Limit        int
}

// StepFilter selects steps for QuerySteps. Zero fields do not filter.
// Rejection-rate bounds are inclusive; steps without metrics never match
// a rate bound.
type StepFilter struct {
	RunID            string
	StepType         string
	Status           trace.Status
	MinRejectionRate *float64
	MaxRejectionRate *float64
	Limit            int
}

// whereBuilder accumulates parameterized conditions.
// Values are never interpolated into the SQL text.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, arg)
}

// clause returns " WHERE a AND b" or "" when empty.
func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// compile returns the WHERE clause and its arguments.
func (f RunFilter) compile() (string, []any) {
	var w whereBuilder
	if f.PipelineName != "" {
		w.add("pipeline_name = ?", f.PipelineName)
	}
	if f.TraceID != "" {
		w.add("trace_id = ?", f.TraceID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	return w.clause(), w.args
}

// compile returns the WHERE clause and its arguments. Column names are
// qualified for the steps/step_metrics join.
func (f StepFilter) compile() (string, []any) {
	var w whereBuilder
	if f.RunID != "" {
		w.add("s.run_id = ?", f.RunID)
	}
	if f.StepType != "" {
		w.add("s.step_type = ?", f.StepType)
	}
	if f.Status != "" {
		w.add("s.status = ?", string(f.Status))
	}
	if f.MinRejectionRate != nil {
		w.add("m.rejection_rate >= ?", *f.MinRejectionRate)
	}
	if f.MaxRejectionRate != nil {
		w.add("m.rejection_rate <= ?", *f.MaxRejectionRate)
	}
	return w.clause(), w.args
}

// clampLimit applies DefaultLimit and MaxLimit.
func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}
