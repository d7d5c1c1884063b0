// Package validate is the validation gateway in front of the store.
//
// Payloads are checked in two passes: structure against an embedded CUE
// schema, then cross-field consistency on the decoded event. Both passes
// report every problem found as FieldErrors on a single VALIDATION_ERROR,
// and nothing reaches the store unless both pass.
package validate

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/steptrace/internal/trace"
)

//go:embed schema.cue
var schemaSource string

// rateTolerance is the allowed drift between a delivered rejection rate and
// rejected_count / candidates_in.
const rateTolerance = 1e-9

// Gateway validates wire payloads. Safe for concurrent use.
type Gateway struct {
	// mu guards ctx; cue.Context is not safe for concurrent use.
	mu    sync.Mutex
	ctx   *cue.Context
	run   cue.Value
	step  cue.Value
	batch cue.Value
}

// New compiles the embedded schema.
func New() (*Gateway, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	g := &Gateway{ctx: ctx}
	for name, dst := range map[string]*cue.Value{
		"#Run":   &g.run,
		"#Step":  &g.step,
		"#Batch": &g.batch,
	} {
		v := schema.LookupPath(cue.ParsePath(name))
		if !v.Exists() {
			return nil, fmt.Errorf("compile schema: %s not defined", name)
		}
		*dst = v
	}
	return g, nil
}

// ValidateRun validates and decodes one run payload.
func (g *Gateway) ValidateRun(raw []byte) (trace.RunEvent, error) {
	if fields := g.check(g.run, raw, ""); len(fields) > 0 {
		return trace.RunEvent{}, trace.NewValidationError("invalid run", fields...)
	}
	var r trace.RunEvent
	if err := json.Unmarshal(raw, &r); err != nil {
		return trace.RunEvent{}, trace.NewValidationError("invalid run",
			trace.FieldError{Message: err.Error()})
	}
	if fields := CheckRun(r, ""); len(fields) > 0 {
		return trace.RunEvent{}, trace.NewValidationError("invalid run", fields...)
	}
	return r, nil
}

// ValidateStep validates and decodes one step payload.
func (g *Gateway) ValidateStep(raw []byte) (trace.StepEvent, error) {
	if fields := g.check(g.step, raw, ""); len(fields) > 0 {
		return trace.StepEvent{}, trace.NewValidationError("invalid step", fields...)
	}
	var s trace.StepEvent
	if err := json.Unmarshal(raw, &s); err != nil {
		return trace.StepEvent{}, trace.NewValidationError("invalid step",
			trace.FieldError{Message: err.Error()})
	}
	if fields := CheckStep(s, ""); len(fields) > 0 {
		return trace.StepEvent{}, trace.NewValidationError("invalid step", fields...)
	}
	return s, nil
}

// envelope is a batch with event bodies left undecoded.
type envelope struct {
	Events []struct {
		Kind trace.EventKind `json:"kind"`
		Run  json.RawMessage `json:"run"`
		Step json.RawMessage `json:"step"`
	} `json:"events"`
}

// ValidateBatch validates and decodes a batch. A batch is accepted or
// rejected as a whole; field paths are prefixed with the event index,
// e.g. "events.3.step.metrics.rejected_count".
func (g *Gateway) ValidateBatch(raw []byte) ([]trace.Event, error) {
	if fields := g.check(g.batch, raw, ""); len(fields) > 0 {
		return nil, trace.NewValidationError("invalid batch", fields...)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, trace.NewValidationError("invalid batch", trace.FieldError{Message: err.Error()})
	}

	var fields []trace.FieldError
	events := make([]trace.Event, 0, len(env.Events))
	for i, e := range env.Events {
		prefix := "events." + strconv.Itoa(i) + "." + string(e.Kind)
		switch e.Kind {
		case trace.EventRun:
			r, err := g.ValidateRun(e.Run)
			if err != nil {
				fields = append(fields, prefixed(prefix, err)...)
				continue
			}
			events = append(events, trace.NewRunEvent(r))
		case trace.EventStep:
			s, err := g.ValidateStep(e.Step)
			if err != nil {
				fields = append(fields, prefixed(prefix, err)...)
				continue
			}
			events = append(events, trace.NewStepEvent(s))
		}
	}
	if len(fields) > 0 {
		return nil, trace.NewValidationError("invalid batch", fields...)
	}
	return events, nil
}

// check unifies raw JSON with a schema definition and returns every
// violation. A missing body (nil raw) is reported as such.
func (g *Gateway) check(def cue.Value, raw []byte, prefix string) []trace.FieldError {
	if len(raw) == 0 || string(raw) == "null" {
		return []trace.FieldError{{Path: prefix, Message: "payload is required"}}
	}
	expr, err := cuejson.Extract("payload.json", raw)
	if err != nil {
		return []trace.FieldError{{Path: prefix, Message: "malformed JSON: " + err.Error()}}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.ctx.BuildExpr(expr)
	if err := v.Err(); err != nil {
		return fieldErrors(prefix, err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fieldErrors(prefix, err)
	}
	return nil
}

// fieldErrors flattens a CUE error list into field errors.
func fieldErrors(prefix string, err error) []trace.FieldError {
	var out []trace.FieldError
	seen := make(map[trace.FieldError]bool)
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		fe := trace.FieldError{
			Path:    joinPath(prefix, strings.Join(e.Path(), ".")),
			Message: fmt.Sprintf(format, args...),
		}
		if seen[fe] {
			continue
		}
		seen[fe] = true
		out = append(out, fe)
	}
	if len(out) == 0 {
		out = append(out, trace.FieldError{Path: prefix, Message: err.Error()})
	}
	return out
}

// prefixed extracts a validation error's fields with a path prefix.
func prefixed(prefix string, err error) []trace.FieldError {
	te, ok := err.(*trace.Error)
	if !ok || len(te.Fields) == 0 {
		return []trace.FieldError{{Path: prefix, Message: err.Error()}}
	}
	out := make([]trace.FieldError, len(te.Fields))
	for i, f := range te.Fields {
		out[i] = trace.FieldError{Path: joinPath(prefix, f.Path), Message: f.Message}
	}
	return out
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	}
	return prefix + "." + path
}

// CheckRun runs the cross-field checks on a decoded run.
func CheckRun(r trace.RunEvent, prefix string) []trace.FieldError {
	var fields []trace.FieldError
	if r.EndedAt != nil && r.EndedAt.Before(r.StartedAt) {
		fields = append(fields, trace.FieldError{
			Path:    joinPath(prefix, "ended_at"),
			Message: "ended_at is before started_at",
		})
	}
	return fields
}

// CheckStep runs the cross-field checks on a decoded step:
// histogram total matches rejected_count, candidates_captured matches the
// candidates carried, the rejection rate matches the counts, and ended_at
// is not before started_at.
func CheckStep(s trace.StepEvent, prefix string) []trace.FieldError {
	var fields []trace.FieldError
	add := func(path, format string, args ...any) {
		fields = append(fields, trace.FieldError{
			Path:    joinPath(prefix, path),
			Message: fmt.Sprintf(format, args...),
		})
	}

	m := s.Metrics
	if total := s.Histogram.Total(); total != m.RejectedCount {
		add("rejection_histogram", "histogram total %d does not equal rejected_count %d", total, m.RejectedCount)
	}
	if m.CandidatesCaptured != len(s.Candidates) {
		add("metrics.candidates_captured", "candidates_captured %d does not equal %d candidates carried",
			m.CandidatesCaptured, len(s.Candidates))
	}
	if m.CandidatesCaptured > m.CandidatesIn {
		add("metrics.candidates_captured", "candidates_captured %d exceeds candidates_in %d",
			m.CandidatesCaptured, m.CandidatesIn)
	}
	if want := trace.RejectionRate(m.RejectedCount, m.CandidatesIn); math.Abs(m.RejectionRate-want) > rateTolerance {
		add("metrics.rejection_rate", "rejection_rate %v does not equal rejected_count / candidates_in (%v)",
			m.RejectionRate, want)
	}
	if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
		add("ended_at", "ended_at is before started_at")
	}
	return fields
}
