package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/steptrace/internal/trace"
)

// StepSummary is a step without its candidates and outcomes.
// Metrics is nil when no metrics row exists.
type StepSummary struct {
	StepID       string             `json:"step_id"`
	RunID        string             `json:"run_id"`
	ParentStepID string             `json:"parent_step_id,omitempty"`
	Name         string             `json:"name"`
	StepType     string             `json:"step_type"`
	Status       trace.Status       `json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
	DurationMs   *int64             `json:"duration_ms,omitempty"`
	Metrics      *trace.StepMetrics `json:"metrics,omitempty"`
}

// RunDetail is a run together with summaries of its steps.
type RunDetail struct {
	Run   trace.RunEvent `json:"run"`
	Steps []StepSummary  `json:"steps"`
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const runColumnList = `run_id, trace_id, pipeline_name, pipeline_version, status, started_at, ended_at,
	duration_ms, input, output, error_detail, tags, meta`

const stepSummaryColumnList = `s.step_id, s.run_id, s.parent_step_id, s.name, s.step_type, s.status,
	s.started_at, s.ended_at, s.duration_ms,
	m.candidates_in, m.candidates_captured, m.accepted_count, m.rejected_count, m.selected_count,
	m.rejection_rate`

// GetRun returns one run with its steps ordered by start time.
// Returns a NOT_FOUND error for an unknown id.
func (s *Store) GetRun(ctx context.Context, id string) (RunDetail, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT "+runColumnList+" FROM runs WHERE run_id = ?"), id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunDetail{}, trace.NewNotFoundError("run", id)
	}
	if err != nil {
		return RunDetail{}, fmt.Errorf("get run: %w", err)
	}

	steps, err := s.QuerySteps(ctx, StepFilter{RunID: id, Limit: MaxLimit})
	if err != nil {
		return RunDetail{}, fmt.Errorf("get run: %w", err)
	}

	return RunDetail{Run: run, Steps: steps}, nil
}

// ListRuns returns runs matching f, newest first.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]trace.RunEvent, error) {
	where, args := f.compile()
	query := "SELECT " + runColumnList + " FROM runs" + where +
		" ORDER BY started_at DESC, run_id" + s.dialect.binaryCollate + " ASC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []trace.RunEvent{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: iterate: %w", err)
	}
	return runs, nil
}

// QuerySteps returns step summaries matching f, ordered by start time then id.
func (s *Store) QuerySteps(ctx context.Context, f StepFilter) ([]StepSummary, error) {
	where, args := f.compile()
	query := "SELECT " + stepSummaryColumnList +
		" FROM steps s LEFT JOIN step_metrics m ON m.step_id = s.step_id" + where +
		" ORDER BY s.started_at ASC, s.step_id" + s.dialect.binaryCollate + " ASC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []StepSummary{}
	for rows.Next() {
		sum, err := scanStepSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("query steps: %w", err)
		}
		steps = append(steps, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query steps: iterate: %w", err)
	}
	return steps, nil
}

// GetStep returns the full stored step: fields, metrics, histogram, and the
// captured candidates and outcomes in delivery order.
// Returns a NOT_FOUND error for an unknown id.
func (s *Store) GetStep(ctx context.Context, id string) (trace.StepEvent, error) {
	var (
		st                                          trace.StepEvent
		parent, endedAt                             sql.NullString
		duration                                    sql.NullInt64
		input, output, reasoning, meta, errorDetail sql.NullString
		status, startedAt, policy                   string
		in, captured, accepted, rejected, selected  sql.NullInt64
		rate                                        sql.NullFloat64
		histogram                                   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT s.step_id, s.run_id, s.parent_step_id, s.name, s.step_type, s.status,
			s.started_at, s.ended_at, s.duration_ms,
			s.input, s.output, s.reasoning, s.meta, s.error_detail, s.capture_policy,
			m.candidates_in, m.candidates_captured, m.accepted_count, m.rejected_count, m.selected_count,
			m.rejection_rate, m.rejection_histogram
		FROM steps s LEFT JOIN step_metrics m ON m.step_id = s.step_id
		WHERE s.step_id = ?
	`), id).Scan(
		&st.StepID, &st.RunID, &parent, &st.Name, &st.StepType, &status,
		&startedAt, &endedAt, &duration,
		&input, &output, &reasoning, &meta, &errorDetail, &policy,
		&in, &captured, &accepted, &rejected, &selected,
		&rate, &histogram,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return trace.StepEvent{}, trace.NewNotFoundError("step", id)
	}
	if err != nil {
		return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
	}

	st.ParentStepID = parent.String
	st.Status = trace.Status(status)
	st.DurationMs = int64Ptr(duration)
	if st.StartedAt, err = parseTime(startedAt); err != nil {
		return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
	}
	if st.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
	}

	docs := []struct {
		field string
		src   sql.NullString
		dst   *trace.JSON
	}{
		{"input", input, &st.Input},
		{"output", output, &st.Output},
		{"reasoning", reasoning, &st.Reasoning},
		{"meta", meta, &st.Meta},
		{"error", errorDetail, &st.Error},
	}
	for _, d := range docs {
		if *d.dst, err = unmarshalJSON(d.field, d.src); err != nil {
			return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
		}
	}

	if err := unmarshalStruct("capture policy", policy, &st.CapturePolicy); err != nil {
		return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
	}

	st.Histogram = trace.RejectionHistogram{}
	if in.Valid {
		st.Metrics = trace.StepMetrics{
			CandidatesIn:       int(in.Int64),
			CandidatesCaptured: int(captured.Int64),
			AcceptedCount:      int(accepted.Int64),
			RejectedCount:      int(rejected.Int64),
			SelectedCount:      int(selected.Int64),
			RejectionRate:      rate.Float64,
		}
		if err := unmarshalStruct("histogram", histogram.String, &st.Histogram); err != nil {
			return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
		}
	}

	if st.Candidates, err = s.readCandidates(ctx, id); err != nil {
		return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
	}
	if st.Outcomes, err = s.readOutcomes(ctx, id); err != nil {
		return trace.StepEvent{}, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func (s *Store) readCandidates(ctx context.Context, stepID string) ([]trace.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT candidate_id, candidate_type, candidate_rank, score, payload, meta
		FROM candidates
		WHERE step_id = ?
		ORDER BY ordinal ASC, candidate_type`+s.dialect.binaryCollate+` ASC, candidate_id`+s.dialect.binaryCollate+` ASC
	`), stepID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	out := []trace.Candidate{}
	for rows.Next() {
		var (
			c             trace.Candidate
			rank          sql.NullInt64
			score         sql.NullFloat64
			payload, meta sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Type, &rank, &score, &payload, &meta); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Rank = intPtr(rank)
		c.Score = floatPtr(score)
		if c.Payload, err = unmarshalJSON("candidate payload", payload); err != nil {
			return nil, err
		}
		if c.Meta, err = unmarshalJSON("candidate meta", meta); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

func (s *Store) readOutcomes(ctx context.Context, stepID string) ([]trace.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT candidate_id, candidate_type, outcome, reason_code, reason_detail, reasoning_text
		FROM outcomes
		WHERE step_id = ?
		ORDER BY ordinal ASC, candidate_type`+s.dialect.binaryCollate+` ASC, candidate_id`+s.dialect.binaryCollate+` ASC, outcome ASC
	`), stepID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := []trace.Outcome{}
	for rows.Next() {
		var (
			o                 trace.Outcome
			kind              string
			reason, reasoning sql.NullString
			detail            sql.NullString
		)
		if err := rows.Scan(&o.CandidateID, &o.CandidateType, &kind, &reason, &detail, &reasoning); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Kind = trace.OutcomeKind(kind)
		o.ReasonCode = reason.String
		o.ReasoningText = reasoning.String
		if o.ReasonDetail, err = unmarshalJSON("reason detail", detail); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// scanRun scans a row selected with runColumnList.
func scanRun(row rowScanner) (trace.RunEvent, error) {
	var (
		r                                    trace.RunEvent
		traceID, version, endedAt            sql.NullString
		duration                             sql.NullInt64
		input, output, errorDetail, tags, mt sql.NullString
		status, startedAt                    string
	)
	if err := row.Scan(
		&r.RunID, &traceID, &r.PipelineName, &version, &status, &startedAt, &endedAt,
		&duration, &input, &output, &errorDetail, &tags, &mt,
	); err != nil {
		return trace.RunEvent{}, err
	}

	r.TraceID = traceID.String
	r.PipelineVersion = version.String
	r.Status = trace.Status(status)
	r.DurationMs = int64Ptr(duration)

	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return trace.RunEvent{}, err
	}
	if r.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return trace.RunEvent{}, err
	}
	if r.Input, err = unmarshalJSON("input", input); err != nil {
		return trace.RunEvent{}, err
	}
	if r.Output, err = unmarshalJSON("output", output); err != nil {
		return trace.RunEvent{}, err
	}
	if r.Error, err = unmarshalJSON("error", errorDetail); err != nil {
		return trace.RunEvent{}, err
	}
	if r.Tags, err = unmarshalJSON("tags", tags); err != nil {
		return trace.RunEvent{}, err
	}
	if r.Meta, err = unmarshalJSON("meta", mt); err != nil {
		return trace.RunEvent{}, err
	}
	return r, nil
}

// scanStepSummary scans a row selected with stepSummaryColumnList.
func scanStepSummary(row rowScanner) (StepSummary, error) {
	var (
		sum                                        StepSummary
		parent, endedAt                            sql.NullString
		duration                                   sql.NullInt64
		status, startedAt                          string
		in, captured, accepted, rejected, selected sql.NullInt64
		rate                                       sql.NullFloat64
	)
	if err := row.Scan(
		&sum.StepID, &sum.RunID, &parent, &sum.Name, &sum.StepType, &status,
		&startedAt, &endedAt, &duration,
		&in, &captured, &accepted, &rejected, &selected, &rate,
	); err != nil {
		return StepSummary{}, err
	}

	sum.ParentStepID = parent.String
	sum.Status = trace.Status(status)
	sum.DurationMs = int64Ptr(duration)

	var err error
	if sum.StartedAt, err = parseTime(startedAt); err != nil {
		return StepSummary{}, err
	}
	if sum.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return StepSummary{}, err
	}

	if in.Valid {
		sum.Metrics = &trace.StepMetrics{
			CandidatesIn:       int(in.Int64),
			CandidatesCaptured: int(captured.Int64),
			AcceptedCount:      int(accepted.Int64),
			RejectedCount:      int(rejected.Int64),
			SelectedCount:      int(selected.Int64),
			RejectionRate:      rate.Float64,
		}
	}
	return sum, nil
}
