package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/steptrace/internal/trace"
)

// Disposition describes what an ingest did with a delivery.
type Disposition string

const (
	// DispositionCreated means the entity did not exist before.
	DispositionCreated Disposition = "created"
	// DispositionUpdated means mutable fields were overwritten.
	DispositionUpdated Disposition = "updated"
	// DispositionUnchanged means an identical delivery was already stored.
	DispositionUnchanged Disposition = "unchanged"
	// DispositionStale means a running delivery arrived after the entity
	// reached a terminal state; it was acknowledged and ignored.
	DispositionStale Disposition = "stale"
)

// IngestResult acknowledges one ingested event.
type IngestResult struct {
	Kind        trace.EventKind `json:"kind"`
	ID          string          `json:"id"`
	Disposition Disposition     `json:"disposition"`
}

// decision is the terminal-state guard's verdict for a delivery.
type decision int

const (
	decideWrite decision = iota
	decideUnchanged
	decideStale
	decideConflict
)

// decide applies terminal-state protection:
//   - an identical payload is a no-op
//   - a running record accepts any delivery
//   - a terminal record ignores a running delivery (stale)
//   - a terminal record accepts the same terminal status (field update)
//   - a different terminal status is a conflict
func decide(stored trace.Status, storedHash string, delivered trace.Status, hash string) decision {
	switch {
	case storedHash == hash:
		return decideUnchanged
	case !stored.IsTerminal():
		return decideWrite
	case delivered == trace.StatusRunning:
		return decideStale
	case delivered != stored:
		return decideConflict
	}
	return decideWrite
}

// terminalConflict builds the STORAGE_CONFLICT for a status flip.
func terminalConflict(entity, id string, stored, delivered trace.Status) error {
	return trace.NewStorageConflict(entity, id,
		fmt.Sprintf("%s is already %s, refusing transition to %s", entity, stored, delivered), nil)
}

// IngestEvent dispatches a run or step event to its ingest operation.
func (s *Store) IngestEvent(ctx context.Context, e trace.Event) (IngestResult, error) {
	switch {
	case e.Kind == trace.EventRun && e.Run != nil:
		return s.IngestRun(ctx, *e.Run)
	case e.Kind == trace.EventStep && e.Step != nil:
		return s.IngestStep(ctx, *e.Step)
	}
	return IngestResult{}, trace.NewValidationError("invalid event",
		trace.FieldError{Path: "kind", Message: fmt.Sprintf("unsupported event kind %q or missing payload", e.Kind)})
}

// IngestRun applies one run delivery atomically and idempotently.
//
// The run id is the idempotency key. Creation fields (trace id, pipeline
// name and version, start time, input) are fixed by the first delivery;
// later deliveries update status, end time, duration, output, error, tags
// and meta, subject to terminal-state protection.
func (s *Store) IngestRun(ctx context.Context, r trace.RunEvent) (IngestResult, error) {
	result := IngestResult{Kind: trace.EventRun, ID: r.RunID}

	if r.RunID == "" || !r.Status.Valid() {
		return result, trace.NewValidationError("invalid run",
			trace.FieldError{Path: "run_id/status", Message: "run id and a valid status are required"})
	}

	hash, err := trace.RunHash(r)
	if err != nil {
		return result, fmt.Errorf("ingest run: %w", err)
	}
	cols, err := runColumns(r)
	if err != nil {
		return result, fmt.Errorf("ingest run: %w", err)
	}
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("ingest run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	disp, proceed, err := s.guard(ctx, tx, "runs", "run_id", "run", r.RunID, r.Status, hash)
	if err != nil || !proceed {
		result.Disposition = disp
		return result, err
	}

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO runs
		(run_id, trace_id, pipeline_name, pipeline_version, status, started_at, ended_at, duration_ms,
		 input, output, error_detail, tags, meta, payload_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			output = excluded.output,
			error_detail = excluded.error_detail,
			tags = excluded.tags,
			meta = excluded.meta,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
		WHERE runs.status = 'running' OR runs.status = excluded.status
	`),
		r.RunID,
		nullString(r.TraceID),
		r.PipelineName,
		nullString(r.PipelineVersion),
		string(r.Status),
		formatTime(r.StartedAt),
		formatTimePtr(r.EndedAt),
		nullInt64(r.DurationMs),
		cols.input,
		cols.output,
		cols.errorDetail,
		cols.tags,
		cols.meta,
		hash,
		now,
		now,
	)
	if err != nil {
		return result, wrapWriteErr("ingest run: upsert", "run", r.RunID, err)
	}
	if blocked, err := upsertBlocked(res); err != nil {
		return result, fmt.Errorf("ingest run: rows affected: %w", err)
	} else if blocked {
		// A concurrent writer committed first; re-evaluate against its row.
		result.Disposition, err = s.resolveBlocked(ctx, tx, "runs", "run_id", "run", r.RunID, r.Status, hash)
		if err != nil {
			return result, err
		}
		return result, tx.Commit()
	}

	if err := tx.Commit(); err != nil {
		return result, wrapWriteErr("ingest run: commit", "run", r.RunID, err)
	}

	result.Disposition = disp
	s.logger.Debug("run ingested", "run_id", r.RunID, "status", r.Status, "disposition", disp)
	return result, nil
}

// IngestStep applies one step delivery as a single transaction covering the
// step row, its metrics row, and its candidate and outcome rows. Either all
// of them are written or none.
//
// Idempotency keys: step id for the step and metrics rows;
// (step id, candidate type, candidate id) for candidates;
// (step id, candidate type, candidate id, outcome kind) for outcomes.
func (s *Store) IngestStep(ctx context.Context, st trace.StepEvent) (IngestResult, error) {
	result := IngestResult{Kind: trace.EventStep, ID: st.StepID}

	if st.StepID == "" || st.RunID == "" || !st.Status.Valid() {
		return result, trace.NewValidationError("invalid step",
			trace.FieldError{Path: "step_id/run_id/status", Message: "step id, run id and a valid status are required"})
	}

	hash, err := trace.StepHash(st)
	if err != nil {
		return result, fmt.Errorf("ingest step: %w", err)
	}
	cols, err := stepColumns(st)
	if err != nil {
		return result, fmt.Errorf("ingest step: %w", err)
	}
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("ingest step: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	disp, proceed, err := s.guard(ctx, tx, "steps", "step_id", "step", st.StepID, st.Status, hash)
	if err != nil || !proceed {
		result.Disposition = disp
		return result, err
	}

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO steps
		(step_id, run_id, parent_step_id, name, step_type, status, started_at, ended_at, duration_ms,
		 input, output, reasoning, meta, error_detail, capture_policy, payload_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (step_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			input = excluded.input,
			output = excluded.output,
			reasoning = excluded.reasoning,
			meta = excluded.meta,
			error_detail = excluded.error_detail,
			capture_policy = excluded.capture_policy,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
		WHERE steps.status = 'running' OR steps.status = excluded.status
	`),
		st.StepID,
		st.RunID,
		nullString(st.ParentStepID),
		st.Name,
		st.StepType,
		string(st.Status),
		formatTime(st.StartedAt),
		formatTimePtr(st.EndedAt),
		nullInt64(st.DurationMs),
		cols.input,
		cols.output,
		cols.reasoning,
		cols.meta,
		cols.errorDetail,
		cols.policy,
		hash,
		now,
		now,
	)
	if err != nil {
		return result, wrapWriteErr("ingest step: upsert step", "step", st.StepID, err)
	}
	if blocked, err := upsertBlocked(res); err != nil {
		return result, fmt.Errorf("ingest step: rows affected: %w", err)
	} else if blocked {
		result.Disposition, err = s.resolveBlocked(ctx, tx, "steps", "step_id", "step", st.StepID, st.Status, hash)
		if err != nil {
			return result, err
		}
		return result, tx.Commit()
	}

	if err := s.writeMetrics(ctx, tx, st, cols.histogram); err != nil {
		return result, wrapWriteErr("ingest step: metrics", "step", st.StepID, err)
	}
	if err := s.writeCandidates(ctx, tx, st); err != nil {
		return result, wrapWriteErr("ingest step: candidates", "step", st.StepID, err)
	}
	if err := s.writeOutcomes(ctx, tx, st); err != nil {
		return result, wrapWriteErr("ingest step: outcomes", "step", st.StepID, err)
	}

	if err := tx.Commit(); err != nil {
		return result, wrapWriteErr("ingest step: commit", "step", st.StepID, err)
	}

	result.Disposition = disp
	s.logger.Debug("step ingested",
		"step_id", st.StepID,
		"run_id", st.RunID,
		"status", st.Status,
		"candidates", len(st.Candidates),
		"outcomes", len(st.Outcomes),
		"disposition", disp,
	)
	return result, nil
}

// guard reads (and on Postgres locks) the stored row and decides whether
// the upsert should run. When proceed is false the returned disposition is
// the final answer.
func (s *Store) guard(ctx context.Context, tx *sql.Tx, table, key, entity, id string, delivered trace.Status, hash string) (disp Disposition, proceed bool, err error) {
	stored, storedHash, found, err := s.lockRow(ctx, tx, table, key, id)
	if err != nil {
		return "", false, fmt.Errorf("ingest %s: read existing: %w", entity, err)
	}
	if !found {
		return DispositionCreated, true, nil
	}

	switch decide(stored, storedHash, delivered, hash) {
	case decideUnchanged:
		return DispositionUnchanged, false, nil
	case decideStale:
		s.logger.Info("ignoring stale running delivery", "entity", entity, "id", id, "stored_status", stored)
		return DispositionStale, false, nil
	case decideConflict:
		return "", false, terminalConflict(entity, id, stored, delivered)
	}
	return DispositionUpdated, true, nil
}

// resolveBlocked classifies an upsert whose guard clause matched no row,
// which only happens when a concurrent transaction committed the same id
// between our read and our write.
func (s *Store) resolveBlocked(ctx context.Context, tx *sql.Tx, table, key, entity, id string, delivered trace.Status, hash string) (Disposition, error) {
	stored, storedHash, found, err := s.lockRow(ctx, tx, table, key, id)
	if err != nil {
		return "", fmt.Errorf("ingest %s: re-read existing: %w", entity, err)
	}
	if !found {
		return "", fmt.Errorf("ingest %s: %s disappeared during upsert", entity, id)
	}
	switch decide(stored, storedHash, delivered, hash) {
	case decideUnchanged:
		return DispositionUnchanged, nil
	case decideStale:
		return DispositionStale, nil
	}
	return "", terminalConflict(entity, id, stored, delivered)
}

// lockRow returns the stored status and payload hash for an id.
func (s *Store) lockRow(ctx context.Context, tx *sql.Tx, table, key, id string) (trace.Status, string, bool, error) {
	var status, hash string
	err := tx.QueryRowContext(ctx,
		s.dialect.rebind("SELECT status, payload_hash FROM "+table+" WHERE "+key+" = ?"+s.dialect.lockClause),
		id,
	).Scan(&status, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return trace.Status(status), hash, true, nil
}

// upsertBlocked reports whether an upsert touched no row.
func upsertBlocked(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Store) writeMetrics(ctx context.Context, tx *sql.Tx, st trace.StepEvent, histogram string) error {
	m := st.Metrics
	_, err := tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO step_metrics
		(step_id, candidates_in, candidates_captured, accepted_count, rejected_count, selected_count,
		 rejection_rate, rejection_histogram)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (step_id) DO UPDATE SET
			candidates_in = excluded.candidates_in,
			candidates_captured = excluded.candidates_captured,
			accepted_count = excluded.accepted_count,
			rejected_count = excluded.rejected_count,
			selected_count = excluded.selected_count,
			rejection_rate = excluded.rejection_rate,
			rejection_histogram = excluded.rejection_histogram
	`),
		st.StepID,
		m.CandidatesIn,
		m.CandidatesCaptured,
		m.AcceptedCount,
		m.RejectedCount,
		m.SelectedCount,
		m.RejectionRate,
		histogram,
	)
	return err
}

func (s *Store) writeCandidates(ctx context.Context, tx *sql.Tx, st trace.StepEvent) error {
	if len(st.Candidates) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`
		INSERT INTO candidates
		(step_id, candidate_type, candidate_id, candidate_rank, score, payload, meta, ordinal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (step_id, candidate_type, candidate_id) DO UPDATE SET
			candidate_rank = excluded.candidate_rank,
			score = excluded.score,
			payload = excluded.payload,
			meta = excluded.meta
	`))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, c := range st.Candidates {
		payload, err := marshalJSON("candidate payload", c.Payload)
		if err != nil {
			return err
		}
		meta, err := marshalJSON("candidate meta", c.Meta)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			st.StepID, c.Type, c.ID, nullInt(c.Rank), nullFloat(c.Score), payload, meta, i,
		); err != nil {
			return fmt.Errorf("candidate %s/%s: %w", c.Type, c.ID, err)
		}
	}
	return nil
}

func (s *Store) writeOutcomes(ctx context.Context, tx *sql.Tx, st trace.StepEvent) error {
	if len(st.Outcomes) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`
		INSERT INTO outcomes
		(step_id, candidate_type, candidate_id, outcome, reason_code, reason_detail, reasoning_text, ordinal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (step_id, candidate_type, candidate_id, outcome) DO UPDATE SET
			reason_code = excluded.reason_code,
			reason_detail = excluded.reason_detail,
			reasoning_text = excluded.reasoning_text
	`))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, o := range st.Outcomes {
		detail, err := marshalJSON("reason detail", o.ReasonDetail)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			st.StepID, o.CandidateType, o.CandidateID, string(o.Kind),
			nullString(o.ReasonCode), detail, nullString(o.ReasoningText), i,
		); err != nil {
			return fmt.Errorf("outcome %s/%s/%s: %w", o.CandidateType, o.CandidateID, o.Kind, err)
		}
	}
	return nil
}

// runCols holds the serialized JSON columns of a run.
type runCols struct {
	input, output, errorDetail, tags, meta sql.NullString
}

func runColumns(r trace.RunEvent) (runCols, error) {
	var c runCols
	var err error
	if c.input, err = marshalJSON("input", r.Input); err != nil {
		return c, err
	}
	if c.output, err = marshalJSON("output", r.Output); err != nil {
		return c, err
	}
	if c.errorDetail, err = marshalJSON("error", r.Error); err != nil {
		return c, err
	}
	if c.tags, err = marshalJSON("tags", r.Tags); err != nil {
		return c, err
	}
	if c.meta, err = marshalJSON("meta", r.Meta); err != nil {
		return c, err
	}
	return c, nil
}

// stepCols holds the serialized JSON columns of a step.
type stepCols struct {
	input, output, reasoning, meta, errorDetail sql.NullString
	policy, histogram                           string
}

func stepColumns(st trace.StepEvent) (stepCols, error) {
	var c stepCols
	var err error
	if c.input, err = marshalJSON("input", st.Input); err != nil {
		return c, err
	}
	if c.output, err = marshalJSON("output", st.Output); err != nil {
		return c, err
	}
	if c.reasoning, err = marshalJSON("reasoning", st.Reasoning); err != nil {
		return c, err
	}
	if c.meta, err = marshalJSON("meta", st.Meta); err != nil {
		return c, err
	}
	if c.errorDetail, err = marshalJSON("error", st.Error); err != nil {
		return c, err
	}
	if c.policy, err = marshalStruct("capture policy", st.CapturePolicy); err != nil {
		return c, err
	}
	histogram := st.Histogram
	if histogram == nil {
		histogram = trace.RejectionHistogram{}
	}
	if c.histogram, err = marshalStruct("histogram", histogram); err != nil {
		return c, err
	}
	return c, nil
}
