package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/testutil"
	"github.com/roach88/steptrace/internal/trace"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := testutil.NewFakeClock(testutil.Epoch, time.Millisecond)
	s, err := Open(path, WithClock(clock.Now), WithLogger(logging.Discard()))
	require.NoError(t, err, "Open() failed")
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(offset time.Duration) time.Time {
	return testutil.Epoch.Add(offset)
}

func tsPtr(offset time.Duration) *time.Time {
	t := ts(offset)
	return &t
}

// createTestRun creates a running run with minimal required fields.
func createTestRun(id string) trace.RunEvent {
	return trace.RunEvent{
		RunID:        id,
		TraceID:      "trace-" + id,
		PipelineName: "recommend",
		Status:       trace.StatusRunning,
		StartedAt:    ts(0),
		Input:        trace.MustJSON(map[string]any{"user": "u-1"}),
	}
}

// endRun returns a terminal copy of r.
func endRun(r trace.RunEvent, status trace.Status) trace.RunEvent {
	r.Status = status
	r.EndedAt = tsPtr(2 * time.Second)
	r.DurationMs = trace.Int64(2000)
	return r
}

// createTestStep creates a finalized filter step with two candidates,
// one accepted and one rejected.
func createTestStep(id, runID string) trace.StepEvent {
	return trace.StepEvent{
		StepID:        id,
		RunID:         runID,
		Name:          "filter",
		StepType:      "filter",
		Status:        trace.StatusSuccess,
		StartedAt:     ts(100 * time.Millisecond),
		EndedAt:       tsPtr(300 * time.Millisecond),
		DurationMs:    trace.Int64(200),
		CapturePolicy: trace.CapturePolicy{Mode: trace.CaptureFull}.Normalized(),
		Metrics: trace.StepMetrics{
			CandidatesIn:       2,
			CandidatesCaptured: 2,
			AcceptedCount:      1,
			RejectedCount:      1,
			RejectionRate:      0.5,
		},
		Candidates: []trace.Candidate{
			{ID: "c1", Type: "item", Rank: trace.Int(1), Score: trace.Float(0.9)},
			{ID: "c2", Type: "item", Rank: trace.Int(2), Score: trace.Float(0.4),
				Payload: trace.MustJSON(map[string]any{"sku": "B-2"})},
		},
		Outcomes: []trace.Outcome{
			{CandidateID: "c1", CandidateType: "item", Kind: trace.OutcomeAccepted},
			{CandidateID: "c2", CandidateType: "item", Kind: trace.OutcomeRejected, ReasonCode: "LOW_SCORE"},
		},
		Histogram: trace.RejectionHistogram{"LOW_SCORE": 1},
	}
}

// countRows counts rows in table matching the step or run id column.
func countRows(t *testing.T, s *Store, table, column, id string) int {
	t.Helper()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE "+column+" = ?", id).Scan(&n)
	require.NoError(t, err)
	return n
}
