package recorder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/steptrace/internal/batch"
	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/testutil"
	"github.com/roach88/steptrace/internal/trace"
)

type fixture struct {
	client *Client
	queue  *batch.Queue
	clock  *testutil.FakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	q := batch.NewQueue(100, batch.WithQueueLogger(logging.Discard()))
	clock := testutil.NewFakeClock(testutil.Epoch, 10*time.Millisecond)
	base := []Option{
		WithIDGenerator(NewSequenceGenerator("id")),
		WithClock(clock.Now),
		WithLogger(logging.Discard()),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	}
	return &fixture{
		client: New(q, append(base, opts...)...),
		queue:  q,
		clock:  clock,
	}
}

func (f *fixture) events() []trace.Event {
	return f.queue.Drain(f.queue.Len())
}

func (f *fixture) startRun(t *testing.T) *Run {
	t.Helper()
	run, err := f.client.StartRun(context.Background(), RunOptions{PipelineName: "ranker", TraceID: "trace-1"})
	require.NoError(t, err)
	return run
}

func candidates(n int) []trace.Candidate {
	out := make([]trace.Candidate, n)
	for i := range out {
		out[i] = trace.Candidate{ID: fmt.Sprintf("c%d", i), Type: "doc", Rank: trace.Int(i + 1)}
	}
	return out
}

func TestStartRun_EmitsRunningEvent(t *testing.T) {
	f := newFixture(t)
	run, err := f.client.StartRun(context.Background(), RunOptions{
		PipelineName:    "ranker",
		PipelineVersion: "v2",
		TraceID:         "trace-1",
		Input:           map[string]any{"query": "shoes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", run.ID())
	assert.Equal(t, "trace-1", run.TraceID())

	events := f.events()
	require.Len(t, events, 1)
	require.Equal(t, trace.EventRun, events[0].Kind)

	ev := events[0].Run
	assert.Equal(t, trace.StatusRunning, ev.Status)
	assert.Equal(t, testutil.Epoch, ev.StartedAt)
	assert.Nil(t, ev.EndedAt)
	assert.Equal(t, trace.MustJSON(map[string]any{"query": "shoes"}), ev.Input)
	assert.True(t, ev.Output.IsZero())
}

func TestStartRun_RequiresPipelineName(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.StartRun(context.Background(), RunOptions{})
	assert.True(t, trace.IsValidationError(err))
	assert.Equal(t, 0, f.queue.Len())
}

func TestStartRun_UsesExplicitID(t *testing.T) {
	f := newFixture(t)
	run, err := f.client.StartRun(context.Background(), RunOptions{RunID: "custom", PipelineName: "p"})
	require.NoError(t, err)
	assert.Equal(t, "custom", run.ID())
}

func TestStep_FinalizeTopKScenario(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	f.events()

	step := run.StartStep("rank", "ranker", WithPolicy(trace.CapturePolicy{Mode: trace.CaptureTopK, TopK: trace.Int(10)}))
	all := candidates(250)
	step.AddCandidates(all[:100]...)
	step.AddCandidates(all[100:]...)
	for i := 0; i < 30; i++ {
		step.RecordOutcome(trace.OutcomeRejected, all[249-i].ID, "doc", WithReason("LOW_SCORE"))
	}
	require.NoError(t, step.SetReasoning("kept the best ten"))

	ev, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)

	require.Len(t, ev.Candidates, 10)
	for i, c := range ev.Candidates {
		assert.Equal(t, i+1, *c.Rank)
	}
	assert.Equal(t, trace.RejectionHistogram{"LOW_SCORE": 30}, ev.Histogram)
	assert.Equal(t, 0.12, ev.Metrics.RejectionRate)
	assert.Equal(t, 250, ev.Metrics.CandidatesIn)
	assert.Equal(t, 10, ev.Metrics.CandidatesCaptured)
	assert.Equal(t, 30, ev.Metrics.RejectedCount)
	assert.Empty(t, ev.Outcomes, "rejections of uncaptured candidates are not retained")
	assert.Equal(t, trace.MustJSON("kept the best ten"), ev.Reasoning)

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, trace.EventStep, events[0].Kind)
	assert.Equal(t, ev, *events[0].Step)
}

func TestStep_DoubleFinalize(t *testing.T) {
	f := newFixture(t)
	step := f.startRun(t).StartStep("filter", "filter")
	f.events()

	_, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.queue.Len())

	_, err = step.Finalize(trace.StatusError, "again")
	require.Error(t, err)
	assert.ErrorIs(t, err, trace.ErrStepAlreadyFinalized)

	var te *trace.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, step.ID(), te.ID)

	assert.Equal(t, 1, f.queue.Len(), "second finalize must not emit")
}

func TestStep_FinalizeRequiresTerminalStatus(t *testing.T) {
	f := newFixture(t)
	step := f.startRun(t).StartStep("filter", "filter")
	f.events()

	_, err := step.Finalize(trace.StatusRunning, nil)
	assert.True(t, trace.IsValidationError(err))
	assert.Equal(t, 0, f.queue.Len())

	_, err = step.Finalize(trace.StatusError, map[string]string{"message": "boom"})
	require.NoError(t, err)
}

func TestStep_MutationsAfterFinalizeIgnored(t *testing.T) {
	f := newFixture(t)
	step := f.startRun(t).StartStep("filter", "filter")
	step.AddCandidates(candidates(2)...)
	ev, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)

	step.AddCandidates(candidates(5)...)
	step.RecordOutcome(trace.OutcomeAccepted, "c0", "doc")
	require.NoError(t, step.SetOutput("late"))

	assert.Equal(t, 2, ev.Metrics.CandidatesIn)
	assert.True(t, ev.Output.IsZero())
	assert.Len(t, ev.Candidates, 2)
}

func TestStep_UnknownOutcomeKindDropped(t *testing.T) {
	f := newFixture(t)
	step := f.startRun(t).StartStep("filter", "filter")
	step.AddCandidates(candidates(1)...)
	step.RecordOutcome("maybe", "c0", "doc")
	step.RecordOutcome(trace.OutcomeAccepted, "c0", "doc")

	ev, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Metrics.AcceptedCount)
	assert.Len(t, ev.Outcomes, 1)
}

func TestStep_DuplicatesPreserved(t *testing.T) {
	f := newFixture(t)
	step := f.startRun(t).StartStep("dedupe", "filter", WithPolicy(trace.CapturePolicy{Mode: trace.CaptureFull}))
	c := candidates(1)
	step.AddCandidates(c...)
	step.AddCandidates(c...)

	ev, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Metrics.CandidatesIn)
	assert.Len(t, ev.Candidates, 2)
}

func TestStep_SampleModeUsesBoundedReservoir(t *testing.T) {
	f := newFixture(t)
	step := f.startRun(t).StartStep("sample", "retrieval",
		WithPolicy(trace.CapturePolicy{Mode: trace.CaptureSample, SampleN: trace.Int(20)}))

	all := candidates(1000)
	for i := 0; i < len(all); i += 100 {
		step.AddCandidates(all[i : i+100]...)
	}
	for _, c := range all[:40] {
		step.RecordOutcome(trace.OutcomeRejected, c.ID, c.Type)
	}
	step.RecordOutcome(trace.OutcomeSelected, "c999", "doc")

	ev, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)

	assert.Len(t, ev.Candidates, 20)
	assert.Equal(t, 1000, ev.Metrics.CandidatesIn)
	assert.Equal(t, 20, ev.Metrics.CandidatesCaptured)
	assert.Equal(t, trace.RejectionHistogram{trace.UnknownReason: 40}, ev.Histogram)
	assert.Contains(t, ev.Outcomes, trace.Outcome{CandidateID: "c999", CandidateType: "doc", Kind: trace.OutcomeSelected})
	assert.Equal(t, trace.CaptureSample, ev.CapturePolicy.Mode)
}

func TestStep_SummaryOnlyKeepsSelected(t *testing.T) {
	f := newFixture(t, WithDefaultPolicy(trace.CapturePolicy{Mode: trace.CaptureSummaryOnly}))
	step := f.startRun(t).StartStep("pick", "selector")
	step.AddCandidates(candidates(3)...)
	step.RecordOutcome(trace.OutcomeAccepted, "c0", "doc")
	step.RecordOutcome(trace.OutcomeSelected, "c1", "doc", WithReasoningText("best"))

	ev, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)
	assert.Empty(t, ev.Candidates)
	assert.NotNil(t, ev.Candidates)
	require.Len(t, ev.Outcomes, 1)
	assert.Equal(t, "best", ev.Outcomes[0].ReasoningText)
}

func TestStep_TimingAndPolicySnapshot(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	step := run.StartStep("t", "t")
	ev, err := step.Finalize(trace.StatusSuccess, nil)
	require.NoError(t, err)

	assert.Equal(t, testutil.Epoch.Add(10*time.Millisecond), ev.StartedAt)
	require.NotNil(t, ev.EndedAt)
	assert.Equal(t, testutil.Epoch.Add(20*time.Millisecond), *ev.EndedAt)
	require.NotNil(t, ev.DurationMs)
	assert.Equal(t, int64(10), *ev.DurationMs)

	assert.Equal(t, trace.CaptureThreshold, ev.CapturePolicy.Mode)
	require.NotNil(t, ev.CapturePolicy.TopK)
	assert.Equal(t, trace.DefaultTopK, *ev.CapturePolicy.TopK)
}

func TestStep_ChildAndContext(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	parent := run.StartStep("outer", "pipeline")
	child := parent.StartChild("inner", "filter")
	assert.Equal(t, parent.ID(), child.ParentID())
	assert.Equal(t, "", parent.ParentID())

	ctx := WithRun(context.Background(), run)
	top, ok := StartStep(ctx, "top", "t")
	require.True(t, ok)
	assert.Equal(t, "", top.ParentID())

	nested, ok := StartStep(WithStep(ctx, parent), "nested", "t")
	require.True(t, ok)
	assert.Equal(t, parent.ID(), nested.ParentID())

	_, ok = StartStep(context.Background(), "orphan", "t")
	assert.False(t, ok)
}

func TestRun_StepSugar(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	f.events()

	boom := errors.New("boom")
	err := run.Step(context.Background(), "outer", "pipeline", func(ctx context.Context, outer *Step) error {
		return run.Step(ctx, "inner", "filter", func(ctx context.Context, inner *Step) error {
			assert.Equal(t, outer.ID(), inner.ParentID())
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	events := f.events()
	require.Len(t, events, 2)
	inner, outer := events[0].Step, events[1].Step
	assert.Equal(t, "inner", inner.Name)
	assert.Equal(t, trace.StatusError, inner.Status)
	assert.Equal(t, trace.MustJSON(map[string]any{"message": "boom"}), inner.Error)
	assert.Equal(t, "outer", outer.Name)
	assert.Equal(t, trace.StatusError, outer.Status)
}

func TestRun_StepSugarToleratesManualFinalize(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)

	err := run.Step(context.Background(), "manual", "t", func(_ context.Context, s *Step) error {
		_, err := s.Finalize(trace.StatusSuccess, nil)
		return err
	})
	assert.NoError(t, err)
}

func TestRun_EndOnce(t *testing.T) {
	f := newFixture(t)
	run := f.startRun(t)
	require.NoError(t, run.SetOutput(map[string]int{"selected": 3}))
	f.events()

	require.NoError(t, run.End(trace.StatusSuccess, nil))
	assert.ErrorIs(t, run.End(trace.StatusError, nil), ErrRunAlreadyEnded)
	assert.True(t, trace.IsValidationError(run.End(trace.StatusRunning, nil)))

	events := f.events()
	require.Len(t, events, 1)
	ev := events[0].Run
	assert.Equal(t, trace.StatusSuccess, ev.Status)
	assert.Equal(t, "ranker", ev.PipelineName)
	assert.Equal(t, "trace-1", ev.TraceID)
	assert.Equal(t, trace.MustJSON(map[string]int{"selected": 3}), ev.Output)
	require.NotNil(t, ev.DurationMs)
	assert.Equal(t, int64(10), *ev.DurationMs)
}

func TestClient_Trace(t *testing.T) {
	f := newFixture(t)

	err := f.client.Trace(context.Background(), RunOptions{PipelineName: "p"}, func(ctx context.Context, run *Run) error {
		got, ok := RunFromContext(ctx)
		require.True(t, ok)
		assert.Same(t, run, got)

		step, ok := StartStep(ctx, "s", "t")
		require.True(t, ok)
		_, err := step.Finalize(trace.StatusSuccess, nil)
		return err
	})
	require.NoError(t, err)

	events := f.events()
	require.Len(t, events, 3)
	assert.Equal(t, trace.StatusRunning, events[0].Run.Status)
	assert.Equal(t, trace.EventStep, events[1].Kind)
	assert.Equal(t, trace.StatusSuccess, events[2].Run.Status)
}

func TestClient_TraceReportsFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("pipeline failed")

	err := f.client.Trace(context.Background(), RunOptions{PipelineName: "p"}, func(context.Context, *Run) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	events := f.events()
	require.Len(t, events, 2)
	assert.Equal(t, trace.StatusError, events[1].Run.Status)
	assert.Equal(t, trace.MustJSON(map[string]any{"message": "pipeline failed"}), events[1].Run.Error)
}

func TestRunFromContext_Empty(t *testing.T) {
	_, ok := RunFromContext(context.Background())
	assert.False(t, ok)
	_, ok = StepFromContext(context.Background())
	assert.False(t, ok)
}
