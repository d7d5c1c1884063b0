package cli

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/server"
	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/validate"
)

func TestDemo_Local(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "--format", "json", "demo", "--db", db, "--candidates", "60", "--top-k", "5")
	require.NoError(t, err)
	result := decodeData[DemoResult](t, out)
	require.Len(t, result.Steps, 5)
	assert.False(t, result.Remote)
	// run start + five steps + run end
	assert.Equal(t, int64(7), result.Delivery.Delivered)
	assert.Zero(t, result.Delivery.Pending)

	st := openDB(t, db)
	ctx := context.Background()

	detail, err := st.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, trace.StatusSuccess, detail.Run.Status)
	assert.Equal(t, "demo-recommend", detail.Run.PipelineName)
	require.Len(t, detail.Steps, 5)

	byName := make(map[string]store.StepSummary)
	for _, s := range detail.Steps {
		byName[s.Name] = s
	}
	assert.Equal(t, byName["filter"].StepID, byName["dedupe"].ParentStepID)

	retrieve := byName["retrieve"]
	require.NotNil(t, retrieve.Metrics)
	assert.Equal(t, 60, retrieve.Metrics.CandidatesIn)
	assert.Zero(t, retrieve.Metrics.RejectedCount)

	sel, err := st.GetStep(ctx, byName["select"].StepID)
	require.NoError(t, err)
	assert.Equal(t, 5, sel.Metrics.SelectedCount)
	assert.Equal(t, sel.Metrics.RejectedCount, sel.Histogram.Total())

	filter, err := st.GetStep(ctx, byName["filter"].StepID)
	require.NoError(t, err)
	assert.Equal(t, filter.Metrics.RejectedCount, filter.Histogram.Total())
	assert.Contains(t, filter.Histogram, "OUT_OF_STOCK")
}

func TestDemo_SummaryOnlyKeepsOnlySelections(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "--format", "json", "demo", "--db", db, "--candidates", "40", "--mode", "summary_only")
	require.NoError(t, err)
	result := decodeData[DemoResult](t, out)

	st := openDB(t, db)
	for _, id := range result.Steps {
		step, err := st.GetStep(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, step.Candidates, "step %s", step.Name)
		// Selected outcomes are kept under every policy.
		for _, o := range step.Outcomes {
			assert.Equal(t, trace.OutcomeSelected, o.Kind, "step %s", step.Name)
		}
		assert.Equal(t, step.Metrics.RejectedCount, step.Histogram.Total())
	}
}

func TestDemo_Deterministic(t *testing.T) {
	db1, db2 := tempDB(t), tempDB(t)

	_, err := execute(t, "demo", "--db", db1, "--seed", "7", "--candidates", "30")
	require.NoError(t, err)
	_, err = execute(t, "demo", "--db", db2, "--seed", "7", "--candidates", "30")
	require.NoError(t, err)

	rate := func(db string) []float64 {
		steps, err := openDB(t, db).QuerySteps(context.Background(), store.StepFilter{})
		require.NoError(t, err)
		var rates []float64
		for _, s := range steps {
			rates = append(rates, s.Metrics.RejectionRate)
		}
		return rates
	}
	assert.Equal(t, rate(db1), rate(db2))
}

func TestDemo_Remote(t *testing.T) {
	st := openDB(t, tempDB(t))
	gw, err := validate.New()
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(st, gw, server.WithLogger(logging.Discard())))
	defer srv.Close()

	out, err := execute(t, "--format", "json", "demo", "--endpoint", srv.URL, "--candidates", "20")
	require.NoError(t, err)
	result := decodeData[DemoResult](t, out)
	assert.True(t, result.Remote)

	detail, err := st.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Len(t, detail.Steps, 5)
}

func TestDemo_InvalidMode(t *testing.T) {
	_, err := execute(t, "demo", "--db", tempDB(t), "--mode", "everything")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
