package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/testutil"
	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/transport"
	"github.com/roach88/steptrace/internal/validate"
)

type fixture struct {
	store *store.Store
	srv   *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"), store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw, err := validate.New()
	require.NoError(t, err)

	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	srv := httptest.NewServer(New(st, gw, opts...))
	t.Cleanup(srv.Close)
	return &fixture{store: st, srv: srv}
}

func at(offset time.Duration) time.Time {
	return testutil.Epoch.Add(offset)
}

func testRun(id string) trace.RunEvent {
	return trace.RunEvent{
		RunID:        id,
		TraceID:      "trace-" + id,
		PipelineName: "recommend",
		Status:       trace.StatusRunning,
		StartedAt:    at(0),
	}
}

// testStep builds a SUMMARY_ONLY step over four candidates, with the
// given number rejected for OOS.
func testStep(id, runID string, rejected int) trace.StepEvent {
	end := at(time.Second)
	in := 4
	hist := trace.RejectionHistogram{}
	if rejected > 0 {
		hist["OOS"] = rejected
	}
	return trace.StepEvent{
		StepID:        id,
		RunID:         runID,
		Name:          "filter",
		StepType:      "filter",
		Status:        trace.StatusSuccess,
		StartedAt:     at(0),
		EndedAt:       &end,
		DurationMs:    trace.Int64(1000),
		CapturePolicy: trace.CapturePolicy{Mode: trace.CaptureSummaryOnly}.Normalized(),
		Metrics: trace.StepMetrics{
			CandidatesIn:  in,
			RejectedCount: rejected,
			RejectionRate: trace.RejectionRate(rejected, in),
		},
		Candidates: []trace.Candidate{},
		Outcomes:   []trace.Outcome{},
		Histogram:  hist,
	}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestIngestRun(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/runs", testRun("run-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[store.IngestResult](t, resp)
	assert.Equal(t, store.IngestResult{Kind: trace.EventRun, ID: "run-1", Disposition: store.DispositionCreated}, res)

	resp = f.post(t, "/v1/runs", testRun("run-1"))
	assert.Equal(t, store.DispositionUnchanged, decode[store.IngestResult](t, resp).Disposition)
}

func TestIngestRun_ValidationError(t *testing.T) {
	f := newFixture(t)
	r := testRun("run-1")
	r.PipelineName = ""

	resp := f.post(t, "/v1/runs", r)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, string(trace.ErrCodeValidation), body.Error.Code)
	require.NotEmpty(t, body.Error.Fields)
	assert.Equal(t, "pipeline_name", body.Error.Fields[0].Path)
}

func TestIngestRun_TerminalConflict(t *testing.T) {
	f := newFixture(t)
	r := testRun("run-1")
	r.Status = trace.StatusSuccess
	require.Equal(t, http.StatusOK, f.post(t, "/v1/runs", r).StatusCode)

	r.Status = trace.StatusError
	resp := f.post(t, "/v1/runs", r)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(trace.ErrCodeStorageConflict), decode[ErrorBody](t, resp).Error.Code)
}

func TestIngestStep(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/steps", testStep("step-1", "run-1", 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.DispositionCreated, decode[store.IngestResult](t, resp).Disposition)

	got, err := f.store.GetStep(context.Background(), "step-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metrics.RejectedCount)
	assert.Equal(t, trace.RejectionHistogram{"OOS": 2}, got.Histogram)
}

func TestIngestStep_SemanticError(t *testing.T) {
	f := newFixture(t)
	s := testStep("step-1", "run-1", 2)
	s.Histogram["OOS"] = 3

	resp := f.post(t, "/v1/steps", s)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, "rejection_histogram", body.Error.Fields[0].Path)
}

func TestIngestBatch(t *testing.T) {
	f := newFixture(t)
	batch := trace.Batch{Events: []trace.Event{
		trace.NewRunEvent(testRun("run-1")),
		trace.NewStepEvent(testStep("step-1", "run-1", 1)),
		trace.NewRunEvent(testRun("run-1")),
	}}

	resp := f.post(t, "/v1/batch", batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[BatchResponse](t, resp)
	assert.Equal(t, []EventResult{
		{Kind: trace.EventRun, ID: "run-1", Disposition: store.DispositionCreated},
		{Kind: trace.EventStep, ID: "step-1", Disposition: store.DispositionCreated},
		{Kind: trace.EventRun, ID: "run-1", Disposition: store.DispositionUnchanged},
	}, got.Results)
}

func TestIngestBatch_ConflictIsPerEvent(t *testing.T) {
	f := newFixture(t)
	done := testRun("run-1")
	done.Status = trace.StatusSuccess
	_, err := f.store.IngestRun(context.Background(), done)
	require.NoError(t, err)

	failed := done
	failed.Status = trace.StatusError
	batch := trace.Batch{Events: []trace.Event{
		trace.NewRunEvent(failed),
		trace.NewStepEvent(testStep("step-1", "run-1", 0)),
	}}

	resp := f.post(t, "/v1/batch", batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[BatchResponse](t, resp)
	require.Len(t, got.Results, 2)
	require.NotNil(t, got.Results[0].Error)
	assert.Equal(t, string(trace.ErrCodeStorageConflict), got.Results[0].Error.Code)
	assert.Equal(t, store.DispositionCreated, got.Results[1].Disposition)
}

func TestIngestBatch_InvalidEventRejectsBatch(t *testing.T) {
	f := newFixture(t)
	bad := testRun("run-2")
	bad.Status = "paused"
	batch := trace.Batch{Events: []trace.Event{
		trace.NewRunEvent(testRun("run-1")),
		trace.NewRunEvent(bad),
	}}

	resp := f.post(t, "/v1/batch", batch)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := f.store.GetRun(context.Background(), "run-1")
	assert.True(t, trace.IsNotFound(err), "nothing from a rejected batch is written")
}

func TestIngestBatch_ZstdThroughTransport(t *testing.T) {
	f := newFixture(t)
	tr, err := transport.New(transport.Config{
		Endpoint:    f.srv.URL,
		Compression: transport.CompressionZstd,
	}, transport.WithLogger(logging.Discard()))
	require.NoError(t, err)

	events := []trace.Event{
		trace.NewRunEvent(testRun("run-1")),
		trace.NewStepEvent(testStep("step-1", "run-1", 3)),
	}
	require.NoError(t, tr.Deliver(context.Background(), events))

	detail, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "step-1", detail.Steps[0].StepID)
}

func TestIngest_UnsupportedEncoding(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/runs", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "br")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestIngest_CorruptZstdBody(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/runs", strings.NewReader("not zstd"))
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "zstd")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngest_BodyTooLarge(t *testing.T) {
	f := newFixture(t, WithMaxBodyBytes(64))
	r := testRun("run-1")
	r.Input = trace.MustJSON(map[string]any{"blob": strings.Repeat("x", 256)})

	resp := f.post(t, "/v1/runs", r)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, codePayloadTooLarge, decode[ErrorBody](t, resp).Error.Code)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/v1/batch", trace.Batch{Events: []trace.Event{
		trace.NewRunEvent(testRun("run-1")),
		trace.NewStepEvent(testStep("step-1", "run-1", 1)),
	}})

	resp := f.get(t, "/v1/runs/run-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[store.RunDetail](t, resp)
	assert.Equal(t, "run-1", detail.Run.RunID)
	require.Len(t, detail.Steps, 1)
	require.NotNil(t, detail.Steps[0].Metrics)
	assert.Equal(t, 0.25, detail.Steps[0].Metrics.RejectionRate)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/v1/runs/missing", "/v1/steps/missing"} {
		t.Run(path, func(t *testing.T) {
			resp := f.get(t, path)
			require.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, string(trace.ErrCodeNotFound), decode[ErrorBody](t, resp).Error.Code)
		})
	}
}

func TestGetStep(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/v1/steps", testStep("step-1", "run-1", 2))

	resp := f.get(t, "/v1/steps/step-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[trace.StepEvent](t, resp)
	assert.Equal(t, "step-1", got.StepID)
	assert.Equal(t, trace.RejectionHistogram{"OOS": 2}, got.Histogram)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"run-1", "run-2"} {
		f.post(t, "/v1/runs", testRun(id))
	}

	resp := f.get(t, "/v1/runs?trace_id=trace-run-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[RunsResponse](t, resp)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, "run-2", got.Runs[0].RunID)

	resp = f.get(t, "/v1/runs?pipeline=other")
	assert.Empty(t, decode[RunsResponse](t, resp).Runs)
}

func TestQuerySteps_RejectionRate(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/v1/steps", testStep("low", "run-1", 1))
	f.post(t, "/v1/steps", testStep("high", "run-1", 3))

	resp := f.get(t, "/v1/steps?run_id=run-1&min_rejection_rate=0.5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[StepsResponse](t, resp)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "high", got.Steps[0].StepID)
}

func TestQueryParams_Invalid(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path  string
		field string
	}{
		{"/v1/runs?limit=many", "limit"},
		{"/v1/runs?status=paused", "status"},
		{"/v1/steps?min_rejection_rate=2", "min_rejection_rate"},
		{"/v1/steps?max_rejection_rate=x", "max_rejection_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := f.get(t, tt.path)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorBody](t, resp)
			require.Len(t, body.Error.Fields, 1)
			assert.Equal(t, tt.field, body.Error.Fields[0].Path)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/batch")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// brokenStore fails every call it overrides.
type brokenStore struct {
	Store
	err error
}

func (b brokenStore) IngestEvent(context.Context, trace.Event) (store.IngestResult, error) {
	return store.IngestResult{}, b.err
}

func (b brokenStore) Ping(context.Context) error {
	return b.err
}

func TestInternalFailures(t *testing.T) {
	gw, err := validate.New()
	require.NoError(t, err)
	h := New(brokenStore{err: errors.New("disk I/O error")}, gw, WithLogger(logging.Discard()))

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("batch", func(t *testing.T) {
		data, err := json.Marshal(trace.Batch{Events: []trace.Event{trace.NewRunEvent(testRun("run-1"))}})
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batch", bytes.NewReader(data)))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		var body ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, codeInternal, body.Error.Code)
		assert.NotContains(t, body.Error.Message, "disk")
	})
}

func TestServe_GracefulShutdown(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "serve.db"), store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer st.Close()
	gw, err := validate.New()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(st, gw, WithLogger(logging.Discard())).Serve(ctx, ln, ServeConfig{ShutdownTimeout: time.Second})
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
