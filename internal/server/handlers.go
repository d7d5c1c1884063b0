package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/transport"
)

// BatchResponse reports the outcome of each event in a batch, in order.
type BatchResponse struct {
	Results []EventResult `json:"results"`
}

// EventResult is either an ingest acknowledgement or a per-event error.
type EventResult struct {
	Kind        trace.EventKind   `json:"kind"`
	ID          string            `json:"id"`
	Disposition store.Disposition `json:"disposition,omitempty"`
	Error       *ErrorDetail      `json:"error,omitempty"`
}

// RunsResponse wraps a run listing.
type RunsResponse struct {
	Runs []trace.RunEvent `json:"runs"`
}

// StepsResponse wraps a step query.
type StepsResponse struct {
	Steps []store.StepSummary `json:"steps"`
}

// readBody reads a bounded request body and reverses its Content-Encoding.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	encoding := r.Header.Get("Content-Encoding")
	if _, err := transport.ParseCompression(encoding); err != nil {
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, encoding)
	}
	body, err := transport.DecodeBody(encoding, raw)
	if err != nil {
		if errors.Is(err, transport.ErrBodyTooLarge) {
			return nil, err
		}
		return nil, trace.NewValidationError("malformed compressed body: " + err.Error())
	}
	return body, nil
}

// fail writes the error envelope for err. Internal failures are logged;
// their detail never reaches the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

func (s *Server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	run, err := s.validator.ValidateRun(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.store.IngestRun(r.Context(), run)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestStep(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	step, err := s.validator.ValidateStep(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.store.IngestStep(r.Context(), step)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleIngestBatch validates the whole batch first; one invalid event
// rejects the batch. Valid events are then ingested one transaction each.
// Conflicts are reported per event. Any other storage failure stops the
// batch with 500 so the client keeps it and retries; already-ingested
// events are idempotent on redelivery.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.validator.ValidateBatch(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := BatchResponse{Results: make([]EventResult, 0, len(events))}
	for _, e := range events {
		res, err := s.store.IngestEvent(r.Context(), e)
		if err != nil {
			status, detail := statusFor(err)
			if status == http.StatusInternalServerError {
				s.fail(w, r, fmt.Errorf("ingest %s: %w", e, err))
				return
			}
			resp.Results = append(resp.Results, EventResult{Kind: e.Kind, ID: e.ID(), Error: &detail})
			continue
		}
		resp.Results = append(resp.Results, EventResult{Kind: res.Kind, ID: res.ID, Disposition: res.Disposition})
	}

	s.logger.Debug("batch ingested", "events", len(events))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		PipelineName: q.Get("pipeline"),
		TraceID:      q.Get("trace_id"),
	}

	var fields []trace.FieldError
	f.Status = parseStatus(q.Get("status"), &fields)
	f.Limit = parseLimit(q.Get("limit"), &fields)
	if len(fields) > 0 {
		s.fail(w, r, trace.NewValidationError("invalid query parameters", fields...))
		return
	}

	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleQuerySteps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.StepFilter{
		RunID:    q.Get("run_id"),
		StepType: q.Get("step_type"),
	}

	var fields []trace.FieldError
	f.Status = parseStatus(q.Get("status"), &fields)
	f.MinRejectionRate = parseRate("min_rejection_rate", q.Get("min_rejection_rate"), &fields)
	f.MaxRejectionRate = parseRate("max_rejection_rate", q.Get("max_rejection_rate"), &fields)
	f.Limit = parseLimit(q.Get("limit"), &fields)
	if len(fields) > 0 {
		s.fail(w, r, trace.NewValidationError("invalid query parameters", fields...))
		return
	}

	steps, err := s.store.QuerySteps(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StepsResponse{Steps: steps})
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.store.GetStep(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseStatus(v string, fields *[]trace.FieldError) trace.Status {
	if v == "" {
		return ""
	}
	st := trace.Status(v)
	if !st.Valid() {
		*fields = append(*fields, trace.FieldError{Path: "status", Message: fmt.Sprintf("unknown status %q", v)})
		return ""
	}
	return st
}

func parseLimit(v string, fields *[]trace.FieldError) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*fields = append(*fields, trace.FieldError{Path: "limit", Message: "must be a non-negative integer"})
		return 0
	}
	return n
}

func parseRate(name, v string, fields *[]trace.FieldError) *float64 {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		*fields = append(*fields, trace.FieldError{Path: name, Message: "must be a number between 0 and 1"})
		return nil
	}
	return &f
}
