// Package server exposes ingestion and query routes over HTTP.
//
// Routes:
//
//	POST /v1/runs        ingest one run delivery
//	POST /v1/steps       ingest one step delivery
//	POST /v1/batch       ingest a batch of events (the recorder's route)
//	GET  /v1/runs        list runs (pipeline, trace_id, status, limit)
//	GET  /v1/runs/{id}   one run with its step summaries
//	GET  /v1/steps       query steps (run_id, step_type, status,
//	                     min_rejection_rate, max_rejection_rate, limit)
//	GET  /v1/steps/{id}  one step with candidates, outcomes and histogram
//	GET  /healthz        database connectivity
//
// Request bodies may be sent with Content-Encoding: zstd.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
)

// DefaultMaxBodyBytes bounds a request body before decompression.
const DefaultMaxBodyBytes = 8 << 20

// Store is the storage the server ingests into and reads from.
type Store interface {
	IngestRun(ctx context.Context, r trace.RunEvent) (store.IngestResult, error)
	IngestStep(ctx context.Context, s trace.StepEvent) (store.IngestResult, error)
	IngestEvent(ctx context.Context, e trace.Event) (store.IngestResult, error)
	GetRun(ctx context.Context, id string) (store.RunDetail, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]trace.RunEvent, error)
	GetStep(ctx context.Context, id string) (trace.StepEvent, error)
	QuerySteps(ctx context.Context, f store.StepFilter) ([]store.StepSummary, error)
	Ping(ctx context.Context) error
}

// Validator checks and decodes wire payloads.
type Validator interface {
	ValidateRun(raw []byte) (trace.RunEvent, error)
	ValidateStep(raw []byte) (trace.StepEvent, error)
	ValidateBatch(raw []byte) ([]trace.Event, error)
}

// Server routes requests to the validator and the store.
type Server struct {
	store     Store
	validator Validator
	logger    *slog.Logger
	maxBody   int64
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxBodyBytes bounds request bodies before decompression.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a server.
func New(st Store, v Validator, opts ...Option) *Server {
	s := &Server{
		store:     st,
		validator: v,
		logger:    logging.New("server"),
		maxBody:   DefaultMaxBodyBytes,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /v1/runs", s.handleIngestRun)
	s.mux.HandleFunc("POST /v1/steps", s.handleIngestStep)
	s.mux.HandleFunc("POST /v1/batch", s.handleIngestBatch)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /v1/steps", s.handleQuerySteps)
	s.mux.HandleFunc("GET /v1/steps/{id}", s.handleGetStep)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ServeConfig controls the listener lifecycle.
type ServeConfig struct {
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully, waiting up to ShutdownTimeout for in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg ServeConfig) error {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	hs := &http.Server{
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
