// Package transport delivers event batches to a steptrace server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/roach88/steptrace/internal/batch"
	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/trace"
)

// BatchPath is the ingestion route for event batches.
const BatchPath = "/v1/batch"

// WireVersionHeader carries trace.WireVersion on every batch request.
const WireVersionHeader = "X-Steptrace-Wire-Version"

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// maxResultBody bounds the per-event results read from a 2xx response.
const maxResultBody = 8 << 20

// Config configures the HTTP transport.
type Config struct {
	// Endpoint is the server base URL, e.g. http://localhost:8420.
	Endpoint string

	// Compression selects the request body encoding (default: none).
	Compression Compression

	// RateLimit in requests per second (default: 20).
	RateLimit float64

	// RateBurst maximum burst size (default: 10).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "steptrace/<recorder version>").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.UserAgent == "" {
		c.UserAgent = "steptrace/" + trace.RecorderVersion
	}
	return c
}

// HTTP posts each batch to the server's batch route.
// It implements batch.Transport. Request deadlines come from the caller's
// context; the client itself has no timeout.
type HTTP struct {
	cfg     Config
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithLogger sets the transport's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) {
		h.logger = l
	}
}

// New creates an HTTP transport.
func New(cfg Config, opts ...Option) (*HTTP, error) {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("transport endpoint is required")
	}
	if cfg.Compression != CompressionNone && cfg.Compression != CompressionZstd {
		return nil, fmt.Errorf("unknown compression: %q", cfg.Compression)
	}

	h := &HTTP{
		cfg:     cfg,
		url:     strings.TrimSuffix(cfg.Endpoint, "/") + BatchPath,
		client:  &http.Client{Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:  logging.New("transport"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Deliver sends one batch. Failures are TRANSPORT_ERRORs: network errors,
// timeouts, 429 and 5xx are retryable; any other non-2xx status is not.
// A 2xx response whose results reject some events is a non-retryable
// error wrapping a *batch.RejectedEventsError.
func (h *HTTP) Deliver(ctx context.Context, events []trace.Event) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return trace.NewTransportError("rate limiter", 0, true, err)
	}

	payload, err := json.Marshal(trace.Batch{Events: events})
	if err != nil {
		return trace.NewTransportError("marshal batch", 0, false, err)
	}
	body := Encode(h.cfg.Compression, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return trace.NewTransportError("create request", 0, false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set(WireVersionHeader, trace.WireVersion)
	if h.cfg.Compression == CompressionZstd {
		req.Header.Set("Content-Encoding", string(CompressionZstd))
	}
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		msg := "http request"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "delivery timed out"
		}
		return trace.NewTransportError(msg, 0, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rejected := h.rejections(resp.Body)
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		if len(rejected) > 0 {
			rerr := &batch.RejectedEventsError{Total: len(events), Rejected: rejected}
			h.logger.Warn("events rejected", "events", len(events), "rejected", len(rejected))
			return trace.NewTransportError("server rejected events", resp.StatusCode, false, rerr)
		}
		h.logger.Debug("batch delivered", "events", len(events), "bytes", len(body), "status", resp.StatusCode)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return trace.NewTransportError(
		fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		resp.StatusCode,
		retryableStatus(resp.StatusCode),
		nil,
	)
}

// batchResponse mirrors the server's per-event batch results.
type batchResponse struct {
	Results []struct {
		Kind  trace.EventKind `json:"kind"`
		ID    string          `json:"id"`
		Error *struct {
			Code    trace.ErrorCode `json:"code"`
			Message string          `json:"message"`
		} `json:"error,omitempty"`
	} `json:"results"`
}

// rejections returns the events a 2xx batch response reports as failed.
// A body that is not a batch response counts as full acceptance.
func (h *HTTP) rejections(body io.Reader) []batch.Rejection {
	var br batchResponse
	if err := json.NewDecoder(io.LimitReader(body, maxResultBody)).Decode(&br); err != nil {
		h.logger.Debug("batch response not decoded", "error", err)
		return nil
	}
	var out []batch.Rejection
	for i, r := range br.Results {
		if r.Error == nil {
			continue
		}
		out = append(out, batch.Rejection{Index: i, Kind: r.Kind, ID: r.ID, Code: r.Error.Code, Message: r.Error.Message})
	}
	return out
}

// retryableStatus reports whether a response status warrants redelivery.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
