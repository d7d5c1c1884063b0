package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/steptrace/internal/batch"
	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/transport"
	"github.com/roach88/steptrace/internal/validate"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Database string
	Endpoint string
}

// IngestRecord is the outcome of one ingested event.
type IngestRecord struct {
	Event       string            `json:"event"`
	Disposition store.Disposition `json:"disposition,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// IngestSummary is the ingest command's output.
type IngestSummary struct {
	Delivered int            `json:"delivered"`
	Remote    bool           `json:"remote"`
	Results   []IngestRecord `json:"results,omitempty"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Ingest a run, step or batch payload",
		Long: `Validate a JSON payload and ingest it.

By default events are written straight into the configured database, one
transaction per event. With --endpoint they are delivered to a running
server as one batch request instead.

Example:
  steptrace ingest --db ./traces.db batch.json
  steptrace ingest --endpoint http://localhost:8420 step.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "deliver to this server instead of the database")

	return cmd
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	raw, err := readPayload(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	gw, err := validate.New()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile schema", err)
	}
	events, err := decodePayload(gw, raw)
	if err != nil {
		formatter.Error(err)
		return WrapExitError(ExitFailure, "validation failed", err)
	}
	formatter.VerboseLog("validated %d event(s)", len(events))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Endpoint != "" {
		tc := cfg.TransportConfig()
		tc.Endpoint = opts.Endpoint
		tr, err := transport.New(tc, transport.WithLogger(logging.New("transport")))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid transport config", err)
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.Recorder.Timeout)
		defer cancel()
		err = tr.Deliver(ctx, events)
		var rejected *batch.RejectedEventsError
		if errors.As(err, &rejected) {
			summary := remoteSummary(events, rejected)
			if err := formatter.Success(summary, summary.text()); err != nil {
				return err
			}
			return WrapExitError(ExitFailure, fmt.Sprintf("%d event(s) rejected", len(rejected.Rejected)), err)
		}
		if err != nil {
			formatter.Error(err)
			return WrapExitError(ExitFailure, "delivery failed", err)
		}
		summary := IngestSummary{Delivered: len(events), Remote: true}
		return formatter.Success(summary, fmt.Sprintf("✓ Delivered %d event(s) to %s\n", len(events), opts.Endpoint))
	}

	st, err := openStore(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	summary, failed := ingestDirect(ctx, st, events)
	if err := formatter.Success(summary, summary.text()); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d event(s) rejected", failed))
	}
	return nil
}

// ingestDirect writes events in order. Conflicts are recorded per event;
// ingestion continues with the next event.
func ingestDirect(ctx context.Context, st *store.Store, events []trace.Event) (IngestSummary, int) {
	summary := IngestSummary{Results: make([]IngestRecord, 0, len(events))}
	failed := 0
	for _, e := range events {
		res, err := st.IngestEvent(ctx, e)
		if err != nil {
			failed++
			summary.Results = append(summary.Results, IngestRecord{Event: e.String(), Error: err.Error()})
			continue
		}
		summary.Delivered++
		summary.Results = append(summary.Results, IngestRecord{Event: e.String(), Disposition: res.Disposition})
	}
	return summary, failed
}

// remoteSummary lists a partially rejected remote batch per event.
func remoteSummary(events []trace.Event, rejected *batch.RejectedEventsError) IngestSummary {
	byIndex := make(map[int]batch.Rejection, len(rejected.Rejected))
	for _, r := range rejected.Rejected {
		byIndex[r.Index] = r
	}
	summary := IngestSummary{Remote: true, Results: make([]IngestRecord, 0, len(events))}
	for i, e := range events {
		if r, ok := byIndex[i]; ok {
			summary.Results = append(summary.Results, IngestRecord{Event: e.String(), Error: fmt.Sprintf("%s: %s", r.Code, r.Message)})
			continue
		}
		summary.Delivered++
		summary.Results = append(summary.Results, IngestRecord{Event: e.String()})
	}
	return summary
}

func (s IngestSummary) text() string {
	var b strings.Builder
	for _, r := range s.Results {
		if r.Error != "" {
			fmt.Fprintf(&b, "✗ %s: %s\n", r.Event, r.Error)
			continue
		}
		if r.Disposition == "" {
			fmt.Fprintf(&b, "✓ %s delivered\n", r.Event)
			continue
		}
		fmt.Fprintf(&b, "✓ %s %s\n", r.Event, r.Disposition)
	}
	fmt.Fprintf(&b, "%d of %d event(s) ingested\n", s.Delivered, len(s.Results))
	return b.String()
}
