package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/steptrace/internal/batch"
	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/recorder"
	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/transport"
	"github.com/roach88/steptrace/internal/validate"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Database   string
	Endpoint   string
	Candidates int
	TopK       int
	Seed       uint64
	Mode       string
}

// DemoResult summarizes a demo run.
type DemoResult struct {
	RunID    string      `json:"run_id"`
	Steps    []string    `json:"steps"`
	Remote   bool        `json:"remote"`
	Delivery batch.Stats `json:"delivery"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Record a simulated recommendation pipeline",
		Long: `Record one run of a simulated recommendation pipeline through the
recorder, the event queue and the batcher.

The pipeline retrieves candidates, filters them (with a nested dedupe
step), ranks the survivors and selects the top K. Events are written to
the configured database, or delivered to a server with --endpoint.

Example:
  steptrace demo --db ./traces.db --candidates 500 --mode SAMPLE
  steptrace demo --endpoint http://localhost:8420`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "deliver to this server instead of the database")
	cmd.Flags().IntVar(&opts.Candidates, "candidates", 200, "number of retrieved candidates")
	cmd.Flags().IntVar(&opts.TopK, "top-k", 10, "number of candidates selected")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "random seed for scores and sampling")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "capture mode (overrides config)")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Candidates < 0 || opts.TopK < 0 {
		return NewExitError(ExitCommandError, "--candidates and --top-k must not be negative")
	}

	policy := cfg.Recorder.Policy
	if opts.Mode != "" {
		policy.Mode = trace.CaptureMode(strings.ToUpper(opts.Mode))
		if !policy.Mode.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid capture mode %q", opts.Mode))
		}
	}

	var tr batch.Transport
	if opts.Endpoint != "" {
		tc := cfg.TransportConfig()
		tc.Endpoint = opts.Endpoint
		h, err := transport.New(tc, transport.WithLogger(logging.New("transport")))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid transport config", err)
		}
		tr = h
	} else {
		st, err := openStore(cfg, opts.Database)
		if err != nil {
			return err
		}
		defer st.Close()
		gw, err := validate.New()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to compile schema", err)
		}
		tr = &localTransport{gw: gw, store: st}
	}

	logger := logging.New("demo")
	q := batch.NewQueue(cfg.Recorder.MaxQueue, batch.WithQueueLogger(logging.New("queue")))
	b := batch.NewBatcher(q, tr, cfg.BatchConfig(),
		batch.WithLogger(logging.New("batcher")),
		batch.WithErrorHandler(func(err error, events []trace.Event) {
			logger.Warn("flush round failed", "events", len(events), "error", err)
		}),
	)
	b.Start()

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	client := recorder.New(b,
		recorder.WithDefaultPolicy(policy),
		recorder.WithRand(rng),
		recorder.WithLogger(logging.New("recorder")),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	p := &demoPipeline{candidates: opts.Candidates, topK: opts.TopK, rng: rng}
	var runID string
	runErr := client.Trace(ctx, recorder.RunOptions{
		PipelineName:    "demo-recommend",
		PipelineVersion: "1",
		Input:           map[string]any{"user": "demo-user", "candidates": opts.Candidates, "top_k": opts.TopK},
		Tags:            map[string]any{"source": "steptrace demo"},
	}, func(ctx context.Context, run *recorder.Run) error {
		runID = run.ID()
		return p.run(ctx, run)
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Recorder.Timeout*2)
	defer cancel()
	flushErr := b.Shutdown(shutdownCtx)

	if runErr != nil {
		formatter.Error(runErr)
		return WrapExitError(ExitFailure, "demo pipeline failed", runErr)
	}
	if flushErr != nil {
		formatter.Error(flushErr)
		return WrapExitError(ExitFailure, "failed to deliver events", flushErr)
	}

	stats := b.Stats()
	formatter.VerboseLog("queue: enqueued=%d evicted=%d restored=%d", stats.Enqueued, stats.Evicted, stats.Restored)

	result := DemoResult{RunID: runID, Steps: p.steps, Remote: opts.Endpoint != "", Delivery: stats}
	text := fmt.Sprintf("✓ Recorded run %s (%d steps, %d events delivered)\n", runID, len(p.steps), stats.Delivered)
	return formatter.Success(result, text)
}

// localTransport validates batches the way the server does and ingests
// them straight into a store.
type localTransport struct {
	gw    *validate.Gateway
	store *store.Store
}

func (t *localTransport) Deliver(ctx context.Context, events []trace.Event) error {
	raw, err := json.Marshal(trace.Batch{Events: events})
	if err != nil {
		return trace.NewTransportError("encode batch", 0, false, err)
	}
	valid, err := t.gw.ValidateBatch(raw)
	if err != nil {
		return trace.NewTransportError("batch rejected", 0, false, err)
	}
	rejected := &batch.RejectedEventsError{Total: len(valid)}
	for i, e := range valid {
		_, err := t.store.IngestEvent(ctx, e)
		if err == nil {
			continue
		}
		var te *trace.Error
		if !errors.As(err, &te) || (te.Code != trace.ErrCodeStorageConflict && te.Code != trace.ErrCodeValidation) {
			return trace.NewTransportError("ingest failed", 0, true, err)
		}
		rejected.Rejected = append(rejected.Rejected, batch.Rejection{
			Index: i, Kind: e.Kind, ID: e.ID(), Code: te.Code, Message: te.Message,
		})
	}
	if len(rejected.Rejected) > 0 {
		return trace.NewTransportError("events rejected", 0, false, rejected)
	}
	return nil
}

// demoPipeline is a deterministic retrieve/filter/rank/select pipeline.
type demoPipeline struct {
	candidates int
	topK       int
	rng        *rand.Rand
	steps      []string
}

type scored struct {
	id    string
	score float64
}

func (p *demoPipeline) run(ctx context.Context, run *recorder.Run) error {
	pool := make([]scored, p.candidates)
	for i := range pool {
		pool[i] = scored{id: fmt.Sprintf("item-%04d", i), score: p.rng.Float64()}
	}

	var survivors []scored
	err := run.Step(ctx, "retrieve", "retrieval", func(ctx context.Context, s *recorder.Step) error {
		p.steps = append(p.steps, s.ID())
		for _, c := range pool {
			s.AddCandidates(trace.Candidate{ID: c.id, Type: "item", Score: trace.Float(c.score)})
			s.RecordOutcome(trace.OutcomeAccepted, c.id, "item")
		}
		return s.SetOutput(map[string]int{"retrieved": len(pool)})
	})
	if err != nil {
		return err
	}

	err = run.Step(ctx, "filter", "filter", func(ctx context.Context, s *recorder.Step) error {
		p.steps = append(p.steps, s.ID())
		var kept []scored
		for i, c := range pool {
			s.AddCandidates(trace.Candidate{ID: c.id, Type: "item", Score: trace.Float(c.score)})
			switch {
			case c.score < 0.2:
				s.RecordOutcome(trace.OutcomeRejected, c.id, "item",
					recorder.WithReason("LOW_SCORE"),
					recorder.WithReasoningText(fmt.Sprintf("score %.3f below 0.2", c.score)))
			case i%7 == 0:
				s.RecordOutcome(trace.OutcomeRejected, c.id, "item", recorder.WithReason("OUT_OF_STOCK"))
			case i%11 == 0:
				// No reason code: counted under UNKNOWN.
				s.RecordOutcome(trace.OutcomeRejected, c.id, "item")
			default:
				s.RecordOutcome(trace.OutcomeAccepted, c.id, "item")
				kept = append(kept, c)
			}
		}

		return run.Step(ctx, "dedupe", "filter", func(ctx context.Context, child *recorder.Step) error {
			p.steps = append(p.steps, child.ID())
			seen := make(map[string]bool)
			for _, c := range kept {
				child.AddCandidates(trace.Candidate{ID: c.id, Type: "item", Score: trace.Float(c.score)})
				// Items sharing a score bucket count as duplicates.
				bucket := fmt.Sprintf("%.2f", c.score)
				if seen[bucket] {
					child.RecordOutcome(trace.OutcomeRejected, c.id, "item", recorder.WithReason("DUPLICATE"))
					continue
				}
				seen[bucket] = true
				child.RecordOutcome(trace.OutcomeAccepted, c.id, "item")
				survivors = append(survivors, c)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	slices.SortFunc(survivors, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return strings.Compare(a.id, b.id)
	})

	err = run.Step(ctx, "rank", "rank", func(ctx context.Context, s *recorder.Step) error {
		p.steps = append(p.steps, s.ID())
		for i, c := range survivors {
			s.AddCandidates(trace.Candidate{ID: c.id, Type: "item", Rank: trace.Int(i + 1), Score: trace.Float(c.score)})
			s.RecordOutcome(trace.OutcomeAccepted, c.id, "item")
		}
		return nil
	})
	if err != nil {
		return err
	}

	var selected []string
	err = run.Step(ctx, "select", "select", func(ctx context.Context, s *recorder.Step) error {
		p.steps = append(p.steps, s.ID())
		for i, c := range survivors {
			s.AddCandidates(trace.Candidate{ID: c.id, Type: "item", Rank: trace.Int(i + 1), Score: trace.Float(c.score)})
			if i < p.topK {
				s.RecordOutcome(trace.OutcomeSelected, c.id, "item")
				selected = append(selected, c.id)
				continue
			}
			s.RecordOutcome(trace.OutcomeRejected, c.id, "item", recorder.WithReason("BELOW_CUTOFF"))
		}
		return s.SetOutput(map[string]any{"selected": selected})
	})
	if err != nil {
		return err
	}

	return run.SetOutput(map[string]any{"selected": selected})
}
