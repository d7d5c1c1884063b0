package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Database string
	Pipeline string
	TraceID  string
	Status   string
	Limit    int
}

// StepsOptions holds flags for the steps command.
type StepsOptions struct {
	*RootOptions
	Database string
	RunID    string
	StepType string
	Status   string
	MinRate  float64
	MaxRate  float64
	Limit    int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List runs, or show one run with its steps",
		Long: `List runs newest first, or show a single run with a summary of each
of its steps.

Example:
  steptrace runs --db ./traces.db --pipeline recommend
  steptrace runs --db ./traces.db 01J9Z...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Pipeline, "pipeline", "", "filter by pipeline name")
	cmd.Flags().StringVar(&opts.TraceID, "trace-id", "", "filter by trace id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (running|success|error)")
	cmd.Flags().IntVar(&opts.Limit, "limit", store.DefaultLimit, "maximum runs to list")

	return cmd
}

// NewStepsCommand creates the steps command.
func NewStepsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StepsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "steps [step-id]",
		Short: "Query steps, or show one step in full",
		Long: `Query steps by run, type, status and rejection rate, or show a single
step with its captured candidates, outcomes and rejection histogram.

Example:
  steptrace steps --db ./traces.db --step-type filter --min-rate 0.9
  steptrace steps --db ./traces.db 01J9Z... --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSteps(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "filter by run id")
	cmd.Flags().StringVar(&opts.StepType, "step-type", "", "filter by step type")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (running|success|error)")
	cmd.Flags().Float64Var(&opts.MinRate, "min-rate", -1, "minimum rejection rate (inclusive)")
	cmd.Flags().Float64Var(&opts.MaxRate, "max-rate", -1, "maximum rejection rate (inclusive)")
	cmd.Flags().IntVar(&opts.Limit, "limit", store.DefaultLimit, "maximum steps to list")

	return cmd
}

func parseStatusFlag(v string) (trace.Status, error) {
	if v == "" {
		return "", nil
	}
	st := trace.Status(v)
	if !st.Valid() {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q: must be running, success or error", v))
	}
	return st, nil
}

func runRuns(opts *RunsOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	status, err := parseStatusFlag(opts.Status)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := openStore(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	if len(args) == 1 {
		detail, err := st.GetRun(ctx, args[0])
		if err != nil {
			return queryFailed(formatter, err)
		}
		return formatter.Success(detail, formatRunDetail(detail))
	}

	runs, err := st.ListRuns(ctx, store.RunFilter{
		PipelineName: opts.Pipeline,
		TraceID:      opts.TraceID,
		Status:       status,
		Limit:        opts.Limit,
	})
	if err != nil {
		return queryFailed(formatter, err)
	}
	return formatter.Success(runs, formatRuns(runs))
}

func runSteps(opts *StepsOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	status, err := parseStatusFlag(opts.Status)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := openStore(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	if len(args) == 1 {
		step, err := st.GetStep(ctx, args[0])
		if err != nil {
			return queryFailed(formatter, err)
		}
		return formatter.Success(step, formatStep(step))
	}

	f := store.StepFilter{
		RunID:    opts.RunID,
		StepType: opts.StepType,
		Status:   status,
		Limit:    opts.Limit,
	}
	// Negative means unset.
	if opts.MinRate >= 0 {
		f.MinRejectionRate = &opts.MinRate
	}
	if opts.MaxRate >= 0 {
		f.MaxRejectionRate = &opts.MaxRate
	}

	steps, err := st.QuerySteps(ctx, f)
	if err != nil {
		return queryFailed(formatter, err)
	}
	return formatter.Success(steps, formatSteps(steps))
}

// queryFailed reports err and picks the exit code: an unknown id is a
// failure, anything else a command error.
func queryFailed(formatter *OutputFormatter, err error) error {
	formatter.Error(err)
	if trace.IsNotFound(err) {
		return WrapExitError(ExitFailure, "not found", err)
	}
	return WrapExitError(ExitCommandError, "query failed", err)
}

func formatRuns(runs []trace.RunEvent) string {
	if len(runs) == 0 {
		return "No runs found\n"
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%s  %-8s %s  %s%s\n",
			r.RunID, r.Status, r.StartedAt.Format(time.RFC3339), r.PipelineName, durationSuffix(r.DurationMs))
	}
	return b.String()
}

func formatRunDetail(d store.RunDetail) string {
	var b strings.Builder
	r := d.Run
	fmt.Fprintf(&b, "Run %s (%s)\n", r.RunID, r.Status)
	fmt.Fprintf(&b, "  pipeline: %s", r.PipelineName)
	if r.PipelineVersion != "" {
		fmt.Fprintf(&b, "@%s", r.PipelineVersion)
	}
	b.WriteString("\n")
	if r.TraceID != "" {
		fmt.Fprintf(&b, "  trace:    %s\n", r.TraceID)
	}
	fmt.Fprintf(&b, "  started:  %s%s\n", r.StartedAt.Format(time.RFC3339Nano), durationSuffix(r.DurationMs))
	fmt.Fprintf(&b, "\nSteps (%d):\n", len(d.Steps))
	b.WriteString(formatSteps(d.Steps))
	return b.String()
}

func formatSteps(steps []store.StepSummary) string {
	if len(steps) == 0 {
		return "No steps found\n"
	}
	var b strings.Builder
	for _, s := range steps {
		indent := ""
		if s.ParentStepID != "" {
			indent = "  "
		}
		fmt.Fprintf(&b, "%s%s  %-8s %s/%s", indent, s.StepID, s.Status, s.StepType, s.Name)
		if m := s.Metrics; m != nil {
			fmt.Fprintf(&b, "  in=%d rejected=%d rate=%.3f", m.CandidatesIn, m.RejectedCount, m.RejectionRate)
		}
		b.WriteString(durationSuffix(s.DurationMs))
		b.WriteString("\n")
	}
	return b.String()
}

func formatStep(s trace.StepEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %s (%s)\n", s.StepID, s.Status)
	fmt.Fprintf(&b, "  run:      %s\n", s.RunID)
	if s.ParentStepID != "" {
		fmt.Fprintf(&b, "  parent:   %s\n", s.ParentStepID)
	}
	fmt.Fprintf(&b, "  type:     %s/%s\n", s.StepType, s.Name)
	fmt.Fprintf(&b, "  policy:   %s\n", s.CapturePolicy.EffectiveMode())

	m := s.Metrics
	fmt.Fprintf(&b, "  metrics:  in=%d captured=%d accepted=%d rejected=%d selected=%d rate=%.3f\n",
		m.CandidatesIn, m.CandidatesCaptured, m.AcceptedCount, m.RejectedCount, m.SelectedCount, m.RejectionRate)

	if len(s.Histogram) > 0 {
		b.WriteString("\nRejection reasons:\n")
		for _, code := range sortedReasons(s.Histogram) {
			fmt.Fprintf(&b, "  %-20s %d\n", code, s.Histogram[code])
		}
	}

	if len(s.Outcomes) > 0 {
		fmt.Fprintf(&b, "\nOutcomes (%d captured):\n", len(s.Outcomes))
		for _, o := range s.Outcomes {
			fmt.Fprintf(&b, "  %s/%s  %s", o.CandidateType, o.CandidateID, o.Kind)
			if o.ReasonCode != "" {
				fmt.Fprintf(&b, " (%s)", o.ReasonCode)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// sortedReasons orders histogram codes by count descending, then code.
func sortedReasons(h trace.RejectionHistogram) []string {
	codes := make([]string, 0, len(h))
	for code := range h {
		codes = append(codes, code)
	}
	slices.SortFunc(codes, func(a, b string) int {
		if h[a] != h[b] {
			return h[b] - h[a]
		}
		return strings.Compare(a, b)
	})
	return codes
}

func durationSuffix(ms *int64) string {
	if ms == nil {
		return ""
	}
	return fmt.Sprintf("  (%dms)", *ms)
}
