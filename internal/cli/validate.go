package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/steptrace/internal/validate"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Events []string `json:"events"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file|->",
		Short: "Validate a run, step or batch payload",
		Long: `Validate a JSON payload against the wire schema and the step
consistency rules, without writing anything.

The file may hold a single run, a single step, or a batch
({"events":[...]}). Use - to read from stdin.

Example:
  steptrace validate step.json
  cat batch.json | steptrace validate - --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

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

	result := ValidationResult{Valid: true, Events: make([]string, len(events))}
	for i, e := range events {
		result.Events[i] = e.String()
		formatter.VerboseLog("valid: %s", e)
	}
	return formatter.Success(result, fmt.Sprintf("✓ %d event(s) valid\n", len(events)))
}
