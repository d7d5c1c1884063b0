package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/steptrace/internal/config"
	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the steptrace CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "steptrace",
		Short: "steptrace - decision traces for multi-step pipelines",
		Long: `Record, ingest and query hierarchical run/step traces.

Each step keeps the candidates it considered, the outcome for each one,
and a histogram of rejection reasons, reduced by a capture policy.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config (default $STEPTRACE_CONFIG)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewStepsCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig loads configuration and initializes logging to logw.
// --verbose forces debug logging.
func (o *RootOptions) loadConfig(logw io.Writer) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	if o.Verbose {
		level = slog.LevelDebug
	}
	logging.Init(level, cfg.Log.Format, logw)
	return cfg, nil
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openStore opens the configured database. A non-empty dbPath selects a
// SQLite file and overrides the configured driver.
func openStore(cfg *config.Config, dbPath string) (*store.Store, error) {
	var (
		st  *store.Store
		err error
	)
	if dbPath != "" {
		st, err = store.Open(dbPath, store.WithLogger(logging.New("store")))
	} else {
		st, err = store.OpenDriver(cfg.Database.Driver, cfg.Database.DSN, store.WithLogger(logging.New("store")))
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
