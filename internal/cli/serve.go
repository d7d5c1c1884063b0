package cli

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/server"
	"github.com/roach88/steptrace/internal/validate"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string

	// ready, when set, receives the bound address once listening (for tests).
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and query server",
		Long: `Run the HTTP server that validates and ingests run/step events and
answers queries over them.

Example:
  steptrace serve
  steptrace serve --addr :9000 --db ./traces.db
  STEPTRACE_DB_DRIVER=postgres STEPTRACE_DB_DSN=postgres://... steptrace serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	logger := logging.New("cli")

	st, err := openStore(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	gw, err := validate.New()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile schema", err)
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(st, gw,
		server.WithLogger(logging.New("server")),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)

	if opts.ready != nil {
		opts.ready <- ln.Addr().String()
	}
	slog.Info("server starting", "addr", ln.Addr().String(), "driver", cfg.Database.Driver)

	err = srv.Serve(ctx, ln, server.ServeConfig{
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
