package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/api"
	"github.com/roach88/intentd/internal/wal"
)

// maxTrimInterval caps how often retention trimming runs.
const maxTrimInterval = time.Hour

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long: `Run the engine until interrupted.

Executions interrupted by a previous crash are failed first. Then the
worker pool, durable-commit recovery, outbox publisher, WAL dispatcher
and HTTP API run together. SIGINT or SIGTERM stops them gracefully.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing engine", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	server := api.NewServer(a.Manager, a.Log, api.Options{
		Addr:            addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	extra := []func(context.Context) error{
		func(ctx context.Context) error { return server.Serve(ctx, ln) },
	}
	if cfg.WAL.Retention > 0 {
		extra = append(extra, func(ctx context.Context) error {
			return trimLoop(ctx, a.Log, cfg.WAL.Retention)
		})
	}

	slog.Info("engine starting", "addr", ln.Addr().String(), "dialect", a.Store.Dialect(), "intent_types", a.Registry.Types())
	fmt.Fprintf(cmd.OutOrStdout(), "Engine started. Listening on %s\n", ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := a.Run(ctx, extra...); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// trimLoop drops WAL partitions whose day ended more than retention ago.
func trimLoop(ctx context.Context, log *wal.Log, retention time.Duration) error {
	interval := min(retention/4, maxTrimInterval)
	if interval <= 0 {
		interval = retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		trimmed, err := log.Trim(ctx, time.Now().Add(-retention))
		if err != nil {
			slog.Warn("wal retention trim failed", "error", err)
		} else if len(trimmed) > 0 {
			slog.Info("wal partitions trimmed", "partitions", trimmed)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
