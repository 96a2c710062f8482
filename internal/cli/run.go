package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/carrier/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	User           string
	ReplayInterval time.Duration

	// Ready, if set, receives the metrics listener address (empty when
	// metrics are disabled) once the engine has started. For tests.
	Ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and keep delivering until interrupted",
		Long: `Start the engine for one user: discover service hosts, send the
install metric once per installation, record an app-opened event, and
replay pending requests every --replay-interval until SIGINT or SIGTERM.

When metrics_addr is set, Prometheus metrics are served on /metrics.

Example:
  carrier run --config carrier.yaml --user u1
  carrier run --user u1 --metrics-addr :9090 --replay-interval 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "user id (required)")
	cmd.Flags().DurationVar(&opts.ReplayInterval, "replay-interval", time.Minute, "how often to replay pending requests (0: only on auth changes)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := openSession(cfg, logger, registry)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			logger.Error("error closing engine", "error", closeErr)
		}
	}()

	s.engine.OnStatusChanged(func(from, to ir.AuthStatus) {
		logger.Info("auth status changed", "from", from.String(), "to", to.String())
	})
	if err := s.engine.SetUserID(opts.User); err != nil {
		return WrapExitError(ExitCommandError, "invalid --user", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsLn net.Listener
	if cfg.MetricsAddr != "" {
		metricsLn, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeConfig, "failed to listen on metrics_addr", err)
		}
	}

	if err := s.engine.Start(); err != nil {
		if metricsLn != nil {
			metricsLn.Close()
		}
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to start engine", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if metricsLn != nil {
		srv := &http.Server{
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", metricsLn.Addr().String())
			if err := srv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if opts.ReplayInterval > 0 {
		g.Go(func() error {
			replayLoop(ctx, s, opts.ReplayInterval, logger)
			return nil
		})
	}

	if opts.Ready != nil {
		addr := ""
		if metricsLn != nil {
			addr = metricsLn.Addr().String()
		}
		opts.Ready <- addr
	}
	logger.Info("engine running", "user_id", opts.User, "pending", s.store.Len())

	<-ctx.Done()
	if err := g.Wait(); err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "metrics server failed", err)
	}
	logger.Info("shutting down", "pending", s.store.Len())
	return nil
}

func metricsMux(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return mux
}

// replayLoop replays the store on every tick while it has entries.
func replayLoop(ctx context.Context, s *session, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.store.Len() == 0 {
				continue
			}
			if _, err := s.engine.Replay(); err != nil {
				logger.Warn("periodic replay failed", "error", err)
				return
			}
		}
	}
}
