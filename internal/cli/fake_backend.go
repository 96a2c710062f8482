package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/fakeserver"
)

// FakeBackendOptions holds flags for the fake-backend command.
type FakeBackendOptions struct {
	*RootOptions
	Listen  string
	Scripts []string
	Host    string

	// Ready, if set, receives the listen address once serving. For tests.
	Ready chan<- string
}

// NewFakeBackendCommand creates the fake-backend command.
func NewFakeBackendCommand(rootOpts *RootOptions) *cobra.Command {
	return newFakeBackendCommand(&FakeBackendOptions{RootOptions: rootOpts})
}

func newFakeBackendCommand(opts *FakeBackendOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fake-backend",
		Short: "Serve a local backend for manual testing",
		Long: `Serve an in-process backend that verifies request signatures with
app_secret, logs every request, and answers with scripted status codes.

Discovery hands out the fake backend's own address for every service class,
so point discovery_host at --listen and use scheme http.

Example:
  carrier fake-backend --app-secret s3cr3t --listen 127.0.0.1:8080 \
    --script /me/scores.json=503,503,200
  carrier send /me/scores.json --user u1 --param value=10 \
    --app-id a1 --app-secret s3cr3t --discovery-host 127.0.0.1:8080 --scheme http`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFakeBackend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringArrayVar(&opts.Scripts, "script", nil, "endpoint=code[,code...] reply script (repeatable, last code repeats)")
	cmd.Flags().StringVar(&opts.Host, "advertise", "", "host handed out by discovery (default: the host discovery was called on)")

	return cmd
}

// parseScript parses "endpoint=code,code".
func parseScript(s string) (string, []int, error) {
	endpoint, list, ok := strings.Cut(s, "=")
	if !ok || !strings.HasPrefix(endpoint, "/") || list == "" {
		return "", nil, fmt.Errorf("invalid script %q: expected /endpoint=code[,code...]", s)
	}
	var codes []int
	for _, part := range strings.Split(list, ",") {
		code, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || code < 100 || code > 599 {
			return "", nil, fmt.Errorf("invalid script %q: bad status code %q", s, part)
		}
		codes = append(codes, code)
	}
	return endpoint, codes, nil
}

func runFakeBackend(opts *FakeBackendOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.mergeConfig(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	if cfg.AppSecret == "" {
		return f.Fail(ExitCommandError, ErrCodeConfig, "app_secret is required", nil)
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)

	srv := fakeserver.New(cfg.AppSecret, fakeserver.WithLogger(logger))
	if opts.Host != "" {
		srv.SetHost(opts.Host)
	}
	for _, s := range opts.Scripts {
		endpoint, codes, err := parseScript(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --script", err)
		}
		srv.Script(endpoint, codes...)
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to listen", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	logger.Info("fake backend listening", "addr", ln.Addr().String())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return f.Fail(ExitFailure, ErrCodeGeneric, "server failed", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}
	logger.Info("fake backend stopped", "received", len(srv.Received()), "accepted", srv.Accepted())
	return nil
}
