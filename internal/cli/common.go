package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/config"
	"github.com/roach88/carrier/internal/engine"
	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/store"
	"github.com/roach88/carrier/internal/transport"
)

func (o *RootOptions) loader(cmd *cobra.Command) config.Loader {
	return config.Loader{
		Path:   o.ConfigPath,
		Getenv: o.Getenv,
		Flags:  cmd.Flags(),
	}
}

// loadConfig merges and validates configuration for commands that talk to
// the backend.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	return o.loader(cmd).Load()
}

// mergeConfig merges configuration without schema validation, for commands
// that only read the local store.
func (o *RootOptions) mergeConfig(cmd *cobra.Command) (config.Config, error) {
	return o.loader(cmd).Merge()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// newLogger writes text logs to w. Verbose forces debug level.
func (o *RootOptions) newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// session is an engine and its store opened from configuration.
type session struct {
	store  *store.Store
	engine *engine.Engine
}

// openSession opens the store and builds an engine over the HTTP transport.
// A nil registerer keeps metrics private to the session.
func openSession(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, opts ...engine.Option) (*session, error) {
	st, err := store.Open(cfg.StorePath,
		store.WithLogger(logger),
		store.WithMaxAge(cfg.MaxAge))
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.StorePath, err)
	}

	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	all := []engine.Option{
		engine.WithTransport(transport.NewHTTP(
			transport.WithTimeout(cfg.RequestTimeout),
			transport.WithLogger(logger))),
		engine.WithLogger(logger),
		engine.WithMetricsRegisterer(reg),
		engine.WithReplayRate(cfg.ReplayRate, cfg.ReplayBurst),
		engine.WithMaxRetries(cfg.MaxRetries),
	}
	e, err := engine.New(st, cfg.Settings(), append(all, opts...)...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &session{store: st, engine: e}, nil
}

// Close shuts down the engine, which flushes and closes the store.
func (s *session) Close() error {
	return s.engine.Close()
}

// parseParams turns key=value pairs into a parameter bag. Values that parse
// as JSON scalars, arrays or objects keep their type; anything else is a
// string.
func parseParams(pairs []string) (ir.Object, error) {
	params := ir.Object{}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", p)
		}
		if v, err := ir.UnmarshalValue([]byte(raw)); err == nil {
			params[key] = v
		} else {
			params[key] = ir.String(raw)
		}
	}
	return params, nil
}
