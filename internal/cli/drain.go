package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	User    string
	Timeout time.Duration
}

// DrainResult summarizes one pass over the store.
type DrainResult struct {
	Before    int `json:"before"`
	Started   int `json:"started"`
	Delivered int `json:"delivered"`
	Remaining int `json:"remaining"`
}

func (r DrainResult) String() string {
	return fmt.Sprintf("%d pending, %d delivered or discarded, %d remaining", r.Before, r.Delivered, r.Remaining)
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay every pending request once",
		Long: `Replay the store: every pending request gets one delivery attempt,
after its retry delay. Requests that fail with a retryable outcome stay in
the store with a longer delay.

Exit codes:
  0 - Store is empty
  1 - Requests remain pending, or the attempts did not finish before --timeout
  2 - Command error (bad configuration, store unreadable)

Examples:
  carrier drain --config carrier.yaml
  carrier drain --user u1 --timeout 2m --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "user id reported with replayed requests")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "how long to wait for attempts to finish")

	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}

	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	s, err := openSession(cfg, logger, nil)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer s.Close()

	if opts.User != "" {
		if err := s.engine.SetUserID(opts.User); err != nil {
			return WrapExitError(ExitCommandError, "invalid --user", err)
		}
	}

	result := DrainResult{Before: s.store.Len()}
	if result.Before == 0 {
		return f.Success(result)
	}

	result.Started, err = s.engine.Replay()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "replay failed", err)
	}
	f.VerboseLog("replaying %d of %d pending requests", result.Started, result.Before)

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	if err := s.engine.WaitIdle(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeTimeout,
			fmt.Sprintf("attempts still running after %s", opts.Timeout), err)
	}

	result.Remaining = s.store.Len()
	result.Delivered = result.Before - result.Remaining
	if result.Remaining > 0 {
		if err := f.Error(ErrCodeDelivery, fmt.Sprintf("%d request(s) still pending", result.Remaining), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d request(s) still pending", result.Remaining))
	}
	return f.Success(result)
}
