package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/ir"
)

// ValidateUserOptions holds flags for the validate-user command.
type ValidateUserOptions struct {
	*RootOptions
	User    string
	Token   string
	Timeout time.Duration
}

// ValidateUserResult is the output of validate-user.
type ValidateUserResult struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	Replayed int    `json:"replayed"`
	Pending  int    `json:"pending"`
}

func (r ValidateUserResult) String() string {
	return fmt.Sprintf("%s: %s (%d pending after replay)", r.UserID, r.Status, r.Pending)
}

// NewValidateUserCommand creates the validate-user command.
func NewValidateUserCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateUserOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate-user",
		Short: "Check an access token and report the auth status",
		Long: `Ask the backend whether an access token authorizes the user.

A change of auth status replays the store, so pending requests that were
refused before may be delivered now. The command waits for that replay.

Exit codes:
  0 - User is Ready
  1 - User is ReadOnly or NotAuthorized, or no answer before --timeout
  2 - Command error (bad configuration, invalid arguments)

Example:
  carrier validate-user --user u1 --token EAAB...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateUser(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "user id (required)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "access token to validate (required)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "how long to wait for an answer")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runValidateUser(opts *ValidateUserOptions, cmd *cobra.Command) error {
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

	if err := s.engine.SetUserID(opts.User); err != nil {
		return WrapExitError(ExitCommandError, "invalid --user", err)
	}
	before := s.store.Len()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	statuses := make(chan ir.AuthStatus, 1)
	if err := s.engine.ValidateUser(ctx, opts.Token, func(st ir.AuthStatus) {
		statuses <- st
	}); err != nil {
		return WrapExitError(ExitCommandError, "validation rejected", err)
	}

	var status ir.AuthStatus
	select {
	case status = <-statuses:
	case <-ctx.Done():
		return f.Fail(ExitFailure, ErrCodeTimeout, fmt.Sprintf("no answer within %s", opts.Timeout), ctx.Err())
	}
	if err := s.engine.WaitIdle(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeTimeout, "replay still running", err)
	}

	result := ValidateUserResult{
		UserID:   opts.User,
		Status:   status.String(),
		Pending:  s.store.Len(),
		Replayed: before,
	}
	if status != ir.Ready {
		if err := f.Error(ErrCodeDelivery, fmt.Sprintf("user %s is %s", opts.User, status), result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("user %s is %s", opts.User, status))
	}
	return f.Success(result)
}
