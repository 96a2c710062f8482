package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/engine"
	"github.com/roach88/carrier/internal/ir"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Class  string
	Params []string
	User   string
	Image  string
	Wait   time.Duration
}

// SendResult describes the first delivery attempt of a sent request.
type SendResult struct {
	RequestID  string  `json:"request_id"`
	Endpoint   string  `json:"endpoint"`
	Outcome    string  `json:"outcome"`
	StatusCode int     `json:"status_code,omitempty"`
	Error      string  `json:"error,omitempty"`
	Retained   bool    `json:"retained"`
	RetryDelay float64 `json:"retry_delay,omitempty"`
	Dropped    bool    `json:"dropped,omitempty"`
}

func (r SendResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", r.RequestID, r.Endpoint, r.Outcome)
	if r.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", r.StatusCode)
	}
	switch {
	case r.Outcome == "Stored":
	case r.Retained:
		fmt.Fprintf(&b, ", kept for retry in %.2fs", r.RetryDelay)
	case r.Dropped:
		b.WriteString(", dropped after exhausting retries")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\n  %s", r.Error)
	}
	return b.String()
}

func newSendResult(out engine.Outcome) SendResult {
	return SendResult{
		RequestID:  out.RequestID,
		Endpoint:   out.Endpoint,
		Outcome:    out.Classification.String(),
		StatusCode: out.StatusCode,
		Error:      out.ErrorText,
		Retained:   out.Retained,
		RetryDelay: out.RetryDelay,
		Dropped:    out.Dropped,
	}
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <endpoint>",
		Short: "Store and deliver one request",
		Long: `Store a request and make one delivery attempt.

The request is written to the store before it is sent. If the attempt does
not end in a terminal outcome the request stays in the store and is retried
by the next drain or run.

Exit codes:
  0 - Backend accepted the request
  1 - Request rejected, kept for retry, or no outcome before --wait
  2 - Command error (bad configuration, invalid arguments)

Examples:
  carrier send /me/achievements.json --user u1 --param achievement_id=first_win
  carrier send /me/scores.json --user u1 --param value=100
  carrier send /purchase.json --user u1 --param price=4.99 --param currency=USD
  carrier send /me/actions.json --user u1 --param action_id=cook --image dish.png`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Class, "class", "post", "service class (post|auth|metrics)")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "request parameter as key=value (repeatable)")
	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "user id (required)")
	cmd.Flags().StringVar(&opts.Image, "image", "", "file sent as the image attachment")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 30*time.Second, "how long to wait for the first attempt (0: store only)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runSend(opts *SendOptions, endpoint string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	class, err := ir.ParseServiceClass(opts.Class)
	if err != nil || class == ir.ServiceDiscovery {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --class %q: must be post, auth or metrics", opts.Class))
	}
	if !strings.HasPrefix(endpoint, "/") {
		return NewExitError(ExitCommandError, fmt.Sprintf("endpoint %q must start with '/'", endpoint))
	}
	params, err := parseParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}

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

	req := ir.NewRequest(class, endpoint, params, ir.UUIDv7Generator{}, time.Now())
	if opts.Image != "" {
		data, err := os.ReadFile(opts.Image)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read --image", err)
		}
		req.Attachment = data
	}

	outcomes := make(chan engine.Outcome, 1)
	entry, err := s.engine.EnqueueRequest(req, func(out engine.Outcome) {
		outcomes <- out
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidArgument) {
			return WrapExitError(ExitCommandError, "request rejected", err)
		}
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to store request", err)
	}
	f.VerboseLog("stored %s %s", entry.ID(), endpoint)

	if opts.Wait <= 0 {
		return f.Success(SendResult{RequestID: entry.ID(), Endpoint: endpoint, Outcome: "Stored", Retained: true})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Wait)
	defer cancel()

	select {
	case out := <-outcomes:
		result := newSendResult(out)
		if out.Classification == ir.OK {
			return f.Success(result)
		}
		if err := f.Error(ErrCodeDelivery, fmt.Sprintf("request %s: %s", result.RequestID, result.Outcome), result); err != nil {
			return err
		}
		if f.Format != "json" && !f.Verbose {
			fmt.Fprintln(f.Writer, result)
		}
		return WrapExitError(ExitFailure, "delivery failed", out.Err())
	case <-ctx.Done():
		return f.Fail(ExitFailure, ErrCodeTimeout,
			fmt.Sprintf("no outcome for %s within %s; request kept in store", entry.ID(), opts.Wait), ctx.Err())
	}
}
