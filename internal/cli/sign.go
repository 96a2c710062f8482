package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/sign"
)

// SignOptions holds flags for the sign command.
type SignOptions struct {
	*RootOptions
	Host   string
	Params []string
}

// SignResult is the output of the sign command.
type SignResult struct {
	SigningString string `json:"signing_string"`
	Signature     string `json:"sig"`
}

func (r SignResult) String() string {
	return fmt.Sprintf("%s\n\nsig=%s", r.SigningString, r.Signature)
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sign <endpoint>",
		Short: "Print the signature for a request",
		Long: `Compute the signature the client would attach to a request.

The parameters must include every field the backend receives, including
request_id and the common fields, since the backend signs the whole form.

Example:
  carrier sign /me/scores.json --host api.example.com --app-secret s3cr3t \
    --param value=100 --param request_id=abc`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "backend host the request is sent to (required)")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "form field as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func runSign(opts *SignOptions, endpoint string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.mergeConfig(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	if cfg.AppSecret == "" {
		return f.Fail(ExitCommandError, ErrCodeConfig, "app_secret is required", nil)
	}

	params, err := parseParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid parameters", err)
	}

	s, err := sign.SigningString(opts.Host, endpoint, params)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to build signing string", err)
	}
	sig, err := sign.Sign(opts.Host, endpoint, cfg.AppSecret, params)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to sign", err)
	}
	return f.Success(SignResult{SigningString: s, Signature: sig})
}
