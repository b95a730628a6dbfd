package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelclear/keel/internal/sig"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out string
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair",
		Long: `Generate an Ed25519 key pair for signing receipts, commitments and
clearing results.

The private key is written hex-encoded to --out with mode 0600; the
public key is printed to stdout.

Example:
  keel keygen --out authority.key`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "", "file to write the private key to (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)

	kp, err := sig.GenerateKeyPair()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to generate key pair", err)
	}

	if err := os.WriteFile(opts.Out, []byte(kp.PrivateHex+"\n"), 0o600); err != nil {
		return WrapExitError(ExitCommandError, "failed to write private key", err)
	}

	if f.Format == "json" {
		return f.Success(map[string]string{
			"public_key":       kp.PublicHex,
			"private_key_file": opts.Out,
		})
	}
	return f.Success(fmt.Sprintf("public key: %s\nprivate key written to %s", kp.PublicHex, opts.Out))
}
