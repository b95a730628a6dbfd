package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelclear/keel/internal/commitment"
	"github.com/keelclear/keel/internal/netting"
	"github.com/keelclear/keel/internal/receipt"
	"github.com/keelclear/keel/internal/solvency"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	PublicKey string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify <kind> <file>",
		Short: "Verify a signed record",
		Long: `Verify the content hash and signature of a signed JSON record.

Kinds: receipt, netting, commitment, balance.

Verification is offline: no database is needed. The signer's public key
comes from --pubkey, or is derived from --key when --pubkey is unset.

Example:
  keel verify receipt r.json --pubkey 3f9a...
  keel verify netting result.json --key authority.key`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PublicKey, "pubkey", "", "hex public key of the signer")

	return cmd
}

func runVerify(opts *VerifyOptions, kind, path string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)

	switch kind {
	case "receipt", "netting", "commitment", "balance":
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown kind %q: must be receipt, netting, commitment or balance", kind))
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read record", err)
	}

	pub := opts.PublicKey
	if pub == "" && opts.KeyFile != "" {
		kp, err := loadKeyPair(opts.KeyFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load key", err)
		}
		pub = kp.PublicHex
	}
	if pub == "" {
		return NewExitError(ExitCommandError, "--pubkey or --key is required")
	}

	hash, err := verifyRecord(kind, payload, pub)
	if err != nil {
		if f.Format == "json" {
			_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
				Status: "error",
				Error:  &CLIError{Code: "INTEGRITY", Message: err.Error()},
			})
		} else {
			fmt.Fprintf(f.GetErrWriter(), "INVALID: %s\n", err.Error())
		}
		return WrapExitError(ExitFailure, "verification failed", err)
	}

	if f.Format == "json" {
		return f.Success(map[string]string{"kind": kind, "hash": hash})
	}
	return f.Success(fmt.Sprintf("OK %s %s", kind, hash))
}

// verifyRecord dispatches on kind, returning the verified content hash.
func verifyRecord(kind string, payload []byte, publicKeyHex string) (string, error) {
	switch kind {
	case "receipt":
		var r receipt.Receipt
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", fmt.Errorf("parse receipt: %w", err)
		}
		return receipt.Verify(&r, publicKeyHex)
	case "netting":
		var r netting.Result
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", fmt.Errorf("parse netting result: %w", err)
		}
		if err := netting.Verify(&r, publicKeyHex); err != nil {
			return "", err
		}
		return r.NettingHash, nil
	case "commitment":
		var c commitment.Commitment
		if err := json.Unmarshal(payload, &c); err != nil {
			return "", fmt.Errorf("parse commitment: %w", err)
		}
		return commitment.Verify(&c, publicKeyHex)
	case "balance":
		var s solvency.Sheet
		if err := json.Unmarshal(payload, &s); err != nil {
			return "", fmt.Errorf("parse balance sheet: %w", err)
		}
		return solvency.Verify(&s, publicKeyHex)
	default:
		return "", fmt.Errorf("unknown kind %q", kind)
	}
}
