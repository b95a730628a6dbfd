package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// CreditOptions holds flags shared by the credit subcommands.
type CreditOptions struct {
	*RootOptions
	Reference string
}

// NewCreditCommand creates the credit command group.
func NewCreditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Ledger credits and credit line queries",
	}

	cmd.AddCommand(newCreditPayCommand(opts))
	cmd.AddCommand(newCreditShowCommand(opts))

	return cmd
}

// newCreditPayCommand records an external payment confirmation as a
// ledger credit. The confirmation reference is the idempotency key:
// delivering the same confirmation twice credits once.
func newCreditPayCommand(opts *CreditOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pay <agent-id> <amount>",
		Short:         "Credit an agent's balance from a payment confirmation",
		Example:       `  keel credit pay --db keel.db --key authority.key --reference pay-20260829-001 agent-a 5000`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(opts.RootOptions)
			f := newFormatter(cmd, opts.RootOptions)

			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid amount", err)
			}

			svc, closeFn, err := openService(opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeFn()

			bal, err := svc.LedgerCredit(cmd.Context(), args[0], amount, opts.Reference)
			if err != nil {
				return f.Failure(err)
			}
			if f.Format == "json" {
				return f.Success(map[string]any{"agent_id": args[0], "balance": bal})
			}
			return f.Success(fmt.Sprintf("%s credited %d, balance %d", args[0], amount, bal))
		},
	}

	cmd.Flags().StringVar(&opts.Reference, "reference", "", "payment confirmation reference (required)")
	_ = cmd.MarkFlagRequired("reference")

	return cmd
}

// newCreditShowCommand prints a credit line and its position.
func newCreditShowCommand(opts *CreditOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <line-id>",
		Short:         "Show a credit line and its position",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, opts.RootOptions)
			svc, closeFn, err := openService(opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeFn()

			line, pos, err := svc.Credit().Get(cmd.Context(), args[0])
			if err != nil {
				return f.Failure(err)
			}
			if f.Format == "json" {
				return f.Success(map[string]any{"line": line, "position": pos})
			}
			return f.Success(fmt.Sprintf(
				"line %s: %s -> %s, status %s\n  limit %d, principal %d, interest %d, fees %d",
				line.ID, line.Lender, line.Borrower, line.Status,
				line.Limit, pos.Principal, pos.InterestAccrued, pos.Fees))
		},
	}
}
