package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "balance <agent-id>",
		Short:         "Show an agent's ledger balance",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			svc, closeFn, err := openService(rootOpts)
			if err != nil {
				return err
			}
			defer closeFn()

			bal, err := svc.Balance(cmd.Context(), args[0])
			if err != nil {
				return f.Failure(err)
			}
			if f.Format == "json" {
				return f.Success(map[string]any{"agent_id": args[0], "balance": bal})
			}
			return f.Success(fmt.Sprintf("%s: %d", args[0], bal))
		},
	}
}
