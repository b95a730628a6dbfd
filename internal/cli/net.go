package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keelclear/keel/internal/receipt"
	"github.com/keelclear/keel/internal/service"
)

// NetOptions holds flags for the net command.
type NetOptions struct {
	*RootOptions
	Caller    string
	Epoch     string
	RequestID string
}

// NewNetCommand creates the net command.
func NewNetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "net <receipts.json>",
		Short: "Net a batch of receipts into signed obligations",
		Long: `Net a batch of signed receipts into minimal pairwise obligations.

The input file holds a JSON array of receipts. The clearing fee is
debited from the caller's ledger balance, every included receipt hash is
submitted to the open settlement window, and the signed result is
persisted under its netting hash.

Passing the same --request-id again replays the stored result without
charging a second fee.

Example:
  keel net --db keel.db --key authority.key --caller agent-a --epoch 2026-08 batch.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNet(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Caller, "caller", "", "agent paying the clearing fee (required)")
	cmd.Flags().StringVar(&opts.Epoch, "epoch", "", "epoch identifier (required)")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "idempotency token for retries")
	_ = cmd.MarkFlagRequired("caller")
	_ = cmd.MarkFlagRequired("epoch")

	return cmd
}

func runNet(opts *NetOptions, path string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)
	f := newFormatter(cmd, opts.RootOptions)

	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read receipts", err)
	}
	var receipts []*receipt.Receipt
	if err := json.Unmarshal(raw, &receipts); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse receipts", err)
	}

	svc, closeFn, err := openService(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeFn()

	var requestHash string
	if opts.RequestID != "" {
		requestHash = service.RequestHash("net", opts.Caller, opts.RequestID)
	}

	out, err := svc.Net(cmd.Context(), opts.Caller, receipts, opts.Epoch, requestHash)
	if err != nil {
		return f.Failure(err)
	}

	if f.Format == "json" {
		return f.Success(out)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "netting %s\n", out.Result.NettingHash)
	fmt.Fprintf(&sb, "  epoch:    %s\n", out.Result.EpochID)
	fmt.Fprintf(&sb, "  receipts: %d\n", len(out.Result.IncludedReceiptHashes))
	fmt.Fprintf(&sb, "  fee:      %d\n", out.Fee)
	for _, o := range out.Result.NetObligations {
		fmt.Fprintf(&sb, "  %s -> %s: %d\n", o.From, o.To, o.Amount)
	}
	return f.Success(strings.TrimRight(sb.String(), "\n"))
}
