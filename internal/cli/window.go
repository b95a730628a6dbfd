package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keelclear/keel/internal/window"
)

// NewWindowCommand creates the window command group.
func NewWindowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Inspect and manage settlement windows",
	}

	cmd.AddCommand(newWindowHeadCommand(rootOpts))
	cmd.AddCommand(newWindowSubmitCommand(rootOpts))
	cmd.AddCommand(newWindowRotateCommand(rootOpts))
	cmd.AddCommand(newWindowProofCommand(rootOpts))

	return cmd
}

func newWindowHeadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "head",
		Short:         "Show the open settlement window",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, opts)
			svc, closeFn, err := openService(opts)
			if err != nil {
				return err
			}
			defer closeFn()

			w, err := svc.WindowHead(cmd.Context())
			if err != nil {
				return f.Failure(err)
			}
			if f.Format == "json" {
				return f.Success(w)
			}
			return f.Success(fmt.Sprintf("window %s: %s, %d leaves", w.ID, w.Status, w.LeafCount))
		},
	}
}

func newWindowSubmitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "submit <leaf-hash>",
		Short:         "Submit a record hash to the open window",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, opts)
			svc, closeFn, err := openService(opts)
			if err != nil {
				return err
			}
			defer closeFn()

			windowID, err := svc.WindowSubmit(cmd.Context(), args[0])
			if err != nil {
				return f.Failure(err)
			}
			if f.Format == "json" {
				return f.Success(map[string]string{"window_id": windowID, "leaf_hash": args[0]})
			}
			return f.Success(fmt.Sprintf("submitted to window %s", windowID))
		},
	}
}

func newWindowRotateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rotate",
		Short:         "Close the open window and open its successor",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, opts)
			svc, closeFn, err := openService(opts)
			if err != nil {
				return err
			}
			defer closeFn()

			closed, next, err := svc.WindowRotate(cmd.Context())
			if err != nil {
				return f.Failure(err)
			}
			if f.Format == "json" {
				return f.Success(map[string]*window.Window{"closed": closed, "next": next})
			}
			return f.Success(fmt.Sprintf("closed window %s (%d leaves, root %s)\nopen window %s",
				closed.ID, closed.LeafCount, closed.RootHash, next.ID))
		},
	}
}

func newWindowProofCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "proof <window-id> <leaf-hash>",
		Short:         "Produce an inclusion proof for a closed window",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, opts)
			svc, closeFn, err := openService(opts)
			if err != nil {
				return err
			}
			defer closeFn()

			p, err := svc.WindowProof(cmd.Context(), args[0], args[1])
			if err != nil {
				return f.Failure(err)
			}
			if f.Format == "json" {
				return f.Success(p)
			}
			return f.Success(fmt.Sprintf("leaf %s at position %d of %d, root %s",
				p.LeafHash, p.Position, p.LeafCount, p.RootHash))
		},
	}
}
