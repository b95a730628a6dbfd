package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelclear/keel/internal/window"
)

// RotateOptions holds flags for the rotate command.
type RotateOptions struct {
	*RootOptions
	Interval time.Duration
}

// NewRotateCommand creates the rotate command.
func NewRotateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RotateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Run the background window rotator",
		Long: `Run the settlement window rotator until interrupted.

Every interval the open window is closed, its root hash computed over
the submitted leaves, and a successor opened. A zero --interval uses the
policy's rotation interval.

Example:
  keel rotate --db keel.db --key authority.key --interval 1h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotate(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "rotation interval (default: policy rotation_interval_secs)")

	return cmd
}

func runRotate(opts *RotateOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	svc, closeFn, err := openService(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeFn()

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(svc.Policy().RotationIntervalSecs) * time.Second
	}
	rotator := window.NewRotator(svc.Windows(), interval, slog.Default())

	// Use the command's context if set (for testing), otherwise background.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("rotator starting", "db", opts.Database, "interval", interval)
	fmt.Fprintln(cmd.OutOrStdout(), "Rotator started. Press Ctrl-C to stop.")

	rotator.Run(ctx)

	slog.Info("rotator stopped")
	return nil
}
