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
	"golang.org/x/sync/errgroup"

	"github.com/roach88/vledger/internal/seal"
)

// MaintainOptions holds flags for the maintain command.
type MaintainOptions struct {
	*RootOptions
	VerifyInterval time.Duration
}

// NewMaintainCommand creates the maintain command.
func NewMaintainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MaintainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run orphan recovery and chain verification until stopped",
		Long: `Run the background maintenance loop.

Every maintenance.interval, orphaned sessions are recovered. With
--verify-interval, every lineage is also re-verified on that period and
corrupted lineages are halted. Stops on SIGINT or SIGTERM.

Example:
  vledger maintain --config /etc/vledger.yaml --verify-interval 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintain(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.VerifyInterval, "verify-interval", 0, "re-verify every lineage on this period (0 disables)")

	return cmd
}

func runMaintain(opts *MaintainOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.VerifyInterval < 0 {
		return NewExitError(ExitCommandError, ErrCodeValidation+": --verify-interval must not be negative")
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := opts.openStack(ctx, f)
	if err != nil {
		return err
	}
	defer closeStack(stack)

	slog.Info("maintenance starting",
		"interval", stack.Config.Maintenance.Interval,
		"session_timeout", stack.Config.Sessions.Timeout,
		"verify_interval", opts.VerifyInterval,
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Maintenance running. Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stack.Tracker.Run(gctx)
	})
	if opts.VerifyInterval > 0 {
		g.Go(func() error {
			return verifyLoop(gctx, stack.Coordinator, opts.VerifyInterval)
		})
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "maintenance stopped", err)
	}
	slog.Info("maintenance stopped gracefully")
	return nil
}

// verifyLoop re-verifies every lineage each interval. Findings are logged
// by the backends, which also halt the lineage; the loop keeps going.
func verifyLoop(ctx context.Context, c *seal.Coordinator, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		results, err := c.Verify(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("periodic verification incomplete", "error", err)
		}
		for _, r := range results {
			if !r.OK {
				slog.Error("periodic verification found corruption",
					"lineage", r.Lineage,
					"sequence", r.FirstBadSequence,
					"reason", r.Reason,
				)
			}
		}
	}
}
