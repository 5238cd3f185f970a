package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vledger/internal/session"
)

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Track open sessions and recover orphaned ones",
		Long: `Register sessions while they run so that a session whose process dies
before sealing its final verdict is detected and closed with a VOID
verdict.`,
	}
	cmd.AddCommand(newSessionOpenCommand(rootOpts))
	cmd.AddCommand(newSessionCloseCommand(rootOpts))
	cmd.AddCommand(newSessionHeartbeatCommand(rootOpts))
	cmd.AddCommand(newSessionListCommand(rootOpts))
	cmd.AddCommand(newSessionOrphansCommand(rootOpts))
	cmd.AddCommand(newSessionRecoverCommand(rootOpts))
	return cmd
}

func newSessionOpenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		token     string
		pid       int
		authority string
	)
	cmd := &cobra.Command{
		Use:   "open <session-id>",
		Short: "Register an open session",
		Long: `Register an open session.

Liveness is tracked with --pid (the owning process on this host) or, by
default, with heartbeats: call "vledger session heartbeat" periodically.

Example:
  vledger session open s1 --pid $$
  vledger session open s2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			if pid > 0 {
				token = session.PIDToken(pid)
			}
			who := authority
			if who == "" {
				who = stack.Config.Authority
			}
			rec, err := stack.Tracker.Open(ctx, args[0], token, who)
			if err != nil {
				return fail(f, "failed to open session", err)
			}
			return f.Render(rec, func(w io.Writer) {
				fmt.Fprintf(w, "✓ session %s open (liveness %s)\n", rec.SessionID, rec.LivenessToken)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "liveness token (pid:<n> or hb:<time>)")
	cmd.Flags().IntVar(&pid, "pid", 0, "owning process id on this host")
	cmd.Flags().StringVar(&authority, "authority", "", "authority that owns the session (default from config)")
	cmd.MarkFlagsMutuallyExclusive("token", "pid")
	return cmd
}

func newSessionCloseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Remove an open session after its verdict is sealed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			if err := stack.Tracker.Close(ctx, args[0]); err != nil {
				return fail(f, "failed to close session", err)
			}
			return f.Render(map[string]string{"session_id": args[0], "status": "closed"}, func(w io.Writer) {
				fmt.Fprintf(w, "✓ session %s closed\n", args[0])
			})
		},
	}
}

func newSessionHeartbeatCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <session-id>",
		Short: "Refresh a session's heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			rec, err := stack.Tracker.Heartbeat(ctx, args[0])
			if err != nil {
				return fail(f, "heartbeat failed", err)
			}
			return f.Render(rec, func(w io.Writer) {
				fmt.Fprintf(w, "✓ session %s alive (%s)\n", rec.SessionID, rec.LivenessToken)
			})
		},
	}
}

func newSessionListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			records, err := stack.Tracker.List(ctx)
			if err != nil {
				return fail(f, "failed to list sessions", err)
			}
			if records == nil {
				records = []session.Record{}
			}
			return f.Render(records, func(w io.Writer) {
				fmt.Fprintf(w, "%d open sessions\n", len(records))
				for _, r := range records {
					printSession(w, r, "")
				}
			})
		},
	}
}

func newSessionOrphansCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List sessions whose owner is gone or that exceeded the timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			if !cmd.Flags().Changed("timeout") {
				timeout = stack.Config.Sessions.Timeout
			}
			orphans, err := stack.Tracker.Orphaned(ctx, timeout)
			if err != nil {
				return fail(f, "failed to list orphans", err)
			}
			if orphans == nil {
				orphans = []session.Orphan{}
			}
			return f.Render(orphans, func(w io.Writer) {
				fmt.Fprintf(w, "%d orphaned sessions\n", len(orphans))
				for _, o := range orphans {
					printSession(w, o.Record, o.Reason)
				}
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "age after which any open session is orphaned (default from config)")
	return cmd
}

func newSessionRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Seal a VOID verdict for every orphaned session",
		Long: `Run one recovery pass: every orphaned session is claimed, sealed with a
VOID verdict under the system-recovery authority, and removed. Sealing is
idempotent, so concurrent or repeated passes never seal a session twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			if !cmd.Flags().Changed("timeout") {
				timeout = stack.Config.Sessions.Timeout
			}
			summary, recErr := stack.Tracker.RecoverOrphans(ctx, timeout)
			if err := f.Render(summary, func(w io.Writer) { printPassSummary(w, summary) }); err != nil {
				return err
			}
			if recErr != nil {
				return WrapExitError(ExitCommandError, errorCode(recErr)+": recovery incomplete", recErr)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "age after which any open session is orphaned (default from config)")
	return cmd
}

func printSession(w io.Writer, r session.Record, reason string) {
	line := fmt.Sprintf("%s  %-10s started=%s liveness=%s authority=%s host=%s",
		r.SessionID, r.Status, r.StartedAt.UTC().Format(time.RFC3339), r.LivenessToken, r.Authority, r.Host)
	if r.ClaimedBy != "" {
		line += " claimed_by=" + r.ClaimedBy
	}
	if reason != "" {
		line += "\n    reason: " + reason
	}
	fmt.Fprintln(w, line)
}

func printPassSummary(w io.Writer, s session.PassSummary) {
	fmt.Fprintf(w, "found %d, recovered %d, skipped %d, failed %d\n", s.Found, s.Recovered, s.Skipped, s.Failed)
	for _, r := range s.Results {
		switch {
		case r.Receipt != nil:
			fmt.Fprintf(w, "  %s: %s as %s (%s)\n", r.SessionID, r.Action, r.Receipt.SealID, r.Receipt.Outcome)
		case r.Action == "":
			fmt.Fprintf(w, "  %s: failed\n", r.SessionID)
		default:
			fmt.Fprintf(w, "  %s: %s\n", r.SessionID, r.Action)
		}
	}
}
