package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vledger/internal/ledger"
)

// VerifyReport is the output of the verify command.
type VerifyReport struct {
	OK      bool                  `json:"ok"`
	Results []ledger.VerifyResult `json:"results"`
	Errors  []string              `json:"errors,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify every lineage's hash chain",
		Long: `Walk every lineage of the durable and fallback ledgers and recompute
each entry hash and chain link.

A lineage that fails verification is halted: further appends to it are
refused until "vledger resume" succeeds. Exits 1 if any lineage fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	stack, err := opts.openStack(ctx, f)
	if err != nil {
		return err
	}
	defer closeStack(stack)

	results, verr := stack.Coordinator.Verify(ctx)
	report := VerifyReport{OK: verr == nil, Results: results}
	if report.Results == nil {
		report.Results = []ledger.VerifyResult{}
	}
	if verr != nil {
		report.Errors = []string{verr.Error()}
	}
	for _, r := range results {
		if !r.OK {
			report.OK = false
		}
	}

	if err := f.Render(report, func(w io.Writer) { printVerifyReport(w, report) }); err != nil {
		return err
	}
	if !report.OK {
		if verr != nil && !hasCorruption(results) {
			return WrapExitError(ExitCommandError, ErrCodeBackendUnavailable+": verification incomplete", verr)
		}
		return NewExitError(ExitFailure, ErrCodeChainCorruption+": chain verification failed")
	}
	return nil
}

func hasCorruption(results []ledger.VerifyResult) bool {
	for _, r := range results {
		if !r.OK {
			return true
		}
	}
	return false
}

func printVerifyReport(w io.Writer, report VerifyReport) {
	for _, r := range report.Results {
		if r.OK {
			fmt.Fprintf(w, "✓ %-8s %d entries verified\n", r.Lineage, r.Checked)
			continue
		}
		fmt.Fprintf(w, "✗ %-8s corrupted at sequence %d: %s (lineage halted)\n", r.Lineage, r.FirstBadSequence, r.Reason)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "! %s\n", e)
	}
}

// NewPromoteCommand creates the promote command.
func NewPromoteCommand(rootOpts *RootOptions) *cobra.Command {
	var authority string
	cmd := &cobra.Command{
		Use:   "promote <seal-id>",
		Short: "Promote a cooling entry to the permanent seal lineage",
		Long: `Copy a live SABAR cooling entry into the permanent seal lineage.

The promoted entry records where it came from and gets seal_id
"promote:<seal-id>", so promoting twice returns the first promotion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			who := authority
			if who == "" {
				who = stack.Config.Authority
			}
			receipt, err := stack.Coordinator.Promote(ctx, args[0], who)
			if err != nil {
				return fail(f, "promotion rejected", err)
			}
			return f.Render(receipt, func(w io.Writer) { printReceipt(w, receipt) })
		},
	}
	cmd.Flags().StringVar(&authority, "authority", "", "authority recorded on the promoted entry (default from config)")
	return cmd
}

// NewExpiredCommand creates the expired command.
func NewExpiredCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expired",
		Short: "List cooling entries past their retention window",
		Long: `List SABAR cooling entries whose cooling window has passed without a
promotion. They are hidden from default queries; archival tooling may
remove them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			entries, err := stack.Coordinator.ExpiredCooling(ctx)
			if err != nil {
				return fail(f, "failed to list cooling entries", err)
			}
			return f.Render(entries, func(w io.Writer) {
				fmt.Fprintf(w, "%d expired cooling entries\n", len(entries))
				for _, e := range entries {
					printEntry(w, e)
				}
			})
		},
	}
}

// NewRebuildHeadCommand creates the rebuild-head command.
func NewRebuildHeadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-head <lineage>",
		Short: "Re-derive a lineage head from its last entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			l, err := parseLineage(args[0])
			if err != nil {
				return fail(f, "invalid lineage", err)
			}
			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			head, err := stack.Coordinator.RebuildHead(ctx, l)
			if err != nil {
				return fail(f, "failed to rebuild head", err)
			}
			return f.Render(head, func(w io.Writer) {
				fmt.Fprintf(w, "%s head: #%d %s\n", head.Lineage, head.Sequence, head.EntryHash)
			})
		},
	}
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <lineage>",
		Short: "Lift the halt on a lineage that verifies again",
		Long: `Re-verify a halted lineage and, if every entry checks out, allow
appends to it again. A lineage that still fails stays halted and the
command exits 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)

			l, err := parseLineage(args[0])
			if err != nil {
				return fail(f, "invalid lineage", err)
			}
			stack, err := rootOpts.openStack(ctx, f)
			if err != nil {
				return err
			}
			defer closeStack(stack)

			res, err := stack.Coordinator.Resume(ctx, l)
			if err != nil {
				return fail(f, "failed to resume lineage", err)
			}
			if err := f.Render(res, func(w io.Writer) {
				printVerifyReport(w, VerifyReport{Results: []ledger.VerifyResult{res}})
			}); err != nil {
				return err
			}
			if !res.OK {
				return WrapExitError(ExitFailure, ErrCodeChainCorruption+": lineage still corrupted", res.Err())
			}
			return nil
		},
	}
}
