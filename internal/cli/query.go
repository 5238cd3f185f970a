package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/seal"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	SessionID      string
	Authority      string
	Verdict        string
	Lineage        string
	Since          string
	Until          string
	IncludeExpired bool
	Limit          int
	Offset         int
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List ledger entries",
		Long: `List ledger entries matching the given filters, in lineage and
sequence order.

Results come from the durable ledger. When it is unreachable the fallback
ledger answers and the result is marked non-authoritative. Expired cooling
entries are hidden unless --include-expired is set.

Example:
  vledger query --session s1
  vledger query --verdict SABAR --lineage cooling --format json
  vledger query --since 2026-01-01T00:00:00Z --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SessionID, "session", "", "only entries for this session")
	cmd.Flags().StringVar(&opts.Authority, "authority", "", "only entries with this authority")
	cmd.Flags().StringVar(&opts.Verdict, "verdict", "", "only entries with this verdict")
	cmd.Flags().StringVar(&opts.Lineage, "lineage", "", "only entries of this lineage (seal, cooling, fallback)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only entries at or after this RFC 3339 time")
	cmd.Flags().StringVar(&opts.Until, "until", "", "only entries before this RFC 3339 time")
	cmd.Flags().BoolVar(&opts.IncludeExpired, "include-expired", false, "include expired cooling entries")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum entries to return (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "entries to skip")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	filter, err := opts.filter()
	if err != nil {
		return fail(f, "invalid filter", err)
	}

	stack, err := opts.openStack(ctx, f)
	if err != nil {
		return err
	}
	defer closeStack(stack)

	result, err := stack.Coordinator.Query(ctx, filter, opts.Limit, opts.Offset)
	if err != nil {
		return fail(f, "query failed", err)
	}
	if result.Entries == nil {
		result.Entries = []ledger.Entry{}
	}
	return f.Render(result, func(w io.Writer) { printQueryResult(w, result) })
}

func (o *QueryOptions) filter() (ledger.Filter, error) {
	filter := ledger.Filter{
		SessionID:      o.SessionID,
		Authority:      o.Authority,
		IncludeExpired: o.IncludeExpired,
	}
	if o.Verdict != "" {
		v, err := ledger.ParseVerdict(o.Verdict)
		if err != nil {
			return filter, err
		}
		filter.Verdict = v
	}
	if o.Lineage != "" {
		l, err := parseLineage(o.Lineage)
		if err != nil {
			return filter, err
		}
		filter.Lineage = l
	}
	var err error
	if filter.Since, err = parseTime("since", o.Since); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime("until", o.Until); err != nil {
		return filter, err
	}
	if o.Limit < 0 || o.Offset < 0 {
		return filter, &ledger.ValidationError{Field: "limit", Message: "limit and offset must not be negative"}
	}
	return filter, nil
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: field, Message: fmt.Sprintf("%q is not an RFC 3339 time", s), Err: err}
	}
	return t.UTC(), nil
}

func printQueryResult(w io.Writer, r seal.QueryResult) {
	source := r.Backend
	if !r.Authoritative {
		source += " (non-authoritative: durable ledger unavailable)"
	}
	fmt.Fprintf(w, "%d entries from %s\n", len(r.Entries), source)
	for _, e := range r.Entries {
		printEntry(w, e)
	}
}

func printEntry(w io.Writer, e ledger.Entry) {
	line := fmt.Sprintf("%-8s #%-5d %s  %-7s %-9s session=%s seal_id=%s authority=%s",
		e.Lineage, e.Sequence, e.Timestamp.UTC().Format(time.RFC3339), e.Verdict, e.Tier, e.SessionID, e.SealID, e.Authority)
	if e.ExpiresAt != nil {
		line += " expires=" + e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintln(w, strings.TrimRight(line, " "))
}
