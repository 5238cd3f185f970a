package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/seal"
)

// SealOptions holds flags for the seal command.
type SealOptions struct {
	*RootOptions
	SessionID   string
	Verdict     string
	Payload     string
	PayloadFile string
	Authority   string
	SealID      string
	Retention   string
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SealOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal a verdict into the ledger",
		Long: `Seal one verdict into the ledger.

The verdict is classified into a retention tier, then written to the
durable ledger. If the durable ledger is unreachable the entry goes to the
fallback ledger and the receipt is marked degraded. Re-running with the
same --seal-id returns the original receipt.

Example:
  vledger seal --session s1 --verdict SEAL --payload '{"score":0.93}'
  vledger seal --session s1 --verdict SABAR --seal-id run-42 --payload-file verdict.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id (required)")
	cmd.Flags().StringVar(&opts.Verdict, "verdict", "", "verdict: SEAL, VOID, SABAR, PARTIAL or HOLD (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload as a JSON object")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read the payload from a file (- for stdin)")
	cmd.Flags().StringVar(&opts.Authority, "authority", "", "authority recorded on the entry (default from config)")
	cmd.Flags().StringVar(&opts.SealID, "seal-id", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&opts.Retention, "retention", "", "retention tier override: SEAL, SABAR or TRANSIENT")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("verdict")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func runSeal(opts *SealOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	payload, err := readPayload(opts.Payload, opts.PayloadFile, cmd.InOrStdin())
	if err != nil {
		return fail(f, "invalid payload", err)
	}

	stack, err := opts.openStack(ctx, f)
	if err != nil {
		return err
	}
	defer closeStack(stack)

	authority := opts.Authority
	if authority == "" {
		authority = stack.Config.Authority
	}
	req := seal.Request{
		SessionID:     opts.SessionID,
		Verdict:       ledger.Verdict(strings.ToUpper(strings.TrimSpace(opts.Verdict))),
		Payload:       payload,
		Authority:     authority,
		SealID:        opts.SealID,
		RetentionHint: ledger.Tier(strings.ToUpper(strings.TrimSpace(opts.Retention))),
	}
	receipt, err := stack.Coordinator.Seal(ctx, req)
	if err != nil {
		return fail(f, "seal rejected", err)
	}
	return f.Render(receipt, func(w io.Writer) { printReceipt(w, receipt) })
}

// readPayload parses the payload flag or file. Numbers keep their text so
// the hashed payload matches what the caller wrote.
func readPayload(inline, file string, stdin io.Reader) (map[string]any, error) {
	var raw []byte
	switch {
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case file != "":
		// #nosec G304 -- payload path is an explicit operator argument.
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = b
	case inline != "":
		raw = []byte(inline)
	default:
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, &ledger.ValidationError{Field: "payload", Message: "payload must be a JSON object", Err: err}
	}
	if dec.More() {
		return nil, &ledger.ValidationError{Field: "payload", Message: "payload must be a single JSON object"}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func printReceipt(w io.Writer, r seal.Receipt) {
	marker := "✓"
	if !r.Authoritative {
		marker = "!"
	}
	fmt.Fprintf(w, "%s %s %s (%s)\n", marker, r.Outcome, r.SealID, r.Status)
	if r.Written() {
		fmt.Fprintf(w, "  lineage:  %s #%d on %s\n", r.Lineage, r.Sequence, r.Backend)
		fmt.Fprintf(w, "  hash:     %s\n", r.EntryHash)
	}
	fmt.Fprintf(w, "  tier:     %s\n", r.Tier)
	if r.Reason != "" {
		fmt.Fprintf(w, "  reason:   %s\n", r.Reason)
	}
}
