package retention

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/vledger/internal/ledger"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want ledger.Tier
	}{
		{
			name: "seal verdict defaults to permanent",
			in:   Input{Verdict: ledger.VerdictSeal},
			want: ledger.TierSeal,
		},
		{
			name: "void and partial are permanent",
			in:   Input{Verdict: ledger.VerdictVoid},
			want: ledger.TierSeal,
		},
		{
			name: "sabar cools",
			in:   Input{Verdict: ledger.VerdictSabar},
			want: ledger.TierSabar,
		},
		{
			name: "hold cools",
			in:   Input{Verdict: ledger.VerdictHold},
			want: ledger.TierSabar,
		},
		{
			name: "dry run is transient",
			in:   Input{Verdict: ledger.VerdictSeal, Payload: map[string]any{"dry_run": true}},
			want: ledger.TierTransient,
		},
		{
			name: "ephemeral string flag is transient",
			in:   Input{Verdict: ledger.VerdictSabar, Payload: map[string]any{"ephemeral": "TRUE"}},
			want: ledger.TierTransient,
		},
		{
			name: "false flags are ignored",
			in:   Input{Verdict: ledger.VerdictSeal, Payload: map[string]any{"dry_run": false, "ephemeral": 1}},
			want: ledger.TierSeal,
		},
		{
			name: "payload retention key beats verdict",
			in:   Input{Verdict: ledger.VerdictHold, Payload: map[string]any{"retention": "seal"}},
			want: ledger.TierSeal,
		},
		{
			name: "payload retention key beats dry run",
			in:   Input{Verdict: ledger.VerdictSeal, Payload: map[string]any{"retention": "SABAR", "dry_run": true}},
			want: ledger.TierSabar,
		},
		{
			name: "unknown payload retention falls through",
			in:   Input{Verdict: ledger.VerdictSabar, Payload: map[string]any{"retention": "forever"}},
			want: ledger.TierSabar,
		},
		{
			name: "hint beats everything",
			in:   Input{Verdict: ledger.VerdictSeal, Payload: map[string]any{"retention": "SEAL"}, Hint: ledger.TierTransient},
			want: ledger.TierTransient,
		},
		{
			name: "recovery is never transient",
			in:   Input{Verdict: ledger.VerdictVoid, Authority: SystemRecoveryAuthority, Hint: ledger.TierTransient},
			want: ledger.TierSeal,
		},
		{
			name: "recovery may still cool",
			in:   Input{Verdict: ledger.VerdictHold, Authority: SystemRecoveryAuthority},
			want: ledger.TierSabar,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}
