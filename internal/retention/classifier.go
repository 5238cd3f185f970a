// Package retention decides how long a verdict is kept.
//
// Classify is pure: it looks only at the verdict, a handful of well-known
// payload keys, and an optional caller hint. Precedence, first match wins:
//
//  1. an explicit hint
//  2. payload["retention"] naming a tier
//  3. payload["dry_run"] or payload["ephemeral"] set to true -> TRANSIENT
//  4. verdict SABAR or HOLD -> SABAR
//  5. everything else -> SEAL
//
// Seals written by system recovery are never TRANSIENT: an orphaned session
// must always end with a persisted entry.
package retention

import (
	"strings"

	"github.com/roach88/vledger/internal/ledger"
)

// SystemRecoveryAuthority is the authority used for seals produced by
// orphan recovery.
const SystemRecoveryAuthority = "system-recovery"

// Payload keys consulted by Classify.
const (
	KeyRetention = "retention"
	KeyDryRun    = "dry_run"
	KeyEphemeral = "ephemeral"
)

// Input is everything Classify looks at.
type Input struct {
	Verdict   ledger.Verdict
	Payload   map[string]any
	Authority string
	Hint      ledger.Tier
}

// Classify maps a verdict and its payload metadata to a retention tier.
func Classify(in Input) ledger.Tier {
	tier := classify(in)
	if tier == ledger.TierTransient && in.Authority == SystemRecoveryAuthority {
		return ledger.TierSeal
	}
	return tier
}

func classify(in Input) ledger.Tier {
	if in.Hint != "" {
		if t, err := ledger.ParseTier(string(in.Hint)); err == nil {
			return t
		}
	}
	if raw, ok := in.Payload[KeyRetention].(string); ok {
		if t, err := ledger.ParseTier(raw); err == nil {
			return t
		}
	}
	if truthy(in.Payload[KeyDryRun]) || truthy(in.Payload[KeyEphemeral]) {
		return ledger.TierTransient
	}
	switch in.Verdict {
	case ledger.VerdictSabar, ledger.VerdictHold:
		return ledger.TierSabar
	default:
		return ledger.TierSeal
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}
