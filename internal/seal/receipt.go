package seal

import (
	"github.com/roach88/vledger/internal/ledger"
)

// Outcome tags what a Seal call did.
type Outcome string

const (
	// OutcomeSealed: a new entry was written to the durable backend, or a
	// TRANSIENT verdict was acknowledged.
	OutcomeSealed Outcome = "sealed"

	// OutcomeDeduplicated: the seal_id already existed; the stored entry is
	// reported unchanged.
	OutcomeDeduplicated Outcome = "deduplicated"

	// OutcomeDegraded: the durable backend was unreachable and the entry was
	// written to the fallback lineage.
	OutcomeDegraded Outcome = "degraded"

	// OutcomeRejected: nothing was written.
	OutcomeRejected Outcome = "rejected"
)

// Status is the caller-facing state of a verdict.
type Status string

const (
	StatusSealed    Status = "SEALED"
	StatusCooling   Status = "COOLING"
	StatusTransient Status = "TRANSIENT"
	StatusError     Status = "ERROR"
)

// Receipt describes the result of a Seal or Promote call.
type Receipt struct {
	Outcome       Outcome        `json:"outcome" yaml:"outcome"`
	Status        Status         `json:"status" yaml:"status"`
	SealID        string         `json:"seal_id" yaml:"seal_id"`
	SessionID     string         `json:"session_id" yaml:"session_id"`
	Sequence      int64          `json:"sequence,omitempty" yaml:"sequence,omitempty"`
	EntryHash     string         `json:"entry_hash,omitempty" yaml:"entry_hash,omitempty"`
	Tier          ledger.Tier    `json:"tier" yaml:"tier"`
	Lineage       ledger.Lineage `json:"lineage,omitempty" yaml:"lineage,omitempty"`
	Backend       string         `json:"backend,omitempty" yaml:"backend,omitempty"`
	Authoritative bool           `json:"authoritative" yaml:"authoritative"`
	Reason        string         `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Written reports whether the receipt refers to a stored entry.
func (r Receipt) Written() bool {
	return r.EntryHash != ""
}

func statusForTier(t ledger.Tier) Status {
	switch t {
	case ledger.TierSabar:
		return StatusCooling
	case ledger.TierTransient:
		return StatusTransient
	default:
		return StatusSealed
	}
}

func receiptFor(e ledger.Entry, outcome Outcome, backend string, authoritative bool) Receipt {
	return Receipt{
		Outcome:       outcome,
		Status:        statusForTier(e.Tier),
		SealID:        e.SealID,
		SessionID:     e.SessionID,
		Sequence:      e.Sequence,
		EntryHash:     e.EntryHash,
		Tier:          e.Tier,
		Lineage:       e.Lineage,
		Backend:       backend,
		Authoritative: authoritative,
	}
}

func rejected(req Request, tier ledger.Tier, err error) Receipt {
	return Receipt{
		Outcome:   OutcomeRejected,
		Status:    StatusError,
		SealID:    req.SealID,
		SessionID: req.SessionID,
		Tier:      tier,
		Reason:    err.Error(),
	}
}
