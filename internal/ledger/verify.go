package ledger

import (
	"fmt"

	"github.com/roach88/vledger/internal/canon"
)

// VerifyResult reports the outcome of walking one lineage.
type VerifyResult struct {
	Lineage          Lineage `json:"lineage"`
	OK               bool    `json:"ok"`
	Checked          int64   `json:"checked"`
	FirstBadSequence int64   `json:"first_bad_sequence,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

// Err converts a failed result into a ChainCorruptionError.
func (r VerifyResult) Err() error {
	if r.OK {
		return nil
	}
	return &ChainCorruptionError{Lineage: r.Lineage, Sequence: r.FirstBadSequence, Reason: r.Reason}
}

// ChainVerifier checks entries one at a time in sequence order so backends
// can stream rows instead of loading a whole lineage.
//
// Usage:
//
//	v := NewChainVerifier(lineage)
//	for each stored row { if !v.Check(entry, storedPayload) { break } }
//	v.CheckHead(head)
//	result := v.Result()
type ChainVerifier struct {
	lineage  Lineage
	lastSeq  int64
	lastHash string
	checked  int64
	bad      bool
	badSeq   int64
	reason   string
}

// NewChainVerifier starts a walk at genesis.
func NewChainVerifier(l Lineage) *ChainVerifier {
	return &ChainVerifier{lineage: l, lastHash: GenesisHash}
}

// Check verifies the next entry. storedPayload is the payload exactly as
// persisted; it is hashed byte for byte so any edit to stored text shows up.
// Returns false once a mismatch has been found.
func (v *ChainVerifier) Check(e Entry, storedPayload []byte) bool {
	if v.bad {
		return false
	}
	want := v.lastSeq + 1
	switch {
	case e.Sequence != want:
		return v.fail(want, fmt.Sprintf("sequence gap: expected %d, found %d", want, e.Sequence))
	case e.SchemaVersion != SchemaVersion:
		return v.fail(e.Sequence, fmt.Sprintf("unsupported schema_version %d", e.SchemaVersion))
	case e.PrevHash != v.lastHash:
		return v.fail(e.Sequence, "prev_hash does not match entry_hash of previous sequence")
	}
	computed := canon.EntryHash(e.hashFields(storedPayload))
	if computed != e.EntryHash {
		return v.fail(e.Sequence, "entry_hash does not match recomputed hash")
	}
	v.lastSeq = e.Sequence
	v.lastHash = e.EntryHash
	v.checked++
	return true
}

// CheckHead compares the persisted head against the last verified entry.
func (v *ChainVerifier) CheckHead(h Head) bool {
	if v.bad {
		return false
	}
	switch {
	case h.Sequence > v.lastSeq:
		return v.fail(v.lastSeq+1, fmt.Sprintf("head at sequence %d but entries end at %d", h.Sequence, v.lastSeq))
	case h.Sequence < v.lastSeq:
		return v.fail(h.Sequence+1, fmt.Sprintf("entries beyond head sequence %d", h.Sequence))
	case h.EntryHash != v.lastHash:
		return v.fail(v.lastSeq, "head entry_hash does not match last entry")
	}
	return true
}

// Result returns the walk outcome.
func (v *ChainVerifier) Result() VerifyResult {
	return VerifyResult{
		Lineage:          v.lineage,
		OK:               !v.bad,
		Checked:          v.checked,
		FirstBadSequence: v.badSeq,
		Reason:           v.reason,
	}
}

// Head returns the head implied by the entries verified so far.
func (v *ChainVerifier) Head() Head {
	return Head{Lineage: v.lineage, Sequence: v.lastSeq, EntryHash: v.lastHash}
}

func (v *ChainVerifier) fail(seq int64, reason string) bool {
	v.bad = true
	v.badSeq = seq
	v.reason = reason
	return false
}
