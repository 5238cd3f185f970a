package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/vledger/internal/canon"
)

// SchemaVersion is stamped on every entry and selects the hashing rules.
const SchemaVersion = 1

// GenesisHash is the prev_hash of sequence 1 in every lineage.
var GenesisHash = canon.GenesisHash

// Verdict is the terminal classification of an evaluation.
type Verdict string

const (
	VerdictSeal    Verdict = "SEAL"
	VerdictVoid    Verdict = "VOID"
	VerdictSabar   Verdict = "SABAR"
	VerdictPartial Verdict = "PARTIAL"
	VerdictHold    Verdict = "HOLD"
)

// Verdicts lists every accepted verdict.
var Verdicts = []Verdict{VerdictSeal, VerdictVoid, VerdictSabar, VerdictPartial, VerdictHold}

// Valid reports whether v is one of the enumerated verdicts.
func (v Verdict) Valid() bool {
	for _, known := range Verdicts {
		if v == known {
			return true
		}
	}
	return false
}

// ParseVerdict accepts a verdict in any case.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToUpper(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", &ValidationError{Field: "verdict", Message: fmt.Sprintf("unknown verdict %q", s)}
	}
	return v, nil
}

// Tier is the retention policy bucket of a seal.
type Tier string

const (
	TierSeal      Tier = "SEAL"      // permanent
	TierSabar     Tier = "SABAR"     // time-bounded cooling
	TierTransient Tier = "TRANSIENT" // not persisted
)

// ParseTier accepts a tier in any case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TierSeal, TierSabar, TierTransient:
		return t, nil
	}
	return "", &ValidationError{Field: "tier", Message: fmt.Sprintf("unknown retention tier %q", s)}
}

// Lineage names one independent hash chain.
type Lineage string

const (
	LineageSeal     Lineage = "seal"
	LineageCooling  Lineage = "cooling"
	LineageFallback Lineage = "fallback"
)

// Entry is one immutable ledger record.
type Entry struct {
	Sequence      int64          `json:"sequence"`
	SealID        string         `json:"seal_id"`
	SessionID     string         `json:"session_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Authority     string         `json:"authority"`
	Verdict       Verdict        `json:"verdict"`
	Payload       map[string]any `json:"payload"`
	EntryHash     string         `json:"entry_hash"`
	PrevHash      string         `json:"prev_hash"`
	SchemaVersion int            `json:"schema_version"`
	Lineage       Lineage        `json:"lineage"`
	Tier          Tier           `json:"tier"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether a cooling entry is past its retention window at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// ComputeHash recomputes the entry hash from the entry's own fields.
func (e Entry) ComputeHash() (string, error) {
	payload, err := canon.Marshal(payloadOrEmpty(e.Payload))
	if err != nil {
		return "", err
	}
	return canon.EntryHash(e.hashFields(payload)), nil
}

func (e Entry) hashFields(payload []byte) canon.EntryFields {
	return canon.EntryFields{
		PrevHash:  e.PrevHash,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Verdict:   string(e.Verdict),
		Payload:   payload,
		Sequence:  e.Sequence,
		SealID:    e.SealID,
		Authority: e.Authority,
		Lineage:   string(e.Lineage),
		Tier:      string(e.Tier),
		ExpiresAt: e.ExpiresAt,
	}
}

// Head is the tip of one lineage.
type Head struct {
	Lineage   Lineage `json:"lineage"`
	Sequence  int64   `json:"head_sequence"`
	EntryHash string  `json:"head_entry_hash"`
}

// GenesisHead is the head of an empty lineage.
func GenesisHead(l Lineage) Head {
	return Head{Lineage: l, Sequence: 0, EntryHash: GenesisHash}
}

// Next builds the entry that follows h. The caller supplies a validated
// request and its canonical payload.
func (h Head) Next(req AppendRequest, canonicalPayload []byte, ts time.Time) Entry {
	ts = ts.UTC().Truncate(time.Microsecond)
	var expires *time.Time
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC().Truncate(time.Microsecond)
		expires = &exp
	}
	e := Entry{
		Sequence:      h.Sequence + 1,
		SealID:        req.SealID,
		SessionID:     req.SessionID,
		Timestamp:     ts,
		Authority:     req.Authority,
		Verdict:       req.Verdict,
		Payload:       payloadOrEmpty(req.Payload),
		PrevHash:      h.EntryHash,
		SchemaVersion: SchemaVersion,
		Lineage:       h.Lineage,
		Tier:          req.Tier,
		ExpiresAt:     expires,
	}
	e.EntryHash = canon.EntryHash(e.hashFields(canonicalPayload))
	return e
}

// AppendRequest carries everything a backend needs to append one entry.
type AppendRequest struct {
	SealID    string
	SessionID string
	Verdict   Verdict
	Payload   map[string]any
	Authority string
	Lineage   Lineage
	Tier      Tier
	ExpiresAt *time.Time
}

// Validate checks the request and returns its canonical payload.
func (r AppendRequest) Validate() ([]byte, error) {
	if strings.TrimSpace(r.SessionID) == "" {
		return nil, &ValidationError{Field: "session_id", Message: "session_id is required"}
	}
	if strings.TrimSpace(r.SealID) == "" {
		return nil, &ValidationError{Field: "seal_id", Message: "seal_id is required"}
	}
	if strings.TrimSpace(r.Authority) == "" {
		return nil, &ValidationError{Field: "authority", Message: "authority is required"}
	}
	if !r.Verdict.Valid() {
		return nil, &ValidationError{Field: "verdict", Message: fmt.Sprintf("unknown verdict %q", r.Verdict)}
	}
	payload, err := canon.Marshal(payloadOrEmpty(r.Payload))
	if err != nil {
		return nil, &ValidationError{Field: "payload", Message: "payload is not deterministically serializable", Err: err}
	}
	return payload, nil
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	SessionID      string
	Authority      string
	Verdict        Verdict
	Lineage        Lineage
	Since          time.Time
	Until          time.Time
	IncludeExpired bool
	Now            time.Time // reference time for cooling expiry; zero means wall clock
}

// Matches applies the filter to one entry in memory.
func (f Filter) Matches(e Entry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Authority != "" && e.Authority != f.Authority {
		return false
	}
	if f.Verdict != "" && e.Verdict != f.Verdict {
		return false
	}
	if f.Lineage != "" && e.Lineage != f.Lineage {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if !f.IncludeExpired && e.Expired(f.now()) {
		return false
	}
	return true
}

func (f Filter) now() time.Time {
	if f.Now.IsZero() {
		return time.Now().UTC()
	}
	return f.Now
}

// ReferenceTime returns the time used for expiry decisions.
func (f Filter) ReferenceTime() time.Time {
	return f.now()
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
