package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DomainEntry prefixes every ledger entry hash.
// Version suffix enables future algorithm migration.
const DomainEntry = "vledger/entry/v1"

// GenesisHash is the prev_hash of the first entry in every lineage.
var GenesisHash = strings.Repeat("0", 64)

// FormatTimestamp renders a timestamp the way it enters the entry hash.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// EntryFields is the hash material of one ledger entry. Payload must
// already be in canonical form (see Marshal).
type EntryFields struct {
	PrevHash  string
	SessionID string
	Timestamp time.Time
	Verdict   string
	Payload   []byte
	Sequence  int64
	SealID    string
	Authority string
	Lineage   string
	Tier      string
	ExpiresAt *time.Time
}

// EntryHash computes H(prev_hash ‖ session_id ‖ timestamp ‖ verdict ‖ payload
// ‖ sequence ‖ seal_id ‖ authority ‖ lineage ‖ tier ‖ expires_at).
// A nil ExpiresAt hashes as the empty string.
func EntryHash(f EntryFields) string {
	var expires string
	if f.ExpiresAt != nil {
		expires = FormatTimestamp(*f.ExpiresAt)
	}
	return hashWithDomain(DomainEntry,
		[]byte(f.PrevHash),
		[]byte(f.SessionID),
		[]byte(FormatTimestamp(f.Timestamp)),
		[]byte(f.Verdict),
		f.Payload,
		[]byte(strconv.FormatInt(f.Sequence, 10)),
		[]byte(f.SealID),
		[]byte(f.Authority),
		[]byte(f.Lineage),
		[]byte(f.Tier),
		[]byte(expires),
	)
}

// hashWithDomain computes SHA-256 over the domain and each part, every
// boundary marked by a 0x00 byte so adjacent fields cannot bleed into each other.
func hashWithDomain(domain string, parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
