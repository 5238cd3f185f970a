package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildChain appends n entries to an empty lineage and returns them with
// their canonical payloads.
func buildChain(t *testing.T, n int) ([]Entry, [][]byte) {
	t.Helper()
	head := GenesisHead(LineageSeal)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var entries []Entry
	var payloads [][]byte
	for i := 0; i < n; i++ {
		req := AppendRequest{
			SealID:    "seal-" + string(rune('a'+i)),
			SessionID: "s1",
			Verdict:   VerdictSeal,
			Payload:   map[string]any{"i": i},
			Authority: "system",
			Tier:      TierSeal,
		}
		payload, err := req.Validate()
		require.NoError(t, err)
		e := head.Next(req, payload, ts.Add(time.Duration(i)*time.Second))
		entries = append(entries, e)
		payloads = append(payloads, payload)
		head = Head{Lineage: LineageSeal, Sequence: e.Sequence, EntryHash: e.EntryHash}
	}
	return entries, payloads
}

func runVerifier(entries []Entry, payloads [][]byte, head Head) VerifyResult {
	v := NewChainVerifier(LineageSeal)
	for i, e := range entries {
		if !v.Check(e, payloads[i]) {
			break
		}
	}
	v.CheckHead(head)
	return v.Result()
}

func TestChainVerifierAcceptsValidChain(t *testing.T) {
	entries, payloads := buildChain(t, 5)
	last := entries[len(entries)-1]

	result := runVerifier(entries, payloads, Head{Sequence: last.Sequence, EntryHash: last.EntryHash})

	assert.True(t, result.OK)
	assert.Equal(t, int64(5), result.Checked)
	assert.NoError(t, result.Err())
}

func TestChainVerifierEmptyLineage(t *testing.T) {
	result := runVerifier(nil, nil, GenesisHead(LineageSeal))
	assert.True(t, result.OK)
	assert.Equal(t, int64(0), result.Checked)
}

func TestChainVerifierDetectsTamperedPayload(t *testing.T) {
	entries, payloads := buildChain(t, 4)
	payloads[2] = []byte(`{"i":99}`)
	last := entries[len(entries)-1]

	result := runVerifier(entries, payloads, Head{Sequence: last.Sequence, EntryHash: last.EntryHash})

	require.False(t, result.OK)
	assert.Equal(t, int64(3), result.FirstBadSequence)
	assert.True(t, IsChainCorruption(result.Err()))
}

func TestChainVerifierDetectsFieldEdits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Entry)
	}{
		{"session", func(e *Entry) { e.SessionID = "other" }},
		{"verdict", func(e *Entry) { e.Verdict = VerdictVoid }},
		{"timestamp", func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Second) }},
		{"entry hash", func(e *Entry) { e.EntryHash = GenesisHash }},
		{"prev hash", func(e *Entry) { e.PrevHash = GenesisHash }},
		{"schema", func(e *Entry) { e.SchemaVersion = 7 }},
		{"authority", func(e *Entry) { e.Authority = "mallory" }},
		{"seal id", func(e *Entry) { e.SealID = "forged" }},
		{"tier", func(e *Entry) { e.Tier = TierSabar }},
		{"expires at", func(e *Entry) { exp := e.Timestamp.Add(time.Hour); e.ExpiresAt = &exp }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, payloads := buildChain(t, 3)
			tt.mutate(&entries[1])
			last := entries[len(entries)-1]

			result := runVerifier(entries, payloads, Head{Sequence: last.Sequence, EntryHash: last.EntryHash})

			require.False(t, result.OK)
			assert.Equal(t, int64(2), result.FirstBadSequence)
		})
	}
}

func TestChainVerifierDetectsGap(t *testing.T) {
	entries, payloads := buildChain(t, 4)
	entries = append(entries[:1], entries[2:]...)
	payloads = append(payloads[:1], payloads[2:]...)
	last := entries[len(entries)-1]

	result := runVerifier(entries, payloads, Head{Sequence: last.Sequence, EntryHash: last.EntryHash})

	require.False(t, result.OK)
	assert.Equal(t, int64(2), result.FirstBadSequence)
}

func TestChainVerifierDetectsHeadMismatch(t *testing.T) {
	entries, payloads := buildChain(t, 3)

	ahead := runVerifier(entries, payloads, Head{Sequence: 5, EntryHash: "x"})
	require.False(t, ahead.OK)
	assert.Equal(t, int64(4), ahead.FirstBadSequence)

	behind := runVerifier(entries, payloads, Head{Sequence: 1, EntryHash: entries[0].EntryHash})
	require.False(t, behind.OK)
	assert.Equal(t, int64(2), behind.FirstBadSequence)
}
