package canon

import (
	"math"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"empty object", map[string]any{}, "{}"},
		{"string", "hello", `"hello"`},
		{"int", 42, "42"},
		{"negative int", -100, "-100"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"float trailing zero", 2.50, "2.5"},
		{"array", []any{1, "a", false}, `[1,"a",false]`},
		{"sorted keys", map[string]any{"zebra": 1, "alpha": 2, "beta": 3}, `{"alpha":2,"beta":3,"zebra":1}`},
		{"no html escaping", map[string]any{"q": "<a&b>"}, `{"q":"<a&b>"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalNFCNormalization(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := Marshal(map[string]any{decomposed: decomposed})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{composed: composed})
	require.NoError(t, err)

	assert.Equal(t, string(b), string(a))
}

func TestMarshalRejectsUnserializable(t *testing.T) {
	_, err := Marshal(map[string]any{"x": math.NaN()})
	assert.Error(t, err)

	_, err = Marshal(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestCanonicalizeIdempotent(t *testing.T) {
	raw := []byte(`{ "b" : [1, 2.0, {"z":1,"y":2}], "a": "x" }`)

	first, err := Canonicalize(raw)
	require.NoError(t, err)
	second, err := Canonicalize(first)
	require.NoError(t, err)

	assert.Equal(t, `{"a":"x","b":[1,2,{"y":2,"z":1}]}`, string(first))
	assert.Equal(t, string(first), string(second))
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestMarshalRoundTripThroughStorage(t *testing.T) {
	payload := map[string]any{
		"q":     "2+2?",
		"count": 9007199254740993,
		"ratio": 0.1,
	}

	stored, err := Marshal(payload)
	require.NoError(t, err)

	decoded, err := DecodeObject(stored)
	require.NoError(t, err)

	again, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(stored), string(again))
}

func TestMarshalGolden(t *testing.T) {
	payload := map[string]any{
		"q": "2+2?",
		"nested": map[string]any{
			"b": []any{1, 2.5, "x<y"},
			"a": true,
		},
		"n": nil,
	}

	out, err := Marshal(payload)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "nested_payload", out)
}

func baseFields(ts time.Time) EntryFields {
	return EntryFields{
		PrevHash:  GenesisHash,
		SessionID: "s1",
		Timestamp: ts,
		Verdict:   "SEAL",
		Payload:   []byte(`{}`),
		Sequence:  1,
		SealID:    "seal-1",
		Authority: "system",
		Lineage:   "seal",
		Tier:      "SEAL",
	}
}

func TestEntryHashKnownVector(t *testing.T) {
	f := baseFields(time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC))
	f.Payload = []byte(`{"q":"2+2?"}`)

	assert.Equal(t, "413f258ffde53c1efd2f85be849fdccc9c8f02891273ee28584e84d8576a0be8", EntryHash(f))
}

func TestEntryHashFieldSensitivity(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	base := EntryHash(baseFields(ts))
	expires := ts.Add(time.Hour)

	edits := map[string]func(*EntryFields){
		"prev_hash":  func(f *EntryFields) { f.PrevHash = "1" + GenesisHash[1:] },
		"session_id": func(f *EntryFields) { f.SessionID = "s2" },
		"timestamp":  func(f *EntryFields) { f.Timestamp = ts.Add(time.Microsecond) },
		"verdict":    func(f *EntryFields) { f.Verdict = "VOID" },
		"payload":    func(f *EntryFields) { f.Payload = []byte(`{"a":1}`) },
		"sequence":   func(f *EntryFields) { f.Sequence = 2 },
		"seal_id":    func(f *EntryFields) { f.SealID = "seal-2" },
		"authority":  func(f *EntryFields) { f.Authority = "mallory" },
		"lineage":    func(f *EntryFields) { f.Lineage = "cooling" },
		"tier":       func(f *EntryFields) { f.Tier = "SABAR" },
		"expires_at": func(f *EntryFields) { f.ExpiresAt = &expires },
	}
	for name, edit := range edits {
		t.Run(name, func(t *testing.T) {
			f := baseFields(ts)
			edit(&f)
			assert.NotEqual(t, base, EntryHash(f))
		})
	}

	// Separator prevents boundary shifting between adjacent fields.
	shifted := baseFields(ts)
	shifted.SessionID, shifted.Verdict = "s1S", "EAL"
	assert.NotEqual(t, base, EntryHash(shifted))
}

func TestFormatTimestampUTC(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	ts := time.Date(2026, 1, 2, 4, 4, 5, 0, loc)
	assert.Equal(t, "2026-01-02T03:04:05Z", FormatTimestamp(ts))
}
