package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/vledger/internal/ledger"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRequest creates a SEAL-tier append request with minimal fields.
func createTestRequest(sealID, sessionID string, payload map[string]any) ledger.AppendRequest {
	return ledger.AppendRequest{
		SealID:    sealID,
		SessionID: sessionID,
		Verdict:   ledger.VerdictSeal,
		Payload:   payload,
		Authority: "system",
		Lineage:   ledger.LineageSeal,
		Tier:      ledger.TierSeal,
	}
}

// steppingClock returns a clock that advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}
