package seal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/testutil"
)

func TestNew_RequiresBackends(t *testing.T) {
	h := newHarness(t)

	_, err := New(nil, h.fallback)
	assert.Error(t, err)
	_, err = New(h.durable, nil)
	assert.Error(t, err)
	_, err = New(h.durable, h.fallback, WithTimeout(0))
	assert.Error(t, err)
}

func TestSeal_ScenarioLiterals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := Request{
		SessionID: "s1",
		Verdict:   ledger.VerdictSeal,
		Payload:   map[string]any{"q": "2+2?"},
		Authority: "system",
		SealID:    "seal-s1",
	}

	first, err := h.coord.Seal(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSealed, first.Outcome)
	assert.Equal(t, StatusSealed, first.Status)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, ledger.TierSeal, first.Tier)
	assert.Equal(t, ledger.LineageSeal, first.Lineage)
	assert.True(t, first.Authoritative)
	assert.Len(t, first.EntryHash, 64)

	again, err := h.coord.Seal(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduplicated, again.Outcome)
	assert.Equal(t, int64(1), again.Sequence)
	assert.Equal(t, first.EntryHash, again.EntryHash)

	_, err = h.durable.DB().Exec(`UPDATE ledger_entries SET payload = '{"q":"2+3?"}' WHERE lineage = 'seal' AND sequence = 1`)
	require.NoError(t, err)

	results, err := h.coord.Verify(ctx)
	require.NoError(t, err)
	var sealResult ledger.VerifyResult
	for _, r := range results {
		if r.Lineage == ledger.LineageSeal {
			sealResult = r
		}
	}
	assert.False(t, sealResult.OK)
	assert.Equal(t, int64(1), sealResult.FirstBadSequence)
}

func TestSeal_HaltedLineageRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Seal(ctx, Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system"})
	require.NoError(t, err)
	_, err = h.durable.DB().Exec(`UPDATE ledger_entries SET verdict = 'VOID' WHERE sequence = 1`)
	require.NoError(t, err)
	_, err = h.coord.Verify(ctx)
	require.NoError(t, err)

	r, err := h.coord.Seal(ctx, Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system"})
	assert.True(t, ledger.IsChainCorruption(err))
	assert.Equal(t, OutcomeRejected, r.Outcome)
	assert.Equal(t, StatusError, r.Status)

	entries, err := h.fallback.Query(ctx, ledger.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "corruption must not be worked around via fallback")
}

func TestSeal_GeneratesUUIDv7SealID(t *testing.T) {
	h := newHarness(t)

	r, err := h.coord.Seal(context.Background(), Request{SessionID: "s1", Verdict: ledger.VerdictVoid, Authority: "system"})
	require.NoError(t, err)

	id, err := uuid.Parse(r.SealID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestSeal_InjectedIDGenerator(t *testing.T) {
	h := newHarness(t, WithIDGenerator(testutil.NewSequentialIDGenerator("seal")))

	r, err := h.coord.Seal(context.Background(), Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system"})
	require.NoError(t, err)
	assert.Equal(t, "seal-0001", r.SealID)
}

func TestSeal_RejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown verdict", Request{SessionID: "s1", Verdict: "MAYBE", Authority: "system"}},
		{"missing session", Request{Verdict: ledger.VerdictSeal, Authority: "system"}},
		{"missing authority", Request{SessionID: "s1", Verdict: ledger.VerdictSeal}},
		{"bad hint", Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system", RetentionHint: "FOREVER"}},
		{"unserializable payload", Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system", Payload: map[string]any{"f": func() {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			r, err := h.coord.Seal(context.Background(), tt.req)
			assert.True(t, ledger.IsValidationError(err), "%v", err)
			assert.Equal(t, OutcomeRejected, r.Outcome)
			assert.Equal(t, StatusError, r.Status)
			assert.False(t, r.Written())
			assert.Equal(t, int64(0), h.flaky.AppendCalls())
		})
	}
}

func TestSeal_ConcurrentCallsContiguous(t *testing.T) {
	for _, m := range []int{10, 100} {
		t.Run(fmt.Sprintf("M=%d", m), func(t *testing.T) {
			// Every caller queues on the one SQLite connection; see DefaultTimeout.
			h := newHarness(t, WithTimeout(30*time.Second))
			ctx := context.Background()

			receipts := make([]Receipt, m)
			var g errgroup.Group
			for i := 0; i < m; i++ {
				g.Go(func() error {
					r, err := h.coord.Seal(ctx, Request{
						SessionID: fmt.Sprintf("s%d", i%7),
						Verdict:   ledger.VerdictSeal,
						Payload:   map[string]any{"i": i},
						Authority: "system",
						SealID:    fmt.Sprintf("seal-%d", i),
					})
					receipts[i] = r
					return err
				})
			}
			require.NoError(t, g.Wait())

			seen := make(map[int64]bool, m)
			for _, r := range receipts {
				require.Equal(t, OutcomeSealed, r.Outcome)
				require.False(t, seen[r.Sequence], "duplicate sequence %d", r.Sequence)
				seen[r.Sequence] = true
			}
			for seq := int64(1); seq <= int64(m); seq++ {
				assert.True(t, seen[seq], "missing sequence %d", seq)
			}

			results, err := h.coord.Verify(ctx)
			require.NoError(t, err)
			for _, r := range results {
				assert.True(t, r.OK, "%s: %s", r.Lineage, r.Reason)
			}
		})
	}
}

func TestSeal_RetriesTransientOutage(t *testing.T) {
	h := newHarness(t, WithRetries(2))
	h.flaky.FailNextAppends(2)

	r, err := h.coord.Seal(context.Background(), Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system", SealID: "retry-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSealed, r.Outcome)
	assert.True(t, r.Authoritative)
	assert.Equal(t, int64(3), h.flaky.AppendCalls())
}

func TestSeal_FallsBackWhenDurableDown(t *testing.T) {
	h := newHarness(t, WithRetries(1))
	h.flaky.SetDown(true)
	ctx := context.Background()

	r, err := h.coord.Seal(ctx, Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Payload: map[string]any{"q": "2+2?"}, Authority: "system", SealID: "seal-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, r.Outcome)
	assert.Equal(t, StatusSealed, r.Status)
	assert.Equal(t, ledger.LineageFallback, r.Lineage)
	assert.Equal(t, int64(1), r.Sequence)
	assert.False(t, r.Authoritative)
	assert.NotEmpty(t, r.Reason)

	cooling, err := h.coord.Seal(ctx, Request{SessionID: "s1", Verdict: ledger.VerdictSabar, Authority: "system", SealID: "seal-2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, cooling.Outcome)
	assert.Equal(t, StatusCooling, cooling.Status)
	assert.Equal(t, ledger.TierSabar, cooling.Tier)
	assert.Equal(t, int64(2), cooling.Sequence)

	q, err := h.coord.Query(ctx, ledger.Filter{SessionID: "s1"}, 0, 0)
	require.NoError(t, err)
	assert.False(t, q.Authoritative)
	assert.Len(t, q.Entries, 2)

	// Nothing reached the durable store.
	h.flaky.SetDown(false)
	q, err = h.coord.Query(ctx, ledger.Filter{SessionID: "s1"}, 0, 0)
	require.NoError(t, err)
	assert.True(t, q.Authoritative)
	assert.Empty(t, q.Entries)
}

func TestSeal_DedupAgainstFallbackWhileDown(t *testing.T) {
	h := newHarness(t, WithRetries(0))
	h.flaky.SetDown(true)
	ctx := context.Background()
	req := Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system", SealID: "seal-1"}

	first, err := h.coord.Seal(ctx, req)
	require.NoError(t, err)
	again, err := h.coord.Seal(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeduplicated, again.Outcome)
	assert.False(t, again.Authoritative)
	assert.Equal(t, first.EntryHash, again.EntryHash)

	entries, err := h.fallback.Query(ctx, ledger.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSeal_DedupAgainstFallbackAfterRecovery(t *testing.T) {
	h := newHarness(t, WithRetries(0))
	ctx := context.Background()
	req := Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: "system", SealID: "seal-1"}

	h.flaky.SetDown(true)
	first, err := h.coord.Seal(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeDegraded, first.Outcome)
	calls := h.flaky.AppendCalls()

	h.flaky.SetDown(false)
	again, err := h.coord.Seal(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeduplicated, again.Outcome)
	assert.False(t, again.Authoritative)
	assert.Equal(t, ledger.LineageFallback, again.Lineage)
	assert.Equal(t, first.Sequence, again.Sequence)
	assert.Equal(t, first.EntryHash, again.EntryHash)
	assert.Equal(t, calls, h.flaky.AppendCalls(), "no durable append after the fallback hit")

	durable, err := h.durable.Query(ctx, ledger.Filter{IncludeExpired: true}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, durable)
}

func TestSeal_TransientWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.coord.Seal(ctx, Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Payload: map[string]any{"dry_run": true}, Authority: "system"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSealed, r.Outcome)
	assert.Equal(t, StatusTransient, r.Status)
	assert.Equal(t, ledger.TierTransient, r.Tier)
	assert.False(t, r.Written())
	assert.Equal(t, int64(0), h.flaky.AppendCalls())
}

func TestSeal_CoolingExpiresFromQueries(t *testing.T) {
	h := newHarness(t, WithCoolingWindow(time.Hour))
	ctx := context.Background()

	r, err := h.coord.Seal(ctx, Request{SessionID: "s1", Verdict: ledger.VerdictHold, Authority: "system", SealID: "hold-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCooling, r.Status)
	assert.Equal(t, ledger.LineageCooling, r.Lineage)
	assert.Equal(t, int64(1), r.Sequence)

	e, found, err := h.durable.FindBySealID(ctx, "hold-1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, epoch.Add(time.Hour), *e.ExpiresAt)

	q, err := h.coord.Query(ctx, ledger.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, q.Entries, 1)

	h.clock.Advance(2 * time.Hour)

	q, err = h.coord.Query(ctx, ledger.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, q.Entries)

	q, err = h.coord.Query(ctx, ledger.Filter{IncludeExpired: true}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, q.Entries, 1)

	expired, err := h.coord.ExpiredCooling(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "hold-1", expired[0].SealID)

	history, err := h.coord.SessionHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, history.Entries, 1)
}
