package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/vledger/internal/fallback"
	"github.com/roach88/vledger/internal/seal"
	"github.com/roach88/vledger/internal/store"
	"github.com/roach88/vledger/internal/testutil"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// deadToken is a heartbeat far older than any max age used in tests.
const deadToken = "hb:2000-01-01T00:00:00Z"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	registry *Registry
	coord    *seal.Coordinator
	flaky    *testutil.FlakyBackend
	clock    *testutil.Clock
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := testutil.NewClock(epoch, 0)

	durable, err := store.Open(filepath.Join(dir, "ledger.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	fb, err := fallback.Open(filepath.Join(dir, "fallback.jsonl"), fallback.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })

	flaky := testutil.NewFlakyBackend(durable)
	coord, err := seal.New(flaky, fb,
		seal.WithClock(clock.Now),
		seal.WithLogger(quiet),
		seal.WithRetryInterval(time.Millisecond),
	)
	require.NoError(t, err)

	registry, err := OpenRegistry(filepath.Join(dir, "sessions", "registry.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	return &harness{registry: registry, coord: coord, flaky: flaky, clock: clock, dir: dir}
}

func (h *harness) tracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	return h.trackerWith(t, h.coord, opts...)
}

func (h *harness) trackerWith(t *testing.T, sealer Sealer, opts ...Option) *Tracker {
	t.Helper()
	base := []Option{
		WithClock(h.clock.Now),
		WithLogger(quiet),
		WithHost("test-host"),
		WithProbe(HeartbeatProbe{MaxAge: time.Minute}),
	}
	tr, err := NewTracker(h.registry, sealer, append(base, opts...)...)
	require.NoError(t, err)
	return tr
}

// stubSealer fails every Seal with err and reports no history.
type stubSealer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubSealer) Seal(context.Context, seal.Request) (seal.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return seal.Receipt{Outcome: seal.OutcomeRejected, Status: seal.StatusError}, s.err
}

func (s *stubSealer) SessionHistory(context.Context, string) (seal.QueryResult, error) {
	return seal.QueryResult{}, nil
}
