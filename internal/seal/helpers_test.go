package seal

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/vledger/internal/fallback"
	"github.com/roach88/vledger/internal/store"
	"github.com/roach88/vledger/internal/testutil"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type harness struct {
	coord    *Coordinator
	durable  *store.Store
	flaky    *testutil.FlakyBackend
	fallback *fallback.Store
	clock    *testutil.Clock
}

// newHarness wires a coordinator over a SQLite durable store (wrapped so
// tests can force outages) and a JSONL fallback, all on one frozen clock.
func newHarness(t *testing.T, opts ...Option) *harness {
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
	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryInterval(time.Millisecond),
	}
	coord, err := New(flaky, fb, append(base, opts...)...)
	require.NoError(t, err)

	return &harness{coord: coord, durable: durable, flaky: flaky, fallback: fb, clock: clock}
}
