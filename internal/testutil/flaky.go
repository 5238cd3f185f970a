package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/roach88/vledger/internal/ledger"
)

var errInjected = errors.New("injected outage")

// FlakyBackend wraps a ledger.Backend and can be switched into an outage in
// which every call fails with BackendUnavailable, or told to fail only the
// next n appends.
//
// Thread-safety: safe for concurrent use.
type FlakyBackend struct {
	ledger.Backend

	down        atomic.Bool
	mu          sync.Mutex
	failAppends int
	appendCalls atomic.Int64
}

// NewFlakyBackend wraps inner. The backend starts healthy.
func NewFlakyBackend(inner ledger.Backend) *FlakyBackend {
	return &FlakyBackend{Backend: inner}
}

// SetDown toggles a full outage.
func (f *FlakyBackend) SetDown(down bool) {
	f.down.Store(down)
}

// FailNextAppends makes the next n Append calls fail before reaching the
// wrapped backend.
func (f *FlakyBackend) FailNextAppends(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAppends = n
}

// AppendCalls reports how many Append calls were attempted.
func (f *FlakyBackend) AppendCalls() int64 {
	return f.appendCalls.Load()
}

func (f *FlakyBackend) check(op string) error {
	if f.down.Load() {
		return ledger.Unavailable("flaky", op, errInjected)
	}
	return nil
}

func (f *FlakyBackend) Append(ctx context.Context, req ledger.AppendRequest) (ledger.Entry, bool, error) {
	f.appendCalls.Add(1)
	if err := f.check("append"); err != nil {
		return ledger.Entry{}, false, err
	}
	f.mu.Lock()
	if f.failAppends > 0 {
		f.failAppends--
		f.mu.Unlock()
		return ledger.Entry{}, false, ledger.Unavailable("flaky", "append", errInjected)
	}
	f.mu.Unlock()
	return f.Backend.Append(ctx, req)
}

func (f *FlakyBackend) FindBySealID(ctx context.Context, sealID string) (ledger.Entry, bool, error) {
	if err := f.check("find by seal_id"); err != nil {
		return ledger.Entry{}, false, err
	}
	return f.Backend.FindBySealID(ctx, sealID)
}

func (f *FlakyBackend) GetBySession(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	if err := f.check("get by session"); err != nil {
		return nil, err
	}
	return f.Backend.GetBySession(ctx, sessionID)
}

func (f *FlakyBackend) Query(ctx context.Context, filter ledger.Filter, limit, offset int) ([]ledger.Entry, error) {
	if err := f.check("query"); err != nil {
		return nil, err
	}
	return f.Backend.Query(ctx, filter, limit, offset)
}

func (f *FlakyBackend) Head(ctx context.Context, l ledger.Lineage) (ledger.Head, error) {
	if err := f.check("head"); err != nil {
		return ledger.Head{}, err
	}
	return f.Backend.Head(ctx, l)
}

func (f *FlakyBackend) VerifyChain(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	if err := f.check("verify chain"); err != nil {
		return ledger.VerifyResult{}, err
	}
	return f.Backend.VerifyChain(ctx, l)
}
