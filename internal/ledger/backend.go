package ledger

import "context"

// Backend is a hash-chained, append-only entry store.
//
// Implementations: store.Store (SQLite), pgstore.Store (PostgreSQL) and
// fallback.Store (local JSONL). Which one serves as the durable backend is
// chosen when the process is configured, never discovered at runtime.
//
// Connectivity failures are reported as BackendUnavailableError; appends to
// a halted lineage fail with ChainCorruptionError.
type Backend interface {
	// Name identifies the implementation in logs and receipts.
	Name() string

	// Lineages lists the lineages this backend hosts.
	Lineages() []Lineage

	// Append atomically reads the lineage head, links a new entry to it and
	// advances the head. If req.SealID already exists, the stored entry is
	// returned with created=false and nothing is written.
	Append(ctx context.Context, req AppendRequest) (entry Entry, created bool, err error)

	// FindBySealID looks up an entry by its idempotency key.
	FindBySealID(ctx context.Context, sealID string) (Entry, bool, error)

	// GetBySession returns every entry for a session, ordered by lineage
	// then sequence.
	GetBySession(ctx context.Context, sessionID string) ([]Entry, error)

	// Query returns entries matching f, ordered by lineage then sequence.
	Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error)

	// Head returns the current tip of a lineage.
	Head(ctx context.Context, lineage Lineage) (Head, error)

	// RebuildHead re-derives a lineage head from its last entry.
	RebuildHead(ctx context.Context, lineage Lineage) (Head, error)

	// VerifyChain walks a lineage from genesis. A failed verification
	// halts further appends to that lineage.
	VerifyChain(ctx context.Context, lineage Lineage) (VerifyResult, error)

	// ResumeLineage lifts a halt after re-verifying the lineage.
	ResumeLineage(ctx context.Context, lineage Lineage) (VerifyResult, error)

	// Close releases backend resources.
	Close() error
}
