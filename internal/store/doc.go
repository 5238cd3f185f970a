// Package store provides the SQLite-backed durable verdict ledger.
//
// The store hosts two lineages in the same tables:
//   - seal: permanent entries
//   - cooling: SABAR entries with an expires_at retention bound
//
// # Critical Patterns
//
// Single-writer head: every append runs in one BEGIN IMMEDIATE transaction
// that reads the lineage head row, inserts the entry and advances the head
// with a compare-and-set on head_sequence. Sequence assignment therefore
// follows commit order, within and across processes.
//
// Idempotency: seal_id carries a UNIQUE constraint and is looked up inside
// the same transaction, so a replayed seal returns the stored entry.
//
// Deterministic reads: all queries ORDER BY lineage ASC, sequence ASC.
//
// Tamper evidence: payloads are stored as canonical JSON text and hashed
// byte for byte during verification.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: an acknowledged seal survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: transactions take the write lock at BEGIN
package store
