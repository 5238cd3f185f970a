// Package ledger defines the verdict ledger's core types and the contract
// every storage backend implements.
//
// A lineage is one hash chain with its own genesis and sequence counter.
// The durable backends host the "seal" and "cooling" lineages; the local
// fallback hosts the "fallback" lineage. Sequence numbers are never shared
// between lineages.
//
// Invariants every backend upholds per lineage:
//   - entry_hash = H(prev_hash ‖ session_id ‖ timestamp ‖ verdict ‖ canonical(payload))
//   - sequences start at 1 and increase by exactly 1
//   - prev_hash of sequence n equals entry_hash of sequence n-1 (GenesisHash for n=1)
//   - seal_id is unique across the whole backend
package ledger
