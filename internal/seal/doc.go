// Package seal is the public write and read API of the verdict ledger.
//
// A Coordinator composes a durable ledger.Backend, a fallback
// ledger.Backend and the retention classifier:
//
//	TRANSIENT          -> acknowledged, nothing written
//	SEAL               -> durable "seal" lineage
//	SABAR              -> durable "cooling" lineage with an expiry
//	durable unreachable -> fallback lineage, receipt marked non-authoritative
//
// Seal never fails because of backend trouble. It returns a Receipt whose
// Outcome says what happened; only malformed input, a halted (corrupted)
// lineage, or the loss of both backends yields OutcomeRejected and a
// non-nil error.
//
// Every seal carries a seal_id. Callers may supply one; otherwise a UUIDv7
// is generated before the first durable attempt so that every retry of the
// same call is an idempotent replay.
package seal
