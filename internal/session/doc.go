// Package session tracks open evaluation sessions and guarantees each one
// ends with a terminal ledger entry.
//
// A session moves OPEN -> CLOSED when its owner calls Close, or OPEN ->
// RECOVERED when the Tracker finds it orphaned and seals a VOID verdict on
// its behalf. Both end states remove the registry record; nothing else
// removes it.
//
// The Registry is a JSONL file (one self-describing record per line) so an
// operator can read or hand-repair it. Every mutation takes an exclusive
// flock on "<path>.lock", re-reads the file and atomically replaces it, so
// trackers in different processes see each other's changes.
//
// Recovery is claim -> seal -> remove:
//
//	claim    open -> recovering, stamped with the claimant and time
//	seal     VOID, authority "system-recovery",
//	         seal_id "recovery:<session_id>:<started_at>"
//	remove   only if still claimed by this tracker
//
// The claim keeps a late Close or a second tracker from racing the seal;
// the deterministic seal_id makes a retried recovery an idempotent replay.
// A failed seal releases the claim so the next pass retries it. A claim
// older than the claim TTL (its holder died mid-recovery) can be taken over.
package session
