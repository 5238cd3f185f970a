// Package fallback provides the always-available local ledger used when the
// durable backend cannot be reached.
//
// Entries are appended as one JSON object per line to a single file. The
// fallback keeps its own lineage ("fallback") with its own genesis, so its
// sequence numbers never collide with durable ones; reconciling the two is
// left to operators.
//
// Writers serialize on an in-process mutex plus an exclusive flock on
// "<path>.lock", so several processes may share one fallback file. The head
// is always the last complete line; a torn final line left by a crash is
// ignored by readers and trimmed by the next append.
package fallback
