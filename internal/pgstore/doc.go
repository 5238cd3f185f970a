// Package pgstore is the PostgreSQL implementation of the durable ledger.
//
// It has the same table layout and contract as package store. Sequence
// assignment serializes on a row lock (SELECT ... FOR UPDATE) over the
// lineage's head row; payloads and timestamps are stored as text so the
// bytes that were hashed are the bytes that are read back.
package pgstore
