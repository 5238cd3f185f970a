package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/vledger/internal/ledger"
)

// headRow is a lineage head plus its halt marker.
type headRow struct {
	ledger.Head
	haltedReason   sql.NullString
	haltedSequence sql.NullInt64
}

func (h headRow) halted() bool {
	return h.haltedReason.Valid
}

// Append implements ledger.Backend.
//
// Runs as one immediate transaction:
//  1. seal_id lookup (replays return the stored entry, created=false)
//  2. head read (re-derived from the last entry if the row is missing)
//  3. halt check (a corrupted lineage refuses new links)
//  4. entry insert + compare-and-set head advance
//
// Either all of it commits or none of it is visible.
func (s *Store) Append(ctx context.Context, req ledger.AppendRequest) (ledger.Entry, bool, error) {
	if !s.hosts(req.Lineage) {
		return ledger.Entry{}, false, &ledger.ValidationError{Field: "lineage", Message: fmt.Sprintf("lineage %q is not hosted by %s", req.Lineage, BackendName)}
	}
	payload, err := req.Validate()
	if err != nil {
		return ledger.Entry{}, false, err
	}

	var (
		entry   ledger.Entry
		created bool
	)
	err = s.withTx(ctx, "append", func(tx *sql.Tx) error {
		existing, found, err := findBySealID(ctx, tx, req.SealID)
		if err != nil {
			return err
		}
		if found {
			entry = existing
			return nil
		}

		head, err := loadOrDeriveHead(ctx, tx, req.Lineage, true)
		if err != nil {
			return err
		}
		if head.halted() {
			return &ledger.ChainCorruptionError{
				Lineage:  req.Lineage,
				Sequence: head.haltedSequence.Int64,
				Reason:   "lineage halted: " + head.haltedReason.String,
			}
		}

		next := head.Next(req, payload, s.now())
		if err := insertEntry(ctx, tx, next, payload); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_heads
			SET head_sequence = ?, head_entry_hash = ?
			WHERE lineage = ? AND head_sequence = ?
		`, next.Sequence, next.EntryHash, string(req.Lineage), head.Sequence)
		if err != nil {
			return fmt.Errorf("advance head: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance head: rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("advance head: head moved concurrently (lineage=%s, sequence=%d)", req.Lineage, head.Sequence)
		}

		entry = next
		created = true
		return nil
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, created, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry, payload []byte) error {
	var expiresAt sql.NullString
	if e.ExpiresAt != nil {
		expiresAt = sql.NullString{String: e.ExpiresAt.UTC().Format(timeLayout), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(lineage, sequence, seal_id, session_id, timestamp, authority, verdict,
		 payload, entry_hash, prev_hash, schema_version, tier, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.Lineage),
		e.Sequence,
		e.SealID,
		e.SessionID,
		e.Timestamp.UTC().Format(timeLayout),
		e.Authority,
		string(e.Verdict),
		string(payload),
		e.EntryHash,
		e.PrevHash,
		e.SchemaVersion,
		string(e.Tier),
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// loadOrDeriveHead reads the head row for a lineage. A missing row is
// re-derived from the last entry and, if persist is set, written back.
func loadOrDeriveHead(ctx context.Context, tx *sql.Tx, l ledger.Lineage, persist bool) (headRow, error) {
	h := headRow{Head: ledger.Head{Lineage: l}}
	err := tx.QueryRowContext(ctx, `
		SELECT head_sequence, head_entry_hash, halted_reason, halted_sequence
		FROM ledger_heads
		WHERE lineage = ?
	`, string(l)).Scan(&h.Sequence, &h.EntryHash, &h.haltedReason, &h.haltedSequence)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return headRow{}, fmt.Errorf("read head: %w", err)
	}

	derived, err := deriveHead(ctx, tx, l)
	if err != nil {
		return headRow{}, err
	}
	h.Head = derived
	if persist {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_heads (lineage, head_sequence, head_entry_hash)
			VALUES (?, ?, ?)
		`, string(l), derived.Sequence, derived.EntryHash); err != nil {
			return headRow{}, fmt.Errorf("write derived head: %w", err)
		}
	}
	return h, nil
}

// deriveHead rebuilds a head from the highest-sequence entry of a lineage.
func deriveHead(ctx context.Context, tx *sql.Tx, l ledger.Lineage) (ledger.Head, error) {
	head := ledger.GenesisHead(l)
	err := tx.QueryRowContext(ctx, `
		SELECT sequence, entry_hash
		FROM ledger_entries
		WHERE lineage = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, string(l)).Scan(&head.Sequence, &head.EntryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.GenesisHead(l), nil
	}
	if err != nil {
		return ledger.Head{}, fmt.Errorf("derive head: %w", err)
	}
	return head, nil
}

// RebuildHead implements ledger.Backend. The halt marker is preserved.
func (s *Store) RebuildHead(ctx context.Context, l ledger.Lineage) (ledger.Head, error) {
	var head ledger.Head
	err := s.withTx(ctx, "rebuild head", func(tx *sql.Tx) error {
		derived, err := deriveHead(ctx, tx, l)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_heads (lineage, head_sequence, head_entry_hash)
			VALUES (?, ?, ?)
			ON CONFLICT(lineage) DO UPDATE SET
				head_sequence = excluded.head_sequence,
				head_entry_hash = excluded.head_entry_hash
		`, string(l), derived.Sequence, derived.EntryHash); err != nil {
			return fmt.Errorf("write head: %w", err)
		}
		head = derived
		return nil
	})
	return head, err
}

// Head implements ledger.Backend.
func (s *Store) Head(ctx context.Context, l ledger.Lineage) (ledger.Head, error) {
	var head ledger.Head
	err := s.withTx(ctx, "head", func(tx *sql.Tx) error {
		h, err := loadOrDeriveHead(ctx, tx, l, false)
		if err != nil {
			return err
		}
		head = h.Head
		return nil
	})
	return head, err
}
