package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/vledger/internal/ledger"
)

var errSealIDTaken = errors.New("seal_id committed concurrently")

// headRow is a lineage head plus its halt marker.
type headRow struct {
	ledger.Head
	haltedReason   *string
	haltedSequence *int64
}

func (h headRow) halted() bool {
	return h.haltedReason != nil
}

// Append implements ledger.Backend.
//
// The head row is locked first, so every later statement in the
// transaction sees all entries committed before it; the seal_id lookup is
// then race-free within a lineage. A seal_id committed at the same moment
// on the other lineage surfaces as a unique violation and is answered with
// the stored entry.
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
	err = s.withTx(ctx, "append", func(tx pgx.Tx) error {
		head, err := lockHead(ctx, tx, req.Lineage)
		if err != nil {
			return err
		}

		existing, found, err := findBySealID(ctx, tx, req.SealID)
		if err != nil {
			return err
		}
		if found {
			entry = existing
			return nil
		}

		if head.halted() {
			var seq int64
			if head.haltedSequence != nil {
				seq = *head.haltedSequence
			}
			return &ledger.ChainCorruptionError{
				Lineage:  req.Lineage,
				Sequence: seq,
				Reason:   "lineage halted: " + *head.haltedReason,
			}
		}

		next := head.Next(req, payload, s.now())
		if err := insertEntry(ctx, tx, next, payload); err != nil {
			if isUniqueViolation(err, "ledger_entries_seal_id_key") {
				return errSealIDTaken
			}
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_heads
			SET head_sequence = $1, head_entry_hash = $2
			WHERE lineage = $3
		`, next.Sequence, next.EntryHash, string(req.Lineage)); err != nil {
			return fmt.Errorf("advance head: %w", err)
		}

		entry = next
		created = true
		return nil
	})
	if errors.Is(err, errSealIDTaken) {
		existing, found, ferr := s.FindBySealID(ctx, req.SealID)
		if ferr != nil {
			return ledger.Entry{}, false, ferr
		}
		if found {
			return existing, false, nil
		}
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, created, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e ledger.Entry, payload []byte) error {
	var expiresAt *string
	if e.ExpiresAt != nil {
		formatted := e.ExpiresAt.UTC().Format(timeLayout)
		expiresAt = &formatted
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries
		(lineage, sequence, seal_id, session_id, timestamp, authority, verdict,
		 payload, entry_hash, prev_hash, schema_version, tier, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
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

// lockHead takes the row lock on a lineage's head, re-deriving and
// inserting the row first if it has been lost.
func lockHead(ctx context.Context, tx pgx.Tx, l ledger.Lineage) (headRow, error) {
	h, found, err := readHead(ctx, tx, l, true)
	if err != nil || found {
		return h, err
	}

	derived, err := deriveHead(ctx, tx, l)
	if err != nil {
		return headRow{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_heads (lineage, head_sequence, head_entry_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (lineage) DO NOTHING
	`, string(l), derived.Sequence, derived.EntryHash); err != nil {
		return headRow{}, fmt.Errorf("write derived head: %w", err)
	}
	h, found, err = readHead(ctx, tx, l, true)
	if err != nil {
		return headRow{}, err
	}
	if !found {
		return headRow{}, fmt.Errorf("lock head: row for lineage %s vanished", l)
	}
	return h, nil
}

func readHead(ctx context.Context, q querier, l ledger.Lineage, forUpdate bool) (headRow, bool, error) {
	query := `
		SELECT head_sequence, head_entry_hash, halted_reason, halted_sequence
		FROM ledger_heads
		WHERE lineage = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	h := headRow{Head: ledger.Head{Lineage: l}}
	err := q.QueryRow(ctx, query, string(l)).Scan(&h.Sequence, &h.EntryHash, &h.haltedReason, &h.haltedSequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return headRow{}, false, nil
	}
	if err != nil {
		return headRow{}, false, fmt.Errorf("read head: %w", err)
	}
	return h, true, nil
}

// deriveHead rebuilds a head from the highest-sequence entry of a lineage.
func deriveHead(ctx context.Context, q querier, l ledger.Lineage) (ledger.Head, error) {
	head := ledger.GenesisHead(l)
	err := q.QueryRow(ctx, `
		SELECT sequence, entry_hash
		FROM ledger_entries
		WHERE lineage = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, string(l)).Scan(&head.Sequence, &head.EntryHash)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err := s.withTx(ctx, "rebuild head", func(tx pgx.Tx) error {
		if _, err := lockHead(ctx, tx, l); err != nil {
			return err
		}
		derived, err := deriveHead(ctx, tx, l)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_heads
			SET head_sequence = $1, head_entry_hash = $2
			WHERE lineage = $3
		`, derived.Sequence, derived.EntryHash, string(l)); err != nil {
			return fmt.Errorf("write head: %w", err)
		}
		head = derived
		return nil
	})
	return head, err
}

// Head implements ledger.Backend.
func (s *Store) Head(ctx context.Context, l ledger.Lineage) (ledger.Head, error) {
	h, found, err := readHead(ctx, s.pool, l, false)
	if err != nil {
		return ledger.Head{}, classify("head", err)
	}
	if found {
		return h.Head, nil
	}
	derived, err := deriveHead(ctx, s.pool, l)
	if err != nil {
		return ledger.Head{}, classify("head", err)
	}
	return derived, nil
}
