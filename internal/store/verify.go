package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/vledger/internal/ledger"
)

// VerifyChain implements ledger.Backend.
//
// Streams the lineage in sequence order inside one transaction, so the walk
// sees a single consistent snapshot and appends wait until it finishes.
// On the first mismatch the lineage is halted and the result names that
// sequence.
func (s *Store) VerifyChain(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	var result ledger.VerifyResult
	err := s.withTx(ctx, "verify chain", func(tx *sql.Tx) error {
		r, err := verifyLineage(ctx, tx, l)
		if err != nil {
			return err
		}
		result = r
		if r.OK {
			return nil
		}
		slog.Error("ledger chain corruption detected",
			"backend", BackendName,
			"lineage", l,
			"sequence", r.FirstBadSequence,
			"reason", r.Reason,
		)
		return haltLineage(ctx, tx, r)
	})
	if err != nil {
		return ledger.VerifyResult{}, err
	}
	return result, nil
}

// ResumeLineage implements ledger.Backend.
// The halt marker is cleared only when the lineage verifies cleanly.
func (s *Store) ResumeLineage(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	var result ledger.VerifyResult
	err := s.withTx(ctx, "resume lineage", func(tx *sql.Tx) error {
		r, err := verifyLineage(ctx, tx, l)
		if err != nil {
			return err
		}
		result = r
		if !r.OK {
			return haltLineage(ctx, tx, r)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_heads
			SET halted_reason = NULL, halted_sequence = NULL
			WHERE lineage = ?
		`, string(l)); err != nil {
			return fmt.Errorf("clear halt: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.VerifyResult{}, err
	}
	if result.OK {
		slog.Info("ledger lineage resumed", "backend", BackendName, "lineage", l, "checked", result.Checked)
	}
	return result, nil
}

func verifyLineage(ctx context.Context, tx *sql.Tx, l ledger.Lineage) (ledger.VerifyResult, error) {
	v := ledger.NewChainVerifier(l)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE lineage = ?
		ORDER BY sequence ASC
	`, string(l))
	if err != nil {
		return ledger.VerifyResult{}, fmt.Errorf("query lineage: %w", err)
	}
	for rows.Next() {
		e, payload, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return ledger.VerifyResult{}, err
		}
		if !v.Check(e, payload) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ledger.VerifyResult{}, fmt.Errorf("iterate lineage: %w", err)
	}
	rows.Close()

	head, err := loadOrDeriveHead(ctx, tx, l, false)
	if err != nil {
		return ledger.VerifyResult{}, err
	}
	v.CheckHead(head.Head)
	return v.Result(), nil
}

func haltLineage(ctx context.Context, tx *sql.Tx, r ledger.VerifyResult) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_heads
		SET halted_reason = ?, halted_sequence = ?
		WHERE lineage = ?
	`, r.Reason, r.FirstBadSequence, string(r.Lineage)); err != nil {
		return fmt.Errorf("halt lineage: %w", err)
	}
	return nil
}
