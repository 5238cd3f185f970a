package pgstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/vledger/internal/ledger"
)

// VerifyChain implements ledger.Backend.
//
// Holds the head lock for the whole walk: no append can commit to the
// lineage meanwhile, so the read-committed scan sees a stable chain.
func (s *Store) VerifyChain(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	var result ledger.VerifyResult
	err := s.withTx(ctx, "verify chain", func(tx pgx.Tx) error {
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
func (s *Store) ResumeLineage(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	var result ledger.VerifyResult
	err := s.withTx(ctx, "resume lineage", func(tx pgx.Tx) error {
		r, err := verifyLineage(ctx, tx, l)
		if err != nil {
			return err
		}
		result = r
		if !r.OK {
			return haltLineage(ctx, tx, r)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_heads
			SET halted_reason = NULL, halted_sequence = NULL
			WHERE lineage = $1
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

func verifyLineage(ctx context.Context, tx pgx.Tx, l ledger.Lineage) (ledger.VerifyResult, error) {
	head, err := lockHead(ctx, tx, l)
	if err != nil {
		return ledger.VerifyResult{}, err
	}

	v := ledger.NewChainVerifier(l)
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE lineage = $1
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return ledger.VerifyResult{}, fmt.Errorf("iterate lineage: %w", err)
	}

	v.CheckHead(head.Head)
	return v.Result(), nil
}

func haltLineage(ctx context.Context, tx pgx.Tx, r ledger.VerifyResult) error {
	if _, err := tx.Exec(ctx, `
		UPDATE ledger_heads
		SET halted_reason = $1, halted_sequence = $2
		WHERE lineage = $3
	`, r.Reason, r.FirstBadSequence, string(r.Lineage)); err != nil {
		return fmt.Errorf("halt lineage: %w", err)
	}
	return nil
}
