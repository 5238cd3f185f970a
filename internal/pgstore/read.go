package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/vledger/internal/canon"
	"github.com/roach88/vledger/internal/ledger"
)

const entryColumns = `lineage, sequence, seal_id, session_id, timestamp, authority, verdict,
	payload, entry_hash, prev_hash, schema_version, tier, expires_at`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FindBySealID implements ledger.Backend.
func (s *Store) FindBySealID(ctx context.Context, sealID string) (ledger.Entry, bool, error) {
	e, found, err := findBySealID(ctx, s.pool, sealID)
	if err != nil {
		return ledger.Entry{}, false, classify("find by seal_id", err)
	}
	return e, found, nil
}

func findBySealID(ctx context.Context, q querier, sealID string) (ledger.Entry, bool, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE seal_id = $1`, sealID)
	e, _, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

// GetBySession implements ledger.Backend.
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	return s.Query(ctx, ledger.Filter{SessionID: sessionID, IncludeExpired: true}, 0, 0)
}

// Query implements ledger.Backend.
// Results ordered by lineage, then sequence. limit <= 0 means no limit.
func (s *Store) Query(ctx context.Context, f ledger.Filter, limit, offset int) ([]ledger.Entry, error) {
	where, args := buildWhere(f)

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY lineage ASC, sequence ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query entries", err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, classify("query entries", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate entries", err)
	}
	return entries, nil
}

func buildWhere(f ledger.Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.Authority != "" {
		add("authority = $%d", f.Authority)
	}
	if f.Verdict != "" {
		add("verdict = $%d", string(f.Verdict))
	}
	if f.Lineage != "" {
		add("lineage = $%d", string(f.Lineage))
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		add("timestamp < $%d", f.Until.UTC().Format(timeLayout))
	}
	if !f.IncludeExpired {
		add("(expires_at IS NULL OR expires_at > $%d)", f.ReferenceTime().UTC().Format(timeLayout))
	}
	return where, args
}

// scanEntry scans one row and also returns the payload exactly as stored.
func scanEntry(row pgx.Row) (ledger.Entry, []byte, error) {
	var (
		e                 ledger.Entry
		lineage, verdict  string
		tier, ts, payload string
		expiresAt         *string
	)
	if err := row.Scan(
		&lineage, &e.Sequence, &e.SealID, &e.SessionID, &ts, &e.Authority, &verdict,
		&payload, &e.EntryHash, &e.PrevHash, &e.SchemaVersion, &tier, &expiresAt,
	); err != nil {
		return ledger.Entry{}, nil, err
	}

	e.Lineage = ledger.Lineage(lineage)
	e.Verdict = ledger.Verdict(verdict)
	e.Tier = ledger.Tier(tier)

	// Tampered times may no longer parse. They scan as the zero time so the
	// hash check reports the sequence instead of failing the read.
	e.Timestamp = parseStoredTime(ts)
	if expiresAt != nil {
		exp := parseStoredTime(*expiresAt)
		e.ExpiresAt = &exp
	}

	if obj, err := canon.DecodeObject([]byte(payload)); err == nil {
		e.Payload = obj
	} else {
		e.Payload = map[string]any{}
	}
	return e, []byte(payload), nil
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
