package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/roach88/vledger/internal/canon"
	"github.com/roach88/vledger/internal/ledger"
)

const entryColumns = `lineage, sequence, seal_id, session_id, timestamp, authority, verdict,
	payload, entry_hash, prev_hash, schema_version, tier, expires_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// FindBySealID implements ledger.Backend.
func (s *Store) FindBySealID(ctx context.Context, sealID string) (ledger.Entry, bool, error) {
	e, found, err := findBySealID(ctx, s.db, sealID)
	if err != nil {
		return ledger.Entry{}, false, classify("find by seal_id", err)
	}
	return e, found, nil
}

func findBySealID(ctx context.Context, q querier, sealID string) (ledger.Entry, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE seal_id = ?`, sealID)
	e, _, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

// GetBySession implements ledger.Backend.
// Includes expired cooling entries: a session's history is never hidden.
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	return s.Query(ctx, ledger.Filter{SessionID: sessionID, IncludeExpired: true}, 0, 0)
}

// Query implements ledger.Backend.
// Results ordered by lineage ASC, sequence ASC. limit <= 0 means no limit.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) Query(ctx context.Context, f ledger.Filter, limit, offset int) ([]ledger.Entry, error) {
	where, args := buildWhere(f)

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY lineage ASC, sequence ASC`
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Authority != "" {
		where = append(where, "authority = ?")
		args = append(args, f.Authority)
	}
	if f.Verdict != "" {
		where = append(where, "verdict = ?")
		args = append(args, string(f.Verdict))
	}
	if f.Lineage != "" {
		where = append(where, "lineage = ?")
		args = append(args, string(f.Lineage))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	if !f.IncludeExpired {
		where = append(where, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, f.ReferenceTime().UTC().Format(timeLayout))
	}
	return where, args
}

// scanEntry scans one row and also returns the payload exactly as stored.
func scanEntry(row rowScanner) (ledger.Entry, []byte, error) {
	var (
		e                 ledger.Entry
		lineage, verdict  string
		tier, ts, payload string
		expiresAt         sql.NullString
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
	if expiresAt.Valid {
		exp := parseStoredTime(expiresAt.String)
		e.ExpiresAt = &exp
	}

	// A tampered payload may no longer parse; keep the row so verification
	// can report it instead of failing the read.
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
