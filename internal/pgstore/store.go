package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/vledger/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

// BackendName identifies this implementation in receipts and logs.
const BackendName = "postgres"

// currentSchemaVersion is recorded in ledger_schema after migration.
const currentSchemaVersion = 1

// timeLayout is fixed-width so text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store is a PostgreSQL-backed durable ledger hosting the seal and cooling
// lineages.
type Store struct {
	pool     *pgxpool.Pool
	now      func() time.Time
	schema   string
	maxConns int32
}

var _ ledger.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source for new entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSchema places the ledger tables in the named schema via search_path.
func WithSchema(name string) Option {
	return func(s *Store) {
		s.schema = name
	}
}

// WithMaxConns caps the connection pool.
func WithMaxConns(n int32) Option {
	return func(s *Store) {
		s.maxConns = n
	}
}

// Open connects to PostgreSQL, applies the schema and makes sure every
// hosted lineage has a head row. A server that cannot be reached yields a
// BackendUnavailable error.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{
		now:      func() time.Time { return time.Now().UTC() },
		maxConns: 10,
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &ledger.ValidationError{Field: "durable.dsn", Message: "invalid postgres dsn", Err: err}
	}
	cfg.MaxConns = s.maxConns
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	if s.schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = s.schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classify("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("connect", err)
	}
	s.pool = pool

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if s.schema != "" {
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s.schema}.Sanitize()); err != nil {
			return classify("create schema", err)
		}
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return classify("apply schema", err)
	}
	return s.withTx(ctx, "migrate", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_schema (version) VALUES ($1)
			ON CONFLICT (version) DO NOTHING
		`, currentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		for _, l := range s.Lineages() {
			if _, err := tx.Exec(ctx, `
				INSERT INTO ledger_heads (lineage, head_sequence, head_entry_hash)
				VALUES ($1, 0, $2)
				ON CONFLICT (lineage) DO NOTHING
			`, string(l), ledger.GenesisHash); err != nil {
				return fmt.Errorf("seed head %s: %w", l, err)
			}
		}
		return nil
	})
}

// Name implements ledger.Backend.
func (s *Store) Name() string {
	return BackendName
}

// Lineages implements ledger.Backend.
func (s *Store) Lineages() []ledger.Lineage {
	return []ledger.Lineage{ledger.LineageSeal, ledger.LineageCooling}
}

func (s *Store) hosts(l ledger.Lineage) bool {
	return l == ledger.LineageSeal || l == ledger.LineageCooling
}

// Pool exposes the connection pool for tests and tooling.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close implements ledger.Backend.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn in a read-committed transaction and classifies failures.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(op+": begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}
