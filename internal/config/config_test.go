package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/seal"
	"github.com/roach88/vledger/internal/store"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("VLEDGER_AUTHORITY", "ci")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Durable.Driver)
	assert.Equal(t, filepath.Join(DefaultDir, "ledger.db"), cfg.Durable.DSN)
	assert.Equal(t, 2*time.Second, cfg.Durable.Timeout)
	assert.Equal(t, 2, cfg.Durable.Retries)
	assert.Equal(t, 15*time.Minute, cfg.Sessions.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Sessions.HeartbeatMaxAge)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.ClaimTTL)
	assert.Equal(t, 30*time.Second, cfg.Maintenance.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Retention.CoolingWindow)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.Interval)
	assert.Equal(t, "ci", cfg.Authority)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VLEDGER_DURABLE_TIMEOUT", "750ms")
	t.Setenv("VLEDGER_DURABLE_RETRIES", "5")
	t.Setenv("VLEDGER_SESSIONS_CLAIM_TTL", "1m")
	t.Setenv("VLEDGER_AUTHORITY", "pipeline")
	t.Setenv("VLEDGER_TELEMETRY_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 750*time.Millisecond, cfg.Durable.Timeout)
	assert.Equal(t, 5, cfg.Durable.Retries)
	assert.Equal(t, time.Minute, cfg.Sessions.ClaimTTL)
	assert.Equal(t, "pipeline", cfg.Authority)
}

func TestLoad_Files(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "vledger.yaml",
			content: `durable:
  driver: postgres
  dsn: postgres://ledger@db/ledger
  schema: audit
retention:
  cooling_window: 24h
authority: auditor
`,
		},
		{
			name: "yml",
			file: "vledger.yml",
			content: `durable:
  driver: postgres
  dsn: postgres://ledger@db/ledger
  schema: audit
retention:
  cooling_window: 24h
authority: auditor
`,
		},
		{
			name: "toml",
			file: "vledger.toml",
			content: `authority = "auditor"

[durable]
driver = "postgres"
dsn = "postgres://ledger@db/ledger"
schema = "audit"

[retention]
cooling_window = "24h"
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, DriverPostgres, cfg.Durable.Driver)
			assert.Equal(t, "postgres://ledger@db/ledger", cfg.Durable.DSN)
			assert.Equal(t, "audit", cfg.Durable.Schema)
			assert.Equal(t, 24*time.Hour, cfg.Retention.CoolingWindow)
			assert.Equal(t, "auditor", cfg.Authority)
			// Unset keys keep their defaults.
			assert.Equal(t, 2*time.Second, cfg.Durable.Timeout)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Durable:     DurableConfig{Driver: DriverSQLite, DSN: "ledger.db", Timeout: time.Second, Retries: 1},
			Fallback:    FallbackConfig{Path: "fallback.jsonl"},
			Sessions:    SessionsConfig{Path: "sessions.jsonl", Timeout: time.Minute, HeartbeatMaxAge: time.Minute, ClaimTTL: time.Minute},
			Maintenance: MaintenanceConfig{Interval: time.Second},
			Retention:   RetentionConfig{CoolingWindow: time.Hour},
			Authority:   "pipeline",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Durable.Driver = "mysql" }, "durable.driver"},
		{"empty dsn", func(c *Config) { c.Durable.DSN = "" }, "durable.dsn"},
		{"negative retries", func(c *Config) { c.Durable.Retries = -1 }, "durable.retries"},
		{"zero timeout", func(c *Config) { c.Durable.Timeout = 0 }, "durable.timeout"},
		{"empty fallback path", func(c *Config) { c.Fallback.Path = " " }, "fallback.path"},
		{"empty sessions path", func(c *Config) { c.Sessions.Path = "" }, "sessions.path"},
		{"zero claim ttl", func(c *Config) { c.Sessions.ClaimTTL = 0 }, "sessions.claim_ttl"},
		{"negative interval", func(c *Config) { c.Maintenance.Interval = -time.Second }, "maintenance.interval"},
		{"zero cooling window", func(c *Config) { c.Retention.CoolingWindow = 0 }, "retention.cooling_window"},
		{"empty authority", func(c *Config) { c.Authority = "" }, "authority"},
		{"telemetry without interval", func(c *Config) { c.Telemetry.Enabled = true }, "telemetry.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Durable:     DurableConfig{Driver: DriverSQLite, DSN: filepath.Join(dir, "data", "ledger.db"), Timeout: 2 * time.Second, Retries: 0},
		Fallback:    FallbackConfig{Path: filepath.Join(dir, "data", "fallback.jsonl")},
		Sessions:    SessionsConfig{Path: filepath.Join(dir, "data", "sessions.jsonl"), Timeout: time.Minute, HeartbeatMaxAge: time.Minute, ClaimTTL: time.Minute},
		Maintenance: MaintenanceConfig{Interval: time.Second},
		Retention:   RetentionConfig{CoolingWindow: time.Hour},
		Authority:   "pipeline",
	}
}

func TestOpenDurable_SQLite(t *testing.T) {
	cfg := testConfig(t)

	b, err := OpenDurable(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, store.BackendName, b.Name())
	assert.FileExists(t, cfg.Durable.DSN)
}

func TestOpenDurable_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Durable.Driver = "mysql"

	_, err := OpenDurable(context.Background(), cfg)
	assert.True(t, ledger.IsValidationError(err))
}

func TestOpenDurable_UnreachablePostgres(t *testing.T) {
	cfg := testConfig(t)
	cfg.Durable.Driver = DriverPostgres
	cfg.Durable.DSN = "postgres://vledger@127.0.0.1:1/vledger?connect_timeout=1&sslmode=disable"
	cfg.Durable.Retries = 1

	_, err := OpenDurable(context.Background(), cfg)
	assert.True(t, ledger.IsBackendUnavailable(err), "got %v", err)
}

func TestOpenStack_SealsDurably(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s, err := OpenStack(ctx, cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	receipt, err := s.Coordinator.Seal(ctx, seal.Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: cfg.Authority})
	require.NoError(t, err)
	assert.Equal(t, seal.OutcomeSealed, receipt.Outcome)

	_, err = s.Tracker.Open(ctx, "s2", "", cfg.Authority)
	require.NoError(t, err)
	assert.FileExists(t, cfg.Sessions.Path)
}

func TestOpenStack_DegradesWhenDurableUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Durable.Driver = DriverPostgres
	cfg.Durable.DSN = "postgres://vledger@127.0.0.1:1/vledger?connect_timeout=1&sslmode=disable"
	ctx := context.Background()

	s, err := OpenStack(ctx, cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	receipt, err := s.Coordinator.Seal(ctx, seal.Request{SessionID: "s1", Verdict: ledger.VerdictSeal, Authority: cfg.Authority})
	require.NoError(t, err)
	assert.Equal(t, seal.OutcomeDegraded, receipt.Outcome)
	assert.Equal(t, ledger.LineageFallback, receipt.Lineage)
	assert.False(t, receipt.Authoritative)
}
