// Package config loads vledger settings from an optional YAML or TOML
// file plus VLEDGER_* environment variables, and builds the backends the
// settings select.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/vledger/internal/telemetry"
)

// Durable drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// EnvPrefix prefixes every environment override: durable.dsn is read from
// VLEDGER_DURABLE_DSN.
const EnvPrefix = "VLEDGER"

// Config is the full runtime configuration.
type Config struct {
	Durable     DurableConfig     `mapstructure:"durable" json:"durable" yaml:"durable"`
	Fallback    FallbackConfig    `mapstructure:"fallback" json:"fallback" yaml:"fallback"`
	Sessions    SessionsConfig    `mapstructure:"sessions" json:"sessions" yaml:"sessions"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" json:"maintenance" yaml:"maintenance"`
	Retention   RetentionConfig   `mapstructure:"retention" json:"retention" yaml:"retention"`
	Telemetry   telemetry.Config  `mapstructure:"telemetry" json:"telemetry" yaml:"telemetry"`
	Authority   string            `mapstructure:"authority" json:"authority" yaml:"authority"`
}

// DurableConfig selects and tunes the durable ledger.
type DurableConfig struct {
	Driver  string        `mapstructure:"driver" json:"driver" yaml:"driver"`
	DSN     string        `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
	Schema  string        `mapstructure:"schema" json:"schema,omitempty" yaml:"schema,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	Retries int           `mapstructure:"retries" json:"retries" yaml:"retries"`
}

// FallbackConfig locates the fallback JSONL ledger.
type FallbackConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// SessionsConfig tunes the session registry and orphan detection.
type SessionsConfig struct {
	Path            string        `mapstructure:"path" json:"path" yaml:"path"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	HeartbeatMaxAge time.Duration `mapstructure:"heartbeat_max_age" json:"heartbeat_max_age" yaml:"heartbeat_max_age"`
	ClaimTTL        time.Duration `mapstructure:"claim_ttl" json:"claim_ttl" yaml:"claim_ttl"`
}

// MaintenanceConfig tunes the background recovery loop.
type MaintenanceConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
}

// RetentionConfig tunes retention tiers.
type RetentionConfig struct {
	CoolingWindow time.Duration `mapstructure:"cooling_window" json:"cooling_window" yaml:"cooling_window"`
}

// DefaultDir is where file-backed state lives when no path is configured.
const DefaultDir = ".vledger"

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("durable.driver", DriverSQLite)
	v.SetDefault("durable.dsn", filepath.Join(DefaultDir, "ledger.db"))
	v.SetDefault("durable.schema", "")
	v.SetDefault("durable.timeout", 2*time.Second)
	v.SetDefault("durable.retries", 2)
	v.SetDefault("fallback.path", filepath.Join(DefaultDir, "fallback.jsonl"))
	v.SetDefault("sessions.path", filepath.Join(DefaultDir, "sessions.jsonl"))
	v.SetDefault("sessions.timeout", 15*time.Minute)
	v.SetDefault("sessions.heartbeat_max_age", 2*time.Minute)
	v.SetDefault("sessions.claim_ttl", 5*time.Minute)
	v.SetDefault("maintenance.interval", 30*time.Second)
	v.SetDefault("retention.cooling_window", 72*time.Hour)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.interval", 30*time.Second)
	v.SetDefault("authority", defaultAuthority())
}

func defaultAuthority() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "vledger"
}

// Load reads configuration. path may be empty, in which case only the
// defaults and environment apply. The file type follows its extension
// (.yaml, .yml or .toml).
func Load(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Durable.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("durable.driver: %q is invalid (valid values: %s, %s)", c.Durable.Driver, DriverSQLite, DriverPostgres))
	}
	if strings.TrimSpace(c.Durable.DSN) == "" {
		errs = append(errs, errors.New("durable.dsn: must not be empty"))
	}
	if c.Durable.Retries < 0 {
		errs = append(errs, fmt.Errorf("durable.retries: %d must not be negative", c.Durable.Retries))
	}
	if strings.TrimSpace(c.Fallback.Path) == "" {
		errs = append(errs, errors.New("fallback.path: must not be empty"))
	}
	if strings.TrimSpace(c.Sessions.Path) == "" {
		errs = append(errs, errors.New("sessions.path: must not be empty"))
	}
	if strings.TrimSpace(c.Authority) == "" {
		errs = append(errs, errors.New("authority: must not be empty"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"durable.timeout", c.Durable.Timeout},
		{"sessions.timeout", c.Sessions.Timeout},
		{"sessions.heartbeat_max_age", c.Sessions.HeartbeatMaxAge},
		{"sessions.claim_ttl", c.Sessions.ClaimTTL},
		{"maintenance.interval", c.Maintenance.Interval},
		{"retention.cooling_window", c.Retention.CoolingWindow},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s: %s must be positive", d.key, d.val))
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.Interval <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.interval: %s must be positive", c.Telemetry.Interval))
	}
	return errors.Join(errs...)
}
