package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/vledger/internal/fallback"
	"github.com/roach88/vledger/internal/fsx"
	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/pgstore"
	"github.com/roach88/vledger/internal/seal"
	"github.com/roach88/vledger/internal/session"
	"github.com/roach88/vledger/internal/store"
)

// OpenDurable builds the durable backend cfg selects. Unreachable
// backends are retried durable.retries times with exponential backoff;
// any other failure is returned at once.
func OpenDurable(ctx context.Context, cfg Config) (ledger.Backend, error) {
	var b ledger.Backend
	open := func() error {
		var err error
		b, err = openDurableOnce(ctx, cfg)
		if err != nil && !ledger.IsBackendUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.Durable.Retries)), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("durable backend unavailable, retrying", "driver", cfg.Durable.Driver, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(open, policy, notify); err != nil {
		return nil, err
	}
	return b, nil
}

func openDurableOnce(ctx context.Context, cfg Config) (ledger.Backend, error) {
	switch cfg.Durable.Driver {
	case DriverSQLite:
		if err := fsx.EnsureDir(filepath.Dir(cfg.Durable.DSN)); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		return store.Open(cfg.Durable.DSN)
	case DriverPostgres:
		callCtx, cancel := context.WithTimeout(ctx, 5*cfg.Durable.Timeout)
		defer cancel()
		var opts []pgstore.Option
		if cfg.Durable.Schema != "" {
			opts = append(opts, pgstore.WithSchema(cfg.Durable.Schema))
		}
		return pgstore.Open(callCtx, cfg.Durable.DSN, opts...)
	default:
		return nil, &ledger.ValidationError{Field: "durable.driver", Message: fmt.Sprintf("unknown driver %q", cfg.Durable.Driver)}
	}
}

// OpenFallback opens the fallback ledger.
func OpenFallback(cfg Config) (*fallback.Store, error) {
	return fallback.Open(cfg.Fallback.Path)
}

// Stack is every component a command may need, built from one Config.
type Stack struct {
	Config      Config
	Durable     ledger.Backend
	Fallback    *fallback.Store
	Coordinator *seal.Coordinator
	Registry    *session.Registry
	Tracker     *session.Tracker
}

// OpenStack builds the durable and fallback ledgers, the coordinator, and
// the session tracker. When the durable backend cannot be reached the
// stack still opens in degraded mode with a durable backend that reports
// BackendUnavailable on every call, so seals land on the fallback.
func OpenStack(ctx context.Context, cfg Config, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fb, err := OpenFallback(cfg)
	if err != nil {
		return nil, err
	}

	durable, err := OpenDurable(ctx, cfg)
	if err != nil {
		if !ledger.IsBackendUnavailable(err) {
			fb.Close()
			return nil, err
		}
		logger.Warn("durable backend unavailable, running degraded", "driver", cfg.Durable.Driver, "error", err)
		durable = unavailableBackend{name: cfg.Durable.Driver, cause: err}
	}

	coord, err := seal.New(durable, fb,
		seal.WithLogger(logger),
		seal.WithTimeout(cfg.Durable.Timeout),
		seal.WithRetries(cfg.Durable.Retries),
		seal.WithCoolingWindow(cfg.Retention.CoolingWindow),
	)
	if err != nil {
		durable.Close()
		fb.Close()
		return nil, err
	}

	registry, err := session.OpenRegistry(cfg.Sessions.Path)
	if err != nil {
		durable.Close()
		fb.Close()
		return nil, err
	}
	tracker, err := session.NewTracker(registry, coord,
		session.WithLogger(logger),
		session.WithProbe(session.DefaultProbes(cfg.Sessions.HeartbeatMaxAge)),
		session.WithTimeout(cfg.Sessions.Timeout),
		session.WithClaimTTL(cfg.Sessions.ClaimTTL),
		session.WithInterval(cfg.Maintenance.Interval),
	)
	if err != nil {
		registry.Close()
		durable.Close()
		fb.Close()
		return nil, err
	}

	return &Stack{
		Config:      cfg,
		Durable:     durable,
		Fallback:    fb,
		Coordinator: coord,
		Registry:    registry,
		Tracker:     tracker,
	}, nil
}

// Close releases every resource the stack opened.
func (s *Stack) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{s.Registry, s.Durable, s.Fallback} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
