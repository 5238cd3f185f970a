package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/retention"
	"github.com/roach88/vledger/internal/seal"
)

// Defaults applied by NewTracker.
const (
	DefaultTimeout  = 15 * time.Minute
	DefaultClaimTTL = 5 * time.Minute
	DefaultInterval = 30 * time.Second
)

// RecoveryVerdict is sealed for every recovered session.
const RecoveryVerdict = ledger.VerdictVoid

// RecoverySealPrefix starts the seal_id of every recovery seal.
const RecoverySealPrefix = "recovery:"

// Sealer is the part of seal.Coordinator the tracker needs.
type Sealer interface {
	Seal(ctx context.Context, req seal.Request) (seal.Receipt, error)
	SessionHistory(ctx context.Context, sessionID string) (seal.QueryResult, error)
}

// Orphan is an open session that should be recovered, with why.
type Orphan struct {
	Record
	Reason string `json:"orphan_reason" yaml:"orphan_reason"`
}

// RecoveryResult describes what Recover did with one session.
type RecoveryResult struct {
	SessionID string        `json:"session_id" yaml:"session_id"`
	Action    string        `json:"action" yaml:"action"`
	Receipt   *seal.Receipt `json:"receipt,omitempty" yaml:"receipt,omitempty"`
	Reason    string        `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Recovery actions.
const (
	ActionSealed        = "sealed"         // VOID entry written, record removed
	ActionAlreadySealed = "already_sealed" // session had an entry; record removed
	ActionSkipped       = "skipped"        // closed or claimed elsewhere meanwhile
)

// PassSummary totals one RecoverOrphans pass.
type PassSummary struct {
	Found     int              `json:"found" yaml:"found"`
	Recovered int              `json:"recovered" yaml:"recovered"`
	Skipped   int              `json:"skipped" yaml:"skipped"`
	Failed    int              `json:"failed" yaml:"failed"`
	Results   []RecoveryResult `json:"results" yaml:"results"`
}

// Tracker owns the session lifecycle: Open, Close, Heartbeat, and the
// orphan recovery that closes sessions whose owner disappeared.
//
// Thread-safety: safe for concurrent use; any number of trackers, in any
// number of processes, may share one registry.
type Tracker struct {
	registry *Registry
	sealer   Sealer
	probe    LivenessProbe
	logger   *slog.Logger
	now      func() time.Time
	host     string
	owner    string
	timeout  time.Duration
	claimTTL time.Duration
	interval time.Duration

	meter     metric.Meter
	recovered metric.Int64Counter
	failures  metric.Int64Counter
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithProbe sets the liveness probe. Default DefaultProbes(2m).
func WithProbe(p LivenessProbe) Option {
	return func(t *Tracker) {
		t.probe = p
	}
}

// WithHost overrides the hostname stamped on new records.
func WithHost(host string) Option {
	return func(t *Tracker) {
		t.host = host
	}
}

// WithOwner overrides the claimant identity used for recovery claims.
func WithOwner(owner string) Option {
	return func(t *Tracker) {
		t.owner = owner
	}
}

// WithTimeout sets the age after which Run treats an open session as
// orphaned regardless of liveness.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.timeout = d
	}
}

// WithClaimTTL sets how long a recovery claim is honoured.
func WithClaimTTL(d time.Duration) Option {
	return func(t *Tracker) {
		t.claimTTL = d
	}
}

// WithInterval sets the Run loop period.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.interval = d
	}
}

// WithMeter sets the OpenTelemetry meter. Default is the global provider.
func WithMeter(m metric.Meter) Option {
	return func(t *Tracker) {
		t.meter = m
	}
}

// NewTracker creates a Tracker over registry that recovers through sealer.
func NewTracker(registry *Registry, sealer Sealer, opts ...Option) (*Tracker, error) {
	if registry == nil {
		return nil, errors.New("session: registry is required")
	}
	if sealer == nil {
		return nil, errors.New("session: sealer is required")
	}
	t := &Tracker{
		registry: registry,
		sealer:   sealer,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		host:     Hostname(),
		timeout:  DefaultTimeout,
		claimTTL: DefaultClaimTTL,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.probe == nil {
		t.probe = ProbeSet{PIDProbe{Host: t.host}, HeartbeatProbe{MaxAge: 2 * time.Minute}}
	}
	if t.owner == "" {
		t.owner = ownerID(t.host)
	}
	if t.claimTTL <= 0 || t.interval <= 0 {
		return nil, fmt.Errorf("session: claim TTL and interval must be positive")
	}

	m := t.meter
	if m == nil {
		m = otel.Meter("github.com/roach88/vledger/session")
	}
	t.recovered, _ = m.Int64Counter("vledger.session.recovered",
		metric.WithDescription("Orphaned sessions closed by recovery"),
	)
	t.failures, _ = m.Int64Counter("vledger.session.recovery_failures",
		metric.WithDescription("Orphan recovery attempts whose seal failed"),
	)
	return t, nil
}

// Registry returns the underlying registry.
func (t *Tracker) Registry() *Registry {
	return t.registry
}

// Open registers a new session. An empty liveness token becomes a
// heartbeat token stamped now.
func (t *Tracker) Open(ctx context.Context, sessionID, livenessToken, authority string) (Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Record{}, &ledger.ValidationError{Field: "session_id", Message: "session_id is required"}
	}
	if strings.TrimSpace(authority) == "" {
		return Record{}, &ledger.ValidationError{Field: "authority", Message: "authority is required"}
	}
	now := t.now().UTC()
	if livenessToken == "" {
		livenessToken = HeartbeatToken(now)
	}
	rec := Record{
		SessionID:     sessionID,
		StartedAt:     now,
		LivenessToken: livenessToken,
		Authority:     authority,
		Host:          t.host,
		Status:        StatusOpen,
	}
	if err := t.registry.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	t.logger.Debug("session opened", "session_id", sessionID, "liveness_token", livenessToken)
	return rec, nil
}

// Close removes an open session. Callers seal the session's final verdict
// first. Fails with ErrSessionNotFound if the session is gone, or
// ErrSessionClaimed if recovery currently holds it.
func (t *Tracker) Close(ctx context.Context, sessionID string) error {
	now := t.now()
	_, removed, err := t.registry.RemoveIf(ctx, sessionID, func(rec Record) error {
		if rec.claimLive(now, t.claimTTL) {
			return fmt.Errorf("%w: %s by %s", ErrSessionClaimed, sessionID, rec.ClaimedBy)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	t.logger.Debug("session closed", "session_id", sessionID)
	return nil
}

// Heartbeat refreshes an open session's liveness token to now.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID string) (Record, error) {
	now := t.now().UTC()
	return t.registry.Mutate(ctx, sessionID, func(rec *Record) error {
		if rec.Status != StatusOpen {
			return fmt.Errorf("%w: %s by %s", ErrSessionClaimed, sessionID, rec.ClaimedBy)
		}
		rec.LivenessToken = HeartbeatToken(now)
		return nil
	})
}

// List returns every registry record.
func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	return t.registry.List(ctx)
}

// Orphaned lists sessions whose owner the probe reports dead, or that have
// been open longer than timeout. Either signal alone is enough. Sessions
// under a live recovery claim are excluded; stale claims are included.
func (t *Tracker) Orphaned(ctx context.Context, timeout time.Duration) ([]Orphan, error) {
	records, err := t.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	var orphans []Orphan
	for _, rec := range records {
		if rec.claimLive(now, t.claimTTL) {
			continue
		}
		if reason, ok := t.orphanReason(rec, now, timeout); ok {
			orphans = append(orphans, Orphan{Record: rec, Reason: reason})
		}
	}
	return orphans, nil
}

func (t *Tracker) orphanReason(rec Record, now time.Time, timeout time.Duration) (string, bool) {
	if rec.Status == StatusRecovering {
		return fmt.Sprintf("recovery claim by %s expired", rec.ClaimedBy), true
	}
	if t.probe.Check(rec, now) == Dead {
		return fmt.Sprintf("owner not alive (liveness_token %s)", rec.LivenessToken), true
	}
	if age := now.Sub(rec.StartedAt); age > timeout {
		return fmt.Sprintf("open for %s, longer than timeout %s", age.Truncate(time.Second), timeout), true
	}
	return "", false
}

// RecoverySealID is the deterministic seal_id of a session's recovery seal.
func RecoverySealID(rec Record) string {
	return RecoverySealPrefix + rec.SessionID + ":" + rec.StartedAt.UTC().Format(time.RFC3339Nano)
}

// Recover closes one orphaned session: claim, seal VOID, remove.
//
// A session that was closed or claimed by someone else meanwhile is
// skipped. A session that already has a ledger entry since it started is
// removed without a second seal. A failed seal releases the claim and
// returns an OrphanRecoveryError.
func (t *Tracker) Recover(ctx context.Context, o Orphan) (RecoveryResult, error) {
	result := RecoveryResult{SessionID: o.SessionID, Reason: o.Reason}

	claimed, err := t.claim(ctx, o.SessionID)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionClaimed) {
		result.Action = ActionSkipped
		t.logger.Debug("orphan recovery skipped", "session_id", o.SessionID, "cause", err)
		return result, nil
	}
	if err != nil {
		return result, err
	}

	if t.hasEntry(ctx, claimed) {
		if err := t.removeClaimed(ctx, claimed.SessionID); err != nil {
			return result, err
		}
		result.Action = ActionAlreadySealed
		t.logger.Info("orphaned session already sealed, record removed", "session_id", o.SessionID)
		return result, nil
	}

	receipt, err := t.sealer.Seal(ctx, seal.Request{
		SessionID: claimed.SessionID,
		Verdict:   RecoveryVerdict,
		Payload: map[string]any{
			"orphan_reason":  o.Reason,
			"started_at":     claimed.StartedAt.UTC().Format(time.RFC3339Nano),
			"liveness_token": claimed.LivenessToken,
			"authority":      claimed.Authority,
		},
		Authority:     retention.SystemRecoveryAuthority,
		SealID:        RecoverySealID(claimed),
		RetentionHint: ledger.TierSeal,
	})
	if err != nil {
		t.release(claimed.SessionID)
		t.failures.Add(ctx, 1)
		t.logger.Error("orphan recovery failed",
			"session_id", o.SessionID,
			"seal_id", RecoverySealID(claimed),
			"error", err,
		)
		return result, &OrphanRecoveryError{SessionID: o.SessionID, Err: err}
	}

	if err := t.removeClaimed(ctx, claimed.SessionID); err != nil {
		// The seal is durable and idempotent; the next pass replays it and
		// retries the removal.
		return result, err
	}

	result.Action = ActionSealed
	result.Receipt = &receipt
	t.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(receipt.Outcome))))
	t.logger.Info("orphaned session recovered",
		"session_id", o.SessionID,
		"reason", o.Reason,
		"seal_id", receipt.SealID,
		"sequence", receipt.Sequence,
		"lineage", receipt.Lineage,
		"authoritative", receipt.Authoritative,
	)
	return result, nil
}

// claim moves a record to recovering under this tracker's name. A live
// claim held by another tracker fails with ErrSessionClaimed.
func (t *Tracker) claim(ctx context.Context, sessionID string) (Record, error) {
	now := t.now().UTC()
	return t.registry.Mutate(ctx, sessionID, func(rec *Record) error {
		if rec.claimLive(now, t.claimTTL) && rec.ClaimedBy != t.owner {
			return fmt.Errorf("%w: %s by %s", ErrSessionClaimed, sessionID, rec.ClaimedBy)
		}
		rec.Status = StatusRecovering
		rec.ClaimedBy = t.owner
		rec.ClaimedAt = &now
		return nil
	})
}

// release hands a claim back so the next pass can retry. Uses a fresh
// context: the caller's may already be cancelled.
func (t *Tracker) release(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := t.registry.Mutate(ctx, sessionID, func(rec *Record) error {
		if rec.ClaimedBy != t.owner {
			return nil
		}
		rec.Status = StatusOpen
		rec.ClaimedBy = ""
		rec.ClaimedAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		t.logger.Warn("could not release recovery claim", "session_id", sessionID, "error", err)
	}
}

// removeClaimed deletes the record only if this tracker still holds it.
func (t *Tracker) removeClaimed(ctx context.Context, sessionID string) error {
	_, _, err := t.registry.RemoveIf(ctx, sessionID, func(rec Record) error {
		if rec.ClaimedBy != t.owner {
			return fmt.Errorf("%w: %s by %s", ErrSessionClaimed, sessionID, rec.ClaimedBy)
		}
		return nil
	})
	return err
}

// hasEntry reports whether the session already has a ledger entry written
// since it started. Lookup failures count as "no": sealing is idempotent.
func (t *Tracker) hasEntry(ctx context.Context, rec Record) bool {
	history, err := t.sealer.SessionHistory(ctx, rec.SessionID)
	if err != nil {
		return false
	}
	for _, e := range history.Entries {
		if !e.Timestamp.Before(rec.StartedAt.Truncate(time.Microsecond)) {
			return true
		}
	}
	return false
}

// RecoverOrphans runs one maintenance pass. Cancellation is honoured
// between sessions, never in the middle of one.
func (t *Tracker) RecoverOrphans(ctx context.Context, timeout time.Duration) (PassSummary, error) {
	orphans, err := t.Orphaned(ctx, timeout)
	if err != nil {
		return PassSummary{}, err
	}
	summary := PassSummary{Found: len(orphans), Results: []RecoveryResult{}}
	var errs []error
	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			t.logger.Info("orphan recovery pass cancelled", "remaining", len(orphans)-len(summary.Results))
			errs = append(errs, err)
			break
		}
		res, err := t.Recover(context.WithoutCancel(ctx), o)
		summary.Results = append(summary.Results, res)
		switch {
		case err != nil:
			summary.Failed++
			errs = append(errs, err)
		case res.Action == ActionSkipped:
			summary.Skipped++
		default:
			summary.Recovered++
		}
	}

	level := slog.LevelDebug
	if summary.Found > 0 {
		level = slog.LevelInfo
	}
	t.logger.Log(ctx, level, "orphan recovery pass",
		"found", summary.Found,
		"recovered", summary.Recovered,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, errors.Join(errs...)
}

// Run repeats RecoverOrphans every interval until ctx is cancelled. Pass
// failures are logged and retried on the next tick.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if _, err := t.RecoverOrphans(ctx, t.timeout); err != nil && ctx.Err() == nil {
			t.logger.Warn("orphan recovery pass incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
