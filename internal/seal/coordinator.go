package seal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/vledger/internal/canon"
	"github.com/roach88/vledger/internal/ledger"
	"github.com/roach88/vledger/internal/retention"
)

// Defaults applied by New.
//
// DefaultTimeout bounds one durable attempt, including time spent queued
// behind other writers. The SQLite store serializes appends on a single
// connection, so callers running around a hundred concurrent seals should
// raise it with WithTimeout or attempts will time out and degrade.
const (
	DefaultTimeout       = 2 * time.Second
	DefaultRetries       = 2
	DefaultCoolingWindow = 72 * time.Hour
	DefaultRetryInterval = 50 * time.Millisecond
)

// Request is one call to Seal.
type Request struct {
	SessionID     string
	Verdict       ledger.Verdict
	Payload       map[string]any
	Authority     string
	SealID        string      // optional idempotency key
	RetentionHint ledger.Tier // optional
}

// Coordinator routes seals and queries across the durable and fallback
// backends. Construct one per process and share it.
//
// Thread-safety: safe for concurrent use. Sequencing is serialized by the
// backends, not by the coordinator.
type Coordinator struct {
	durable       ledger.Backend
	fallback      ledger.Backend
	logger        *slog.Logger
	now           func() time.Time
	ids           IDGenerator
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	coolingWindow time.Duration
	meter         metric.Meter
	metrics       instruments
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithClock overrides the time source used for cooling expiry and query
// reference time.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithIDGenerator overrides seal id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithTimeout bounds every individual durable backend call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithRetries sets how many times a durable call is retried after a
// BackendUnavailable failure before falling back.
func WithRetries(n int) Option {
	return func(c *Coordinator) {
		c.retries = n
	}
}

// WithRetryInterval sets the initial backoff between durable retries.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.retryInterval = d
	}
}

// WithCoolingWindow sets how long SABAR entries stay live.
func WithCoolingWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		c.coolingWindow = d
	}
}

// WithMeter sets the OpenTelemetry meter. Default is the global provider.
func WithMeter(m metric.Meter) Option {
	return func(c *Coordinator) {
		c.meter = m
	}
}

// New creates a Coordinator. Both backends are required; the fallback must
// host the fallback lineage.
func New(durable, fallback ledger.Backend, opts ...Option) (*Coordinator, error) {
	if durable == nil {
		return nil, errors.New("seal: durable backend is required")
	}
	if fallback == nil {
		return nil, errors.New("seal: fallback backend is required")
	}
	c := &Coordinator{
		durable:       durable,
		fallback:      fallback,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		ids:           UUIDv7Generator{},
		timeout:       DefaultTimeout,
		retries:       DefaultRetries,
		retryInterval: DefaultRetryInterval,
		coolingWindow: DefaultCoolingWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		return nil, fmt.Errorf("seal: timeout must be positive, got %s", c.timeout)
	}
	if c.retries < 0 {
		return nil, fmt.Errorf("seal: retries must not be negative, got %d", c.retries)
	}
	if c.coolingWindow <= 0 {
		return nil, fmt.Errorf("seal: cooling window must be positive, got %s", c.coolingWindow)
	}
	c.metrics = newInstruments(c.meter)
	return c, nil
}

// Seal records a verdict.
//
// The returned error is non-nil exactly when the receipt's Outcome is
// OutcomeRejected: a ValidationError for malformed input, a
// ChainCorruptionError for a halted lineage, or the fallback's own error
// when neither backend could record the entry.
func (c *Coordinator) Seal(ctx context.Context, req Request) (Receipt, error) {
	receipt, err := c.seal(ctx, req)
	c.metrics.record(ctx, receipt)
	return receipt, err
}

func (c *Coordinator) seal(ctx context.Context, req Request) (Receipt, error) {
	if err := validate(req); err != nil {
		return rejected(req, "", err), err
	}

	callerKey := req.SealID != ""
	if !callerKey {
		req.SealID = c.ids.Generate()
	}

	tier := retention.Classify(retention.Input{
		Verdict:   req.Verdict,
		Payload:   req.Payload,
		Authority: req.Authority,
		Hint:      req.RetentionHint,
	})

	if callerKey {
		if r, found := c.lookup(ctx, req.SealID); found {
			return r, nil
		}
	}

	if tier == ledger.TierTransient {
		return Receipt{
			Outcome:       OutcomeSealed,
			Status:        StatusTransient,
			SealID:        req.SealID,
			SessionID:     req.SessionID,
			Tier:          tier,
			Authoritative: true,
		}, nil
	}

	appendReq := ledger.AppendRequest{
		SealID:    req.SealID,
		SessionID: req.SessionID,
		Verdict:   req.Verdict,
		Payload:   req.Payload,
		Authority: req.Authority,
		Lineage:   ledger.LineageSeal,
		Tier:      tier,
	}
	if tier == ledger.TierSabar {
		expires := c.now().UTC().Add(c.coolingWindow).Truncate(time.Microsecond)
		appendReq.Lineage = ledger.LineageCooling
		appendReq.ExpiresAt = &expires
	}

	var (
		entry   ledger.Entry
		created bool
	)
	err := c.durableCall(ctx, func(ctx context.Context) error {
		var err error
		entry, created, err = c.durable.Append(ctx, appendReq)
		return err
	})
	switch {
	case err == nil:
		outcome := OutcomeSealed
		if !created {
			outcome = OutcomeDeduplicated
		}
		return receiptFor(entry, outcome, c.durable.Name(), true), nil
	case ledger.IsValidationError(err), ledger.IsChainCorruption(err):
		c.logRejection(req, err)
		return rejected(req, tier, err), err
	}

	return c.sealFallback(ctx, req, appendReq, err)
}

// sealFallback writes to the fallback lineage after the durable backend
// failed. The caller's cancellation does not stop it: a seal attempt that
// reached this point must still leave a record.
func (c *Coordinator) sealFallback(ctx context.Context, req Request, appendReq ledger.AppendRequest, cause error) (Receipt, error) {
	c.logger.Warn("durable ledger unavailable, sealing to fallback",
		"seal_id", req.SealID,
		"session_id", req.SessionID,
		"lineage", appendReq.Lineage,
		"backend", c.durable.Name(),
		"cause", cause,
	)

	entry, created, err := c.fallback.Append(context.WithoutCancel(ctx), appendReq)
	if err != nil {
		c.logger.Error("fallback ledger append failed",
			"seal_id", req.SealID,
			"session_id", req.SessionID,
			"backend", c.fallback.Name(),
			"error", err,
		)
		return rejected(req, appendReq.Tier, err), fmt.Errorf("seal %s: durable and fallback append failed: %w", req.SealID, err)
	}
	outcome := OutcomeDegraded
	if !created {
		outcome = OutcomeDeduplicated
	}
	r := receiptFor(entry, outcome, c.fallback.Name(), false)
	r.Reason = cause.Error()
	return r, nil
}

// lookup checks for an existing seal_id: durable first, then the fallback
// if the durable backend cannot answer.
func (c *Coordinator) lookup(ctx context.Context, sealID string) (Receipt, bool) {
	var (
		entry ledger.Entry
		found bool
	)
	err := c.durableCall(ctx, func(ctx context.Context) error {
		var err error
		entry, found, err = c.durable.FindBySealID(ctx, sealID)
		return err
	})
	if err == nil && found {
		return receiptFor(entry, OutcomeDeduplicated, c.durable.Name(), true), true
	}

	// A seal_id first written during an outage stays bound to its fallback
	// entry after the durable backend comes back.
	if err != nil {
		c.logger.Debug("durable seal_id lookup failed, checking fallback", "seal_id", sealID, "error", err)
	}
	entry, found, err = c.fallback.FindBySealID(context.WithoutCancel(ctx), sealID)
	if err != nil || !found {
		return Receipt{}, false
	}
	return receiptFor(entry, OutcomeDeduplicated, c.fallback.Name(), false), true
}

func (c *Coordinator) logRejection(req Request, err error) {
	if ledger.IsChainCorruption(err) {
		c.logger.Error("seal rejected: lineage halted",
			"seal_id", req.SealID,
			"session_id", req.SessionID,
			"error", err,
		)
		return
	}
	c.logger.Debug("seal rejected", "seal_id", req.SealID, "error", err)
}

func validate(req Request) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return &ledger.ValidationError{Field: "session_id", Message: "session_id is required"}
	}
	if strings.TrimSpace(req.Authority) == "" {
		return &ledger.ValidationError{Field: "authority", Message: "authority is required"}
	}
	if !req.Verdict.Valid() {
		return &ledger.ValidationError{Field: "verdict", Message: fmt.Sprintf("unknown verdict %q", req.Verdict)}
	}
	if req.RetentionHint != "" {
		if _, err := ledger.ParseTier(string(req.RetentionHint)); err != nil {
			return err
		}
	}
	if req.Payload != nil {
		if _, err := canon.Marshal(req.Payload); err != nil {
			return &ledger.ValidationError{Field: "payload", Message: "payload is not deterministically serializable", Err: err}
		}
	}
	return nil
}
