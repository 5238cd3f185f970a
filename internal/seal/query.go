package seal

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/vledger/internal/ledger"
)

// PromotionPrefix starts the seal_id of every promoted entry.
const PromotionPrefix = "promote:"

// QueryResult carries entries plus which backend produced them.
type QueryResult struct {
	Entries       []ledger.Entry `json:"entries" yaml:"entries"`
	Authoritative bool           `json:"authoritative" yaml:"authoritative"`
	Backend       string         `json:"backend" yaml:"backend"`
}

// Query reads entries, preferring the durable backend. When it cannot
// answer, the fallback answers and the result is marked non-authoritative.
// A filter on the fallback lineage goes straight to the fallback.
//
// Expired cooling entries are hidden unless f.IncludeExpired is set.
func (c *Coordinator) Query(ctx context.Context, f ledger.Filter, limit, offset int) (QueryResult, error) {
	if f.Now.IsZero() {
		f.Now = c.now()
	}
	if f.Lineage == ledger.LineageFallback {
		return c.queryFallback(ctx, f, limit, offset)
	}

	var entries []ledger.Entry
	err := c.durableCall(ctx, func(ctx context.Context) error {
		var err error
		entries, err = c.durable.Query(ctx, f, limit, offset)
		return err
	})
	if err == nil {
		return QueryResult{Entries: entries, Authoritative: true, Backend: c.durable.Name()}, nil
	}
	if ledger.IsValidationError(err) {
		return QueryResult{}, err
	}

	c.logger.Warn("durable ledger unavailable, answering query from fallback",
		"backend", c.durable.Name(),
		"cause", err,
	)
	return c.queryFallback(ctx, f, limit, offset)
}

func (c *Coordinator) queryFallback(ctx context.Context, f ledger.Filter, limit, offset int) (QueryResult, error) {
	entries, err := c.fallback.Query(ctx, f, limit, offset)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query fallback: %w", err)
	}
	return QueryResult{Entries: entries, Authoritative: false, Backend: c.fallback.Name()}, nil
}

// SessionHistory returns every entry recorded for a session, expired
// cooling entries included. Entries written to the fallback during an
// outage are appended after the durable ones, so a session sealed in
// degraded mode still shows its verdict once the durable backend is back.
func (c *Coordinator) SessionHistory(ctx context.Context, sessionID string) (QueryResult, error) {
	f := ledger.Filter{SessionID: sessionID, IncludeExpired: true}
	result, err := c.Query(ctx, f, 0, 0)
	if err != nil || !result.Authoritative {
		return result, err
	}

	f.Now = c.now()
	f.Lineage = ledger.LineageFallback
	degraded, err := c.fallback.Query(ctx, f, 0, 0)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query fallback: %w", err)
	}
	result.Entries = append(result.Entries, degraded...)
	return result, nil
}

// Promote copies a live cooling entry into the permanent seal lineage.
//
// The promoted entry's payload is {"promoted_from": {...}, "payload": ...}
// and its seal_id is "promote:<original seal_id>", so promoting twice
// returns the first promotion. Expired or non-cooling entries are rejected
// with a ValidationError. Promotion needs the durable backend.
func (c *Coordinator) Promote(ctx context.Context, sealID, authority string) (Receipt, error) {
	if authority == "" {
		err := &ledger.ValidationError{Field: "authority", Message: "authority is required"}
		return Receipt{Outcome: OutcomeRejected, Status: StatusError, SealID: sealID, Reason: err.Error()}, err
	}

	promotedID := PromotionPrefix + sealID
	var (
		orig     ledger.Entry
		found    bool
		existing ledger.Entry
		promoted bool
	)
	err := c.durableCall(ctx, func(ctx context.Context) error {
		var err error
		if existing, promoted, err = c.durable.FindBySealID(ctx, promotedID); err != nil || promoted {
			return err
		}
		orig, found, err = c.durable.FindBySealID(ctx, sealID)
		return err
	})
	if err != nil {
		return Receipt{Outcome: OutcomeRejected, Status: StatusError, SealID: sealID, Reason: err.Error()}, fmt.Errorf("promote %s: %w", sealID, err)
	}
	if promoted {
		return receiptFor(existing, OutcomeDeduplicated, c.durable.Name(), true), nil
	}

	var verr error
	switch {
	case !found:
		verr = &ledger.ValidationError{Field: "seal_id", Message: fmt.Sprintf("no durable entry with seal_id %q", sealID)}
	case orig.Lineage != ledger.LineageCooling:
		verr = &ledger.ValidationError{Field: "seal_id", Message: fmt.Sprintf("entry %q is in lineage %s, not cooling", sealID, orig.Lineage)}
	case orig.Expired(c.now()):
		verr = &ledger.ValidationError{Field: "seal_id", Message: fmt.Sprintf("cooling entry %q expired at %s", sealID, orig.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))}
	}
	if verr != nil {
		return Receipt{Outcome: OutcomeRejected, Status: StatusError, SealID: sealID, Reason: verr.Error()}, verr
	}

	req := ledger.AppendRequest{
		SealID:    promotedID,
		SessionID: orig.SessionID,
		Verdict:   orig.Verdict,
		Payload: map[string]any{
			"promoted_from": map[string]any{
				"seal_id":    orig.SealID,
				"lineage":    string(orig.Lineage),
				"sequence":   orig.Sequence,
				"entry_hash": orig.EntryHash,
			},
			"payload": orig.Payload,
		},
		Authority: authority,
		Lineage:   ledger.LineageSeal,
		Tier:      ledger.TierSeal,
	}
	var (
		entry   ledger.Entry
		created bool
	)
	err = c.durableCall(ctx, func(ctx context.Context) error {
		var err error
		entry, created, err = c.durable.Append(ctx, req)
		return err
	})
	if err != nil {
		return Receipt{Outcome: OutcomeRejected, Status: StatusError, SealID: promotedID, SessionID: orig.SessionID, Tier: ledger.TierSeal, Reason: err.Error()}, fmt.Errorf("promote %s: %w", sealID, err)
	}

	c.logger.Info("cooling entry promoted",
		"seal_id", sealID,
		"promoted_seal_id", promotedID,
		"sequence", entry.Sequence,
		"authority", authority,
	)
	outcome := OutcomeSealed
	if !created {
		outcome = OutcomeDeduplicated
	}
	return receiptFor(entry, outcome, c.durable.Name(), true), nil
}

// ExpiredCooling lists durable cooling entries whose window has passed.
func (c *Coordinator) ExpiredCooling(ctx context.Context) ([]ledger.Entry, error) {
	now := c.now()
	var entries []ledger.Entry
	err := c.durableCall(ctx, func(ctx context.Context) error {
		var err error
		entries, err = c.durable.Query(ctx, ledger.Filter{Lineage: ledger.LineageCooling, IncludeExpired: true, Now: now}, 0, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list cooling entries: %w", err)
	}
	expired := []ledger.Entry{}
	for _, e := range entries {
		if e.Expired(now) {
			expired = append(expired, e)
		}
	}
	return expired, nil
}

// Verify walks every lineage of both backends. Corrupted lineages are
// halted by their backend and reported with OK=false; backend errors are
// joined into the returned error while the remaining lineages still run.
func (c *Coordinator) Verify(ctx context.Context) ([]ledger.VerifyResult, error) {
	var (
		results []ledger.VerifyResult
		errs    []error
	)
	for _, b := range []ledger.Backend{c.durable, c.fallback} {
		for _, l := range b.Lineages() {
			r, err := b.VerifyChain(ctx, l)
			if err != nil {
				errs = append(errs, fmt.Errorf("verify %s/%s: %w", b.Name(), l, err))
				continue
			}
			results = append(results, r)
		}
	}
	return results, errors.Join(errs...)
}

// RebuildHead re-derives a lineage head from its last entry.
func (c *Coordinator) RebuildHead(ctx context.Context, l ledger.Lineage) (ledger.Head, error) {
	b, err := c.backendFor(l)
	if err != nil {
		return ledger.Head{}, err
	}
	return b.RebuildHead(ctx, l)
}

// Resume lifts the halt on a lineage if it verifies cleanly.
func (c *Coordinator) Resume(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	b, err := c.backendFor(l)
	if err != nil {
		return ledger.VerifyResult{}, err
	}
	return b.ResumeLineage(ctx, l)
}

func (c *Coordinator) backendFor(l ledger.Lineage) (ledger.Backend, error) {
	for _, b := range []ledger.Backend{c.durable, c.fallback} {
		for _, hosted := range b.Lineages() {
			if hosted == l {
				return b, nil
			}
		}
	}
	return nil, &ledger.ValidationError{Field: "lineage", Message: fmt.Sprintf("unknown lineage %q", l)}
}
