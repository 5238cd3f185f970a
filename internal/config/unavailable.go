package config

import (
	"context"

	"github.com/roach88/vledger/internal/ledger"
)

// unavailableBackend stands in for a durable backend that could not be
// opened. Every call fails with BackendUnavailable so the coordinator
// degrades to the fallback ledger.
type unavailableBackend struct {
	name  string
	cause error
}

var _ ledger.Backend = unavailableBackend{}

func (u unavailableBackend) err(op string) error {
	return ledger.Unavailable(u.name, op, u.cause)
}

func (u unavailableBackend) Name() string { return u.name }

func (u unavailableBackend) Lineages() []ledger.Lineage {
	return []ledger.Lineage{ledger.LineageSeal, ledger.LineageCooling}
}

func (u unavailableBackend) Append(context.Context, ledger.AppendRequest) (ledger.Entry, bool, error) {
	return ledger.Entry{}, false, u.err("append")
}

func (u unavailableBackend) FindBySealID(context.Context, string) (ledger.Entry, bool, error) {
	return ledger.Entry{}, false, u.err("find")
}

func (u unavailableBackend) GetBySession(context.Context, string) ([]ledger.Entry, error) {
	return nil, u.err("get by session")
}

func (u unavailableBackend) Query(context.Context, ledger.Filter, int, int) ([]ledger.Entry, error) {
	return nil, u.err("query")
}

func (u unavailableBackend) Head(context.Context, ledger.Lineage) (ledger.Head, error) {
	return ledger.Head{}, u.err("head")
}

func (u unavailableBackend) RebuildHead(context.Context, ledger.Lineage) (ledger.Head, error) {
	return ledger.Head{}, u.err("rebuild head")
}

func (u unavailableBackend) VerifyChain(context.Context, ledger.Lineage) (ledger.VerifyResult, error) {
	return ledger.VerifyResult{}, u.err("verify")
}

func (u unavailableBackend) ResumeLineage(context.Context, ledger.Lineage) (ledger.VerifyResult, error) {
	return ledger.VerifyResult{}, u.err("resume")
}

func (u unavailableBackend) Close() error { return nil }
