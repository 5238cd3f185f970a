package seal

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterScopeName = "github.com/roach88/vledger/seal"

type instruments struct {
	outcomes metric.Int64Counter
	degraded metric.Int64Counter
}

func newInstruments(m metric.Meter) instruments {
	if m == nil {
		m = otel.Meter(meterScopeName)
	}
	outcomes, _ := m.Int64Counter("vledger.seal.outcomes",
		metric.WithDescription("Seal calls by outcome and retention tier"),
	)
	degraded, _ := m.Int64Counter("vledger.seal.degraded",
		metric.WithDescription("Seals written to the fallback lineage because the durable backend was unreachable"),
	)
	return instruments{outcomes: outcomes, degraded: degraded}
}

func (i instruments) record(ctx context.Context, r Receipt) {
	i.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(r.Outcome)),
		attribute.String("tier", string(r.Tier)),
	))
	if r.Outcome == OutcomeDegraded {
		i.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", r.Backend)))
	}
}
