// Package telemetry installs the OpenTelemetry meter provider that backs
// the seal and session counters.
//
// Telemetry is off by default: a no-op provider is installed and the
// counters cost nothing.
//
// # Configuration
//
//	telemetry.enabled        export metrics (default false)
//	telemetry.stdout         write metrics to stderr
//	telemetry.otlp_endpoint  OTLP/HTTP collector, e.g. localhost:4318
//	telemetry.interval       export period (default 30s)
//
// Enabled with no exporter configured falls back to stdout.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName identifies vledger in exported resources.
const ServiceName = "vledger"

// Config selects exporters.
type Config struct {
	Enabled      bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Stdout       bool          `mapstructure:"stdout" json:"stdout" yaml:"stdout"`
	OTLPEndpoint string        `mapstructure:"otlp_endpoint" json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	Interval     time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
}

// Provider owns the installed meter provider. A nil or disabled Provider
// is valid and Shutdown is a no-op.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// Init installs the global meter provider cfg describes. Stdout export
// goes to w.
func Init(ctx context.Context, cfg Config, w io.Writer) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return &Provider{}, nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout || cfg.OTLPEndpoint == "" {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp}, nil
}

// Shutdown flushes pending metrics and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}
