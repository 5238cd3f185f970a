package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

func resetGlobal(t *testing.T) {
	t.Cleanup(func() { otel.SetMeterProvider(metricnoop.NewMeterProvider()) })
}

func TestInit_DisabledIsNoop(t *testing.T) {
	resetGlobal(t)
	buf := &bytes.Buffer{}

	p, err := Init(context.Background(), Config{}, buf)
	require.NoError(t, err)

	counter, err := otel.Meter("test").Int64Counter("vledger.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

func TestInit_StdoutFlushesOnShutdown(t *testing.T) {
	resetGlobal(t)
	buf := &bytes.Buffer{}

	p, err := Init(context.Background(), Config{Enabled: true, Stdout: true}, buf)
	require.NoError(t, err)

	counter, err := otel.Meter("test").Int64Counter("vledger.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "vledger.test.count")
	assert.Contains(t, buf.String(), ServiceName)
}

func TestProvider_NilShutdown(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
