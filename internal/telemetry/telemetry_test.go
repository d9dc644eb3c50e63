package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/rund/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.NotNil(t, tel.Tracer("rund.engine"))
	assert.NotNil(t, tel.Meter("rund.engine"))
	assert.False(t, tel.IsEnabled())

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNilReceiverSafety(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("rund.engine")
		_ = tel.Meter("rund.engine")
		_ = tel.LoggerProvider()
		tel.SetLoggerProvider(nil)
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
}

func TestShutdownMarksUnhealthy(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestShutdownHonorsCallerDeadline(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false
	cfg.Shutdown.Timeout = config.Duration(100 * time.Millisecond)

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
}

func TestForceFlushDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, tel.ForceFlush(context.Background()))
}

func TestLoggerProviderInitiallyNil(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider())
}

func TestSpanRecording(t *testing.T) {
	tt := NewTestTelemetry()

	tracer := tt.Tracer("rund.engine")
	_, span := tracer.Start(context.Background(), "engine.start_run")
	span.SetAttributes(attribute.String("run.id", "run-123"))
	span.End()

	tt.AssertSpanExists(t, "engine.start_run")
	tt.AssertSpanAttribute(t, "engine.start_run", "run.id", "run-123")
	assert.Nil(t, tt.SpanByName("engine.cancel_run"))
}

func TestSpanAttributeTypes(t *testing.T) {
	tt := NewTestTelemetry()

	tracer := tt.Tracer("rund.engine")
	_, span := tracer.Start(context.Background(), "engine.settle")
	span.SetAttributes(
		attribute.String("org.id", "acme"),
		attribute.Int64("credits.charged", 20),
		attribute.Float64("duration.seconds", 1.5),
		attribute.Bool("retried", true),
	)
	span.End()

	tt.AssertSpanAttribute(t, "engine.settle", "org.id", "acme")
	tt.AssertSpanAttribute(t, "engine.settle", "credits.charged", int64(20))
	tt.AssertSpanAttribute(t, "engine.settle", "duration.seconds", 1.5)
	tt.AssertSpanAttribute(t, "engine.settle", "retried", true)
}

func TestMultipleSpans(t *testing.T) {
	tt := NewTestTelemetry()

	tracer := tt.Tracer("rund.engine")
	for _, name := range []string{"engine.create_run", "engine.start_run", "engine.cancel_run"} {
		_, span := tracer.Start(context.Background(), name)
		span.End()
	}

	assert.Len(t, tt.Spans(), 3)
	tt.AssertSpanExists(t, "engine.create_run")
	tt.AssertSpanExists(t, "engine.start_run")
	tt.AssertSpanExists(t, "engine.cancel_run")
}

func TestMetricRecording(t *testing.T) {
	tt := NewTestTelemetry()

	meter := tt.Meter("rund.engine")
	counter, err := meter.Int64Counter("rund.runs.completed")
	require.NoError(t, err)

	counter.Add(context.Background(), 1)
	counter.Add(context.Background(), 2)

	require.NoError(t, tt.MetricReader.ForceFlush(context.Background()))
	assert.NotEmpty(t, tt.MetricReader.Metrics())

	require.NoError(t, tt.MetricReader.Shutdown(context.Background()))
}

func TestShutdownWithLiveProviders(t *testing.T) {
	tt := NewTestTelemetry()

	tracer := tt.Tracer("rund.engine")
	_, span := tracer.Start(context.Background(), "engine.execute")
	span.End()

	meter := tt.Meter("rund.engine")
	counter, err := meter.Int64Counter("rund.steps.executed")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, tt.ForceFlush(context.Background()))
	require.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.Health().Healthy)
}
