package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTELHook_Run(t *testing.T) {
	tests := getOTELHookTestCases()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runOTELHookTest(t, tt)
		})
	}
}

// getOTELHookTestCases returns test cases for OTEL hook
func getOTELHookTestCases() []struct {
	name        string
	setupCtx    func() context.Context
	expectTrace bool
	expectSpan  bool
} {
	return []struct {
		name        string
		setupCtx    func() context.Context
		expectTrace bool
		expectSpan  bool
	}{
		{
			name: "no context",
			setupCtx: func() context.Context {
				return nil
			},
			expectTrace: false,
			expectSpan:  false,
		},
		{
			name: "context without span",
			setupCtx: func() context.Context {
				return context.Background()
			},
			expectTrace: false,
			expectSpan:  false,
		},
		{
			name: "context with valid span",
			setupCtx: func() context.Context {
				return createContextWithSpan()
			},
			expectTrace: true,
			expectSpan:  true,
		},
	}
}

// createContextWithSpan creates a context with tracing span
func createContextWithSpan() context.Context {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	tracer := provider.Tracer("test")
	ctx, _ := tracer.Start(context.Background(), "test-span")
	return ctx
}

// runOTELHookTest executes a single OTEL hook test
func runOTELHookTest(t *testing.T, tt struct {
	name        string
	setupCtx    func() context.Context
	expectTrace bool
	expectSpan  bool
}) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	hook := OTELHook{}
	event := logger.Info().Ctx(tt.setupCtx())

	hook.Run(event, zerolog.InfoLevel, "test message")
	event.Msg("test")

	verifyOTELOutput(t, buf.String(), tt.expectTrace, tt.expectSpan)
}

// verifyOTELOutput checks if output contains expected trace/span IDs
func verifyOTELOutput(t *testing.T, output string, expectTrace, expectSpan bool) {
	if expectTrace {
		assert.Contains(t, output, "trace_id")
	} else {
		assert.NotContains(t, output, "trace_id")
	}

	if expectSpan {
		assert.Contains(t, output, "span_id")
	} else {
		assert.NotContains(t, output, "span_id")
	}
}

func TestOTELHook_ErrorLevel(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	tracer := provider.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	hook := OTELHook{}
	event := logger.Error().Ctx(ctx)

	hook.Run(event, zerolog.ErrorLevel, "error message")
	event.Msg("test error")

	// Verify span status was set to error
	span.End()
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "error message", spans[0].Status.Description)
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "test-service")

	logger.Info().Msg("test message")

	output := buf.String()
	assert.Contains(t, output, `"service":"test-service"`)
	assert.Contains(t, output, "test message")
}

func TestLogger_WithContext(t *testing.T) {
	logger := NewLogger("test-service")
	ctx := context.Background()

	contextLogger := logger.WithContext(ctx)
	assert.NotNil(t, contextLogger)
}

func TestLogger_ScanEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: zerolog.New(&buf)}
	ctx := context.Background()

	logger.LogScanStarted(ctx, "scan-1", "acct-1", 17)
	assert.Contains(t, buf.String(), "scan started")
	assert.Contains(t, buf.String(), "scan-1")
	assert.Contains(t, buf.String(), "17")

	buf.Reset()
	logger.LogScanCompleted(ctx, "scan-1", "completed", 3, 0, 12.5)
	assert.Contains(t, buf.String(), "scan finished")
	assert.Contains(t, buf.String(), "level\":\"info")

	buf.Reset()
	logger.LogScanCompleted(ctx, "scan-1", "failed", 0, 2, 12.5)
	assert.Contains(t, buf.String(), "level\":\"warn")

	buf.Reset()
	logger.LogListingFailed(ctx, "gcp", "cloud_sql_instance", 4, assert.AnError)
	assert.Contains(t, buf.String(), "resource listing failed")
	assert.Contains(t, buf.String(), "cloud_sql_instance")
	assert.Contains(t, buf.String(), "partial_results\":4")

	buf.Reset()
	logger.LogInvariantViolation(ctx, "disk_unattached", "d-1", assert.AnError)
	assert.Contains(t, buf.String(), "evaluation invariant violated")
	assert.Contains(t, buf.String(), "level\":\"error")

	buf.Reset()
	logger.LogSinkError(ctx, "a|gcp|b", assert.AnError)
	assert.Contains(t, buf.String(), "finding sink failed")
}

func TestNewProvider_NoEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, err := NewProvider(ctx, Config{Prometheus: true})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	assert.NotNil(t, p.Registry())
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
}

func TestNewProvider_WithoutPrometheus(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, Config{})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	assert.Nil(t, p.Registry())
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{SampleRate: 5})
	assert.Equal(t, "tuhlaus", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestScanMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	ctx := context.Background()

	m, err := NewScanMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.RecordScan(ctx, "acct-1", "completed", 2*time.Second)
	m.RecordEvaluation(ctx, "cloud_sql_idle", "matched")
	m.RecordEvaluation(ctx, "cloud_sql_idle", "insufficient_data")
	m.RecordListingError(ctx, "aws", "ebs_volume")
	m.RecordMetricError(ctx, "cpu")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
		}
	}
	for _, want := range []string{"tuhlaus.scans", "tuhlaus.scan.duration", "tuhlaus.evaluations", "tuhlaus.listing.errors", "tuhlaus.metric.errors"} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestScanMetrics_NilSafe(t *testing.T) {
	var m *ScanMetrics
	assert.NotPanics(t, func() {
		m.RecordScan(context.Background(), "a", "completed", time.Second)
		m.RecordEvaluation(context.Background(), "s", "matched")
	})
}

func TestRecordFindingEvent(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	_, span := provider.Tracer("test").Start(context.Background(), "scan")

	RecordFindingEvent(span, "disk_unattached", "d-1", "high", 12.5)
	RecordWarningEvent(span, "listing", "boom")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 2)
	assert.Equal(t, "waste.finding", spans[0].Events[0].Name)
	assert.Equal(t, "scan.warning", spans[0].Events[1].Name)
}
