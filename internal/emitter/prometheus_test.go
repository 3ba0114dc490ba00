package emitter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/tuhlaus/pkg/finding"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			out[md.Name] = md
		}
	}
	return out
}

func wasteByScenario(t *testing.T, md metricdata.Metrics) map[string]float64 {
	t.Helper()
	gauge, ok := md.Data.(metricdata.Gauge[float64])
	require.True(t, ok, "unexpected data type %T", md.Data)

	out := make(map[string]float64)
	for _, dp := range gauge.DataPoints {
		v, _ := dp.Attributes.Value("scenario")
		out[v.AsString()] = dp.Value
	}
	return out
}

func TestPrometheusEmitter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	ctx := context.Background()

	e, err := NewPrometheusEmitter(provider.Meter("test"))
	require.NoError(t, err)

	require.NoError(t, e.Emit(ctx, makeFinding("cloud_sql_idle", "db-1", finding.TierHigh, 100)))
	require.NoError(t, e.Emit(ctx, makeFinding("cloud_sql_idle", "db-2", finding.TierLow, 50)))
	require.NoError(t, e.ScanCompleted(ctx, completedReport("scan-1")))

	metrics := collect(t, reader)
	require.Contains(t, metrics, "tuhlaus.findings")
	require.Contains(t, metrics, "tuhlaus.findings.open")
	require.Contains(t, metrics, "tuhlaus.waste.monthly")
	assert.InDelta(t, 150.0, wasteByScenario(t, metrics["tuhlaus.waste.monthly"])["cloud_sql_idle"], 1e-9)

	// db-1 is gone from a scan that covered it; db-2 is still wasteful.
	second := makeFinding("cloud_sql_idle", "db-2", finding.TierLow, 50)
	second.ScanID = "scan-2"
	require.NoError(t, e.Emit(ctx, second))
	require.NoError(t, e.ScanCompleted(ctx, completedReport("scan-2")))

	metrics = collect(t, reader)
	assert.InDelta(t, 50.0, wasteByScenario(t, metrics["tuhlaus.waste.monthly"])["cloud_sql_idle"], 1e-9)

	changes, ok := metrics["tuhlaus.finding.changes"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, changes.DataPoints, 1)
	v, _ := changes.DataPoints[0].Attributes.Value("change_type")
	assert.Equal(t, string(ChangeResolved), v.AsString())
	assert.Equal(t, int64(1), changes.DataPoints[0].Value)
}

func TestPrometheusEmitter_PartialScanKeepsFindingsOpen(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	ctx := context.Background()

	e, err := NewPrometheusEmitter(provider.Meter("test"))
	require.NoError(t, err)

	require.NoError(t, e.Emit(ctx, makeFinding("cloud_sql_idle", "db-1", finding.TierHigh, 100)))
	require.NoError(t, e.ScanCompleted(ctx, completedReport("scan-1")))

	failed := completedReport("scan-2")
	failed.State = "failed"
	failed.Partial = true
	failed.Listings[0].Error = "permission denied"
	require.NoError(t, e.ScanCompleted(ctx, failed))

	metrics := collect(t, reader)
	assert.InDelta(t, 100.0, wasteByScenario(t, metrics["tuhlaus.waste.monthly"])["cloud_sql_idle"], 1e-9)
	assert.NotContains(t, metrics, "tuhlaus.finding.changes")
}
