package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	maintenance   metric.Int64Counter
}

// NewDaemonMetrics creates the daemon instruments on meter.
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	cycles, err := meter.Int64Counter(
		"tuhlaus.daemon.cycles",
		metric.WithDescription("Number of scan cycles run by the daemon"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"tuhlaus.daemon.cycle.duration",
		metric.WithDescription("Duration of a scan cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	maintenance, err := meter.Int64Counter(
		"tuhlaus.daemon.maintenance",
		metric.WithDescription("Number of post-scan maintenance runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		cycles:        cycles,
		cycleDuration: cycleDuration,
		maintenance:   maintenance,
	}, nil
}

// RecordCycle records a scan cycle with its final state.
func (m *DaemonMetrics) RecordCycle(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordMaintenance records a maintenance run
func (m *DaemonMetrics) RecordMaintenance(ctx context.Context, status string) {
	m.maintenance.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
