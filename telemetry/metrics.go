package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScanMetrics holds the engine-side scan instruments.
type ScanMetrics struct {
	scans         metric.Int64Counter
	scanDuration  metric.Float64Histogram
	evaluations   metric.Int64Counter
	listingErrors metric.Int64Counter
	metricErrors  metric.Int64Counter
}

// NewScanMetrics creates scan instruments on meter.
func NewScanMetrics(meter metric.Meter) (*ScanMetrics, error) {
	m := &ScanMetrics{}
	var err error

	m.scans, err = meter.Int64Counter("tuhlaus.scans",
		metric.WithDescription("Number of scans by final state"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scans counter: %w", err)
	}

	m.scanDuration, err = meter.Float64Histogram("tuhlaus.scan.duration",
		metric.WithDescription("Duration of scans"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scan duration histogram: %w", err)
	}

	m.evaluations, err = meter.Int64Counter("tuhlaus.evaluations",
		metric.WithDescription("Rule evaluations by scenario and outcome"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evaluations counter: %w", err)
	}

	m.listingErrors, err = meter.Int64Counter("tuhlaus.listing.errors",
		metric.WithDescription("Resource listing failures by provider and type"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create listing errors counter: %w", err)
	}

	m.metricErrors, err = meter.Int64Counter("tuhlaus.metric.errors",
		metric.WithDescription("Metric query failures by metric"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric errors counter: %w", err)
	}

	return m, nil
}

// RecordScan records a finished scan.
func (m *ScanMetrics) RecordScan(ctx context.Context, account, state string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("state", state),
	)
	m.scans.Add(ctx, 1, attrs)
	m.scanDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordEvaluation records one rule evaluation outcome.
func (m *ScanMetrics) RecordEvaluation(ctx context.Context, scenarioID, outcome string) {
	if m == nil {
		return
	}
	m.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scenario", scenarioID),
		attribute.String("outcome", outcome),
	))
}

// RecordListingError records a failed resource listing.
func (m *ScanMetrics) RecordListingError(ctx context.Context, provider, resourceType string) {
	if m == nil {
		return
	}
	m.listingErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("resource_type", resourceType),
	))
}

// RecordMetricError records a failed metric query.
func (m *ScanMetrics) RecordMetricError(ctx context.Context, metricName string) {
	if m == nil {
		return
	}
	m.metricErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("metric", metricName)))
}
