package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
)

// PrometheusEmitter exposes findings as OTEL metrics, exported in
// Prometheus format by the daemon.
type PrometheusEmitter struct {
	meter metric.Meter

	findingsTotal metric.Int64Counter
	changesTotal  metric.Int64Counter
	openFindings  metric.Int64ObservableGauge
	monthlyWaste  metric.Float64ObservableGauge

	// pending holds findings of scans that have not completed yet.
	mu      sync.Mutex
	pending map[string][]finding.Finding
	open    map[string]finding.Finding

	diffTracker *DiffTracker
}

// NewPrometheusEmitter creates a Prometheus emitter on meter. A nil meter
// uses the global meter provider.
func NewPrometheusEmitter(meter metric.Meter) (*PrometheusEmitter, error) {
	if meter == nil {
		meter = otel.Meter("tuhlaus")
	}

	e := &PrometheusEmitter{
		meter:       meter,
		pending:     make(map[string][]finding.Finding),
		open:        make(map[string]finding.Finding),
		diffTracker: NewDiffTracker(),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.findingsTotal, err = e.meter.Int64Counter(
		"tuhlaus.findings",
		metric.WithDescription("Waste findings emitted by scenario and tier"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return fmt.Errorf("create findings counter: %w", err)
	}

	e.changesTotal, err = e.meter.Int64Counter(
		"tuhlaus.finding.changes",
		metric.WithDescription("Findings opened, resolved or modified between scans"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return fmt.Errorf("create finding changes counter: %w", err)
	}

	e.openFindings, err = e.meter.Int64ObservableGauge(
		"tuhlaus.findings.open",
		metric.WithDescription("Currently open findings by scenario and tier"),
		metric.WithUnit("{finding}"),
		metric.WithInt64Callback(e.observeOpen),
	)
	if err != nil {
		return fmt.Errorf("create open findings gauge: %w", err)
	}

	e.monthlyWaste, err = e.meter.Float64ObservableGauge(
		"tuhlaus.waste.monthly",
		metric.WithDescription("Estimated monthly waste of open findings by scenario"),
		metric.WithUnit("{currency}"),
		metric.WithFloat64Callback(e.observeWaste),
	)
	if err != nil {
		return fmt.Errorf("create monthly waste gauge: %w", err)
	}

	return nil
}

// Emit counts the finding and holds it until its scan completes.
func (e *PrometheusEmitter) Emit(ctx context.Context, f finding.Finding) error {
	e.findingsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scenario", f.ScenarioID),
		attribute.String("tier", string(f.Tier)),
		attribute.String("provider", string(f.Provider)),
	))

	e.mu.Lock()
	e.pending[f.ScanID] = append(e.pending[f.ScanID], f)
	e.mu.Unlock()
	return nil
}

// ScanCompleted diffs the scan's findings against the open set and
// refreshes the gauges.
func (e *PrometheusEmitter) ScanCompleted(ctx context.Context, r *orchestrator.Report) error {
	e.mu.Lock()
	current := e.pending[r.ScanID]
	delete(e.pending, r.ScanID)
	e.mu.Unlock()

	e.emitDiffs(ctx, current, r)
	e.diffTracker.Update(current, r.Covers)

	e.mu.Lock()
	e.open = e.diffTracker.snapshot()
	e.mu.Unlock()
	return nil
}

// emitDiffs computes diffs and emits metrics/logs for changes.
func (e *PrometheusEmitter) emitDiffs(ctx context.Context, current []finding.Finding, r *orchestrator.Report) {
	diffs := e.diffTracker.ComputeDiff(current, r.Covers)
	if diffs == nil {
		// First scan - baseline established
		return
	}

	for _, diff := range diffs {
		e.changesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scenario", diff.Finding.ScenarioID),
			attribute.String("change_type", string(diff.Type)),
		))

		logEvent := log.Info().
			Str("scan_id", r.ScanID).
			Str("scenario", diff.Finding.ScenarioID).
			Str("resource_id", diff.Finding.ResourceID).
			Str("provider", string(diff.Finding.Provider)).
			Str("change", string(diff.Type))

		if diff.Type == ChangeModified {
			for field, change := range diff.Changes {
				logEvent = logEvent.
					Str(field+".from", change.Previous).
					Str(field+".to", change.Current)
			}
		}

		logEvent.Msg("finding changed")
	}
}

// observeOpen is the callback for the open findings gauge.
func (e *PrometheusEmitter) observeOpen(_ context.Context, o metric.Int64Observer) error {
	type key struct{ scenario, tier string }

	e.mu.Lock()
	counts := make(map[key]int64)
	for _, f := range e.open {
		counts[key{f.ScenarioID, string(f.Tier)}]++
	}
	e.mu.Unlock()

	for k, n := range counts {
		o.Observe(n, metric.WithAttributes(
			attribute.String("scenario", k.scenario),
			attribute.String("tier", k.tier),
		))
	}
	return nil
}

// observeWaste is the callback for the monthly waste gauge.
func (e *PrometheusEmitter) observeWaste(_ context.Context, o metric.Float64Observer) error {
	e.mu.Lock()
	waste := make(map[string]cost.Money)
	for _, f := range e.open {
		waste[f.ScenarioID] += f.MonthlyWaste
	}
	e.mu.Unlock()

	for scenario, m := range waste {
		o.Observe(m.Float64(), metric.WithAttributes(attribute.String("scenario", scenario)))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
