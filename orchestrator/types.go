package orchestrator

import (
	"context"
	"runtime"
	"time"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/internal/filter"
	"github.com/yairfalse/tuhlaus/internal/limiter"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/pkg/resource"
	"github.com/yairfalse/tuhlaus/scenario"
	"github.com/yairfalse/tuhlaus/telemetry"
)

// Collector lists resources of one provider. ListResources must keep
// resource ids stable across calls and return partial results together
// with the error when pagination fails midway.
type Collector interface {
	Provider() resource.Provider
	ResourceTypes() []string
	ListResources(ctx context.Context, account, resourceType string) ([]resource.Snapshot, error)
}

// MetricsProvider queries raw metric samples. It returns (nil, nil) when
// the metric genuinely has no data points.
type MetricsProvider interface {
	QueryMetric(ctx context.Context, resourceID, metricName string, window resource.TimeRange) ([]resource.Sample, error)
}

// FindingSink receives findings. Sink errors never fail a scan.
type FindingSink interface {
	Emit(ctx context.Context, f finding.Finding) error
}

// ScanObserver is implemented by sinks that want the final report.
type ScanObserver interface {
	ScanCompleted(ctx context.Context, report *Report) error
}

// Source pairs a collector with the metrics provider for the resources
// it lists. Metrics may be nil; rules that need metrics then report
// insufficient data.
type Source struct {
	Name      string
	Collector Collector
	Metrics   MetricsProvider
}

func (s *Source) supports(resourceType string) bool {
	for _, t := range s.Collector.ResourceTypes() {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Concurrency bounds each worker pool.
type Concurrency struct {
	Listing    int
	Metrics    int
	Evaluation int
}

// RetryConfig bounds every external call.
type RetryConfig struct {
	CallTimeout     time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config configures an Orchestrator.
type Config struct {
	Sources   []Source
	Catalog   *scenario.Catalog
	Prices    *cost.PriceTable
	Overrides scenario.Overrides
	Tenant    string
	// Disabled scenarios are removed from every scan's enabled set.
	Disabled    []string
	Filter      *filter.Filter
	Limiter     *limiter.Limiter
	Concurrency Concurrency
	Retry       RetryConfig
	// MinSamplesForP95 is passed to the metric aggregator.
	MinSamplesForP95 int
	// BufferSize of the finding and warning channels.
	BufferSize int
	Metrics    *telemetry.ScanMetrics
	// Clock returns the scan reference time.
	Clock func() time.Time
}

func applyDefaults(cfg Config) Config {
	if cfg.Concurrency.Listing <= 0 {
		cfg.Concurrency.Listing = 4
	}
	if cfg.Concurrency.Metrics <= 0 {
		cfg.Concurrency.Metrics = 16
	}
	if cfg.Concurrency.Evaluation <= 0 {
		cfg.Concurrency.Evaluation = runtime.NumCPU()
	}
	if cfg.Retry.CallTimeout <= 0 {
		cfg.Retry.CallTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}
