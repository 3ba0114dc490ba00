// Package orchestrator runs waste scans: it lists resources, fetches the
// metrics their rules need and evaluates every applicable rule, each stage
// in its own bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/tuhlaus/analyzer"
	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/evaluator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/pkg/resource"
	"github.com/yairfalse/tuhlaus/scenario"
	"github.com/yairfalse/tuhlaus/telemetry"
)

var errNotInCatalog = errors.New("not in catalog")

// Orchestrator coordinates list -> fetch metrics -> evaluate.
type Orchestrator struct {
	cfg    Config
	logger *telemetry.Logger
	tracer trace.Tracer
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("orchestrator: catalog is required")
	}
	for i, s := range cfg.Sources {
		if s.Collector == nil {
			return nil, fmt.Errorf("orchestrator: source %d (%s) has no collector", i, s.Name)
		}
	}

	return &Orchestrator{
		cfg:    applyDefaults(cfg),
		logger: telemetry.NewLogger("orchestrator"),
		tracer: otel.Tracer(telemetry.InstrumentationName),
	}, nil
}

// Scan starts a scan of account and returns its finding and warning
// streams. Both channels must be drained.
func (o *Orchestrator) Scan(ctx context.Context, account string, enabled []string) (<-chan finding.Finding, <-chan error) {
	s := o.Start(ctx, account, enabled)
	return s.Findings(), s.Errors()
}

// Start starts a scan of account with the enabled scenarios (empty means
// every catalog scenario) and returns its session.
func (o *Orchestrator) Start(ctx context.Context, account string, enabled []string) *Session {
	s := newSession(uuid.NewString(), account, o.cfg.BufferSize)
	go o.run(ctx, s, enabled)
	return s
}

// Run scans account and emits every finding to sink. Sink failures are
// logged and reported as warnings. The error is non-nil only when the
// scan made no progress or was canceled.
func (o *Orchestrator) Run(ctx context.Context, account string, enabled []string, sink FindingSink) (*Report, error) {
	s := o.Start(ctx, account, enabled)

	// Findings produced before a cancellation stay valid.
	sinkCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range s.Errors() {
		}
	}()

	var sinkErrs []error
	for f := range s.Findings() {
		if sink == nil {
			continue
		}
		if err := sink.Emit(sinkCtx, f); err != nil {
			o.logger.LogSinkError(ctx, f.Key(), err)
			sinkErrs = append(sinkErrs, &SinkError{FindingKey: f.Key(), Err: err})
		}
	}
	wg.Wait()

	report := s.Report()
	for _, err := range sinkErrs {
		report.AddWarning(err)
	}
	if obs, ok := sink.(ScanObserver); ok {
		if err := obs.ScanCompleted(sinkCtx, report); err != nil {
			o.logger.LogSinkError(ctx, "", err)
			report.AddWarning(&SinkError{Err: err})
		}
	}
	return report, report.Err
}

type listJob struct {
	source       *Source
	resourceType string
	rules        []scenario.Rule
}

type target struct {
	source    *Source
	snap      resource.Snapshot
	rules     []scenario.Rule
	summaries map[string]resource.MetricSummary
}

// scan is the state of one run.
type scan struct {
	o       *Orchestrator
	session *Session
	report  *Report
	eval    *evaluator.Evaluator
	now     time.Time
}

func (o *Orchestrator) run(ctx context.Context, s *Session, enabled []string) {
	begin := time.Now()
	now := o.cfg.Clock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.scan", trace.WithAttributes(
		attribute.String("scan.id", s.ID),
		attribute.String("scan.account", s.Account),
	))
	defer span.End()

	sc := &scan{
		o:       o,
		session: s,
		report:  newReport(s.ID, s.Account, now),
		now:     now,
		eval: evaluator.New(evaluator.Config{
			Prices:    o.cfg.Prices,
			Overrides: o.cfg.Overrides,
			Tenant:    o.cfg.Tenant,
			Account:   s.Account,
			ScanID:    s.ID,
			Now:       now,
		}),
	}

	rules, unknown := o.cfg.Catalog.Select(enabled, o.cfg.Disabled)
	for _, id := range unknown {
		sc.warn(ctx, &ScenarioError{ScenarioID: id, Err: errNotInCatalog})
	}
	for _, r := range rules {
		sc.report.Scenarios = append(sc.report.Scenarios, r.ID)
	}
	jobs := sc.plan(rules)

	o.logger.LogScanStarted(ctx, s.ID, s.Account, len(rules))

	listed := make(chan target, o.cfg.BufferSize)
	ready := make(chan target, o.cfg.BufferSize)

	s.advance(StateListing)

	var stages sync.WaitGroup
	stages.Add(3)
	go func() {
		defer stages.Done()
		sc.list(ctx, jobs, listed)
		s.advance(StateFetchingMetrics)
	}()
	go func() {
		defer stages.Done()
		sc.fetch(ctx, listed, ready)
		s.advance(StateEvaluating)
	}()
	go func() {
		defer stages.Done()
		sc.evaluate(ctx, ready)
	}()
	stages.Wait()

	state, err := sc.outcome(ctx, len(jobs))
	sc.report.finish(state, err, o.cfg.Clock())

	span.SetAttributes(
		attribute.String("scan.state", string(state)),
		attribute.Int("scan.findings", sc.report.Findings),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	elapsed := time.Since(begin)
	o.cfg.Metrics.RecordScan(ctx, s.Account, string(state), elapsed)
	o.logger.LogScanCompleted(ctx, s.ID, string(state), sc.report.Findings, len(sc.report.Warnings),
		float64(elapsed.Microseconds())/1000)

	s.close(sc.report)
}

// plan groups the rules by resource type and assigns each type to the
// sources able to list it.
func (sc *scan) plan(rules []scenario.Rule) []listJob {
	byType := make(map[string][]scenario.Rule)
	for _, r := range rules {
		for _, t := range r.ResourceTypes {
			byType[t] = append(byType[t], r)
		}
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var jobs []listJob
	for _, t := range types {
		if !sc.o.cfg.Filter.ShouldScanType(t) {
			continue
		}
		supported := false
		for i := range sc.o.cfg.Sources {
			src := &sc.o.cfg.Sources[i]
			if src.supports(t) {
				jobs = append(jobs, listJob{source: src, resourceType: t, rules: byType[t]})
				supported = true
			}
		}
		if !supported {
			sc.report.Unsupported = append(sc.report.Unsupported, t)
		}
	}
	return jobs
}

func (sc *scan) list(ctx context.Context, jobs []listJob, out chan<- target) {
	defer close(out)

	var g errgroup.Group
	g.SetLimit(sc.o.cfg.Concurrency.Listing)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			sc.listOne(ctx, job, out)
			return nil
		})
	}
	_ = g.Wait()
}

func (sc *scan) listOne(ctx context.Context, job listJob, out chan<- target) {
	c := job.source.Collector
	provider := c.Provider()

	ctx, span := sc.o.tracer.Start(ctx, "orchestrator.list", trace.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("resource.type", job.resourceType),
	))
	defer span.End()

	snaps, err := callWithRetry(ctx, sc.o, provider, func(ctx context.Context) ([]resource.Snapshot, error) {
		return c.ListResources(ctx, sc.report.Account, job.resourceType)
	})

	listing := Listing{
		Source:       job.source.Name,
		Provider:     provider,
		ResourceType: job.resourceType,
		Count:        len(snaps),
	}
	if err != nil {
		listing.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing failed")
		if ctx.Err() == nil {
			sc.o.cfg.Metrics.RecordListingError(ctx, string(provider), job.resourceType)
			sc.o.logger.LogListingFailed(ctx, string(provider), job.resourceType, len(snaps), err)
			sc.warn(ctx, &ListingError{Provider: provider, ResourceType: job.resourceType, Listed: len(snaps), Err: err})
		}
	}
	sc.report.addListing(listing)
	span.SetAttributes(attribute.Int("resource.count", len(snaps)))

	kept, dropped := sc.o.cfg.Filter.Apply(snaps)
	sc.report.addResources(len(kept), dropped)

	for _, snap := range kept {
		if snap.Provider == "" {
			snap.Provider = provider
		}
		if snap.Type == "" {
			snap.Type = job.resourceType
		}
		if snap.Account == "" {
			snap.Account = sc.report.Account
		}
		select {
		case out <- target{source: job.source, snap: snap, rules: job.rules}:
		case <-ctx.Done():
			return
		}
	}
}

func (sc *scan) fetch(ctx context.Context, in <-chan target, out chan<- target) {
	defer close(out)

	var g errgroup.Group
	for i := 0; i < sc.o.cfg.Concurrency.Metrics; i++ {
		g.Go(func() error {
			for t := range in {
				t.summaries = sc.fetchMetrics(ctx, t)
				select {
				case out <- t:
				case <-ctx.Done():
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchMetrics queries each metric the target's rules need exactly once,
// over the longest window any of them requires.
func (sc *scan) fetchMetrics(ctx context.Context, t target) map[string]resource.MetricSummary {
	windows := metricWindows(t.rules)
	if len(windows) == 0 || t.source.Metrics == nil || ctx.Err() != nil {
		return nil
	}

	ctx, span := sc.o.tracer.Start(ctx, "orchestrator.fetch_metrics", trace.WithAttributes(
		attribute.String("resource.id", t.snap.ID),
		attribute.Int("metric.count", len(windows)),
	))
	defer span.End()

	names := make([]string, 0, len(windows))
	for name := range windows {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := analyzer.Options{MinSamplesForP95: sc.o.cfg.MinSamplesForP95}
	summaries := make(map[string]resource.MetricSummary, len(names))
	for _, name := range names {
		window := resource.WindowEndingAt(sc.now, windows[name])
		samples, err := callWithRetry(ctx, sc.o, t.snap.Provider, func(ctx context.Context) ([]resource.Sample, error) {
			return t.source.Metrics.QueryMetric(ctx, t.snap.ID, name, window)
		})
		if err != nil {
			if ctx.Err() != nil {
				return summaries
			}
			span.RecordError(err)
			sc.o.cfg.Metrics.RecordMetricError(ctx, name)
			sc.o.logger.LogMetricFailed(ctx, t.snap.ID, name, err)
			sc.warn(ctx, &MetricError{ResourceID: t.snap.ID, Metric: name, Err: err})
			continue
		}
		summaries[name] = analyzer.SummarizeWith(name, samples, window, opts)
	}
	return summaries
}

func metricWindows(rules []scenario.Rule) map[string]time.Duration {
	windows := make(map[string]time.Duration)
	for _, r := range rules {
		for _, m := range r.RequiredMetrics {
			d := time.Duration(m.WindowDays * 24 * float64(time.Hour))
			if d > windows[m.Name] {
				windows[m.Name] = d
			}
		}
	}
	return windows
}

func (sc *scan) evaluate(ctx context.Context, in <-chan target) {
	var g errgroup.Group
	for i := 0; i < sc.o.cfg.Concurrency.Evaluation; i++ {
		g.Go(func() error {
			for t := range in {
				for _, rule := range t.rules {
					if ctx.Err() != nil {
						break
					}
					sc.evaluateOne(ctx, rule, t)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (sc *scan) evaluateOne(ctx context.Context, rule scenario.Rule, t target) {
	res := sc.eval.EvaluateDetailed(ctx, rule, t.snap, t.summaries)
	sc.o.cfg.Metrics.RecordEvaluation(ctx, rule.ID, res.Outcome.String())

	switch {
	case errors.Is(res.Err, evaluator.ErrInvariantViolation):
		sc.warn(ctx, &EvaluationError{ScenarioID: rule.ID, ResourceID: t.snap.ID, Err: res.Err})
	case errors.Is(res.Err, cost.ErrUnknownSKU), errors.Is(res.Err, cost.ErrInvalidInput):
		sc.warn(ctx, &PricingError{ScenarioID: rule.ID, ResourceID: t.snap.ID, Err: res.Err})
	}

	f := res.Finding
	if f == nil {
		sc.report.addOutcome(res.Outcome, finding.Key(rule.ID, t.snap.Provider, t.snap.ID), nil)
		return
	}
	if !sc.session.emit(ctx, *f) {
		return
	}
	sc.report.addOutcome(res.Outcome, f.Key(), f)
	telemetry.RecordFindingEvent(trace.SpanFromContext(ctx), f.ScenarioID, f.ResourceID, string(f.Tier), f.MonthlyWaste.Float64())
}

func (sc *scan) warn(ctx context.Context, err error) {
	sc.report.AddWarning(err)
	telemetry.RecordWarningEvent(trace.SpanFromContext(ctx), WarningFrom(err).Kind, err.Error())
	sc.session.warn(err)
}

// outcome decides the terminal state. Listing failures of some types make
// the scan partial; failures of all types mean no progress.
func (sc *scan) outcome(ctx context.Context, jobs int) (State, error) {
	if err := ctx.Err(); err != nil {
		return StateCanceled, err
	}

	ok := len(sc.report.SuccessfulListings())
	failed := len(sc.report.Listings) - ok
	switch {
	case jobs > 0 && ok == 0:
		return StateFailed, fmt.Errorf("%w: all %d listings failed", ErrNoProgress, jobs)
	case failed > 0:
		sc.report.Partial = true
		return StateFailed, nil
	}
	return StateCompleted, nil
}
