// Package evaluator applies one detection rule to one resource snapshot
// and its metric summaries. Evaluation is pure: the only clock it sees is
// the one injected through Config.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/pkg/resource"
	"github.com/yairfalse/tuhlaus/scenario"
	"github.com/yairfalse/tuhlaus/telemetry"
)

// ErrInvariantViolation marks a finding rejected by its numeric invariants.
var ErrInvariantViolation = finding.ErrInvariantViolation

// Outcome is the result class of one evaluation.
type Outcome int

const (
	NotApplicable Outcome = iota
	Matched
	NotMatched
	InsufficientData
)

func (o Outcome) String() string {
	switch o {
	case NotApplicable:
		return "not_applicable"
	case Matched:
		return "matched"
	case NotMatched:
		return "not_matched"
	case InsufficientData:
		return "insufficient_data"
	}
	return "unknown"
}

// Config is the immutable per-scan context of an Evaluator.
type Config struct {
	Prices    *cost.PriceTable
	Overrides scenario.Overrides
	Tenant    string
	Account   string
	ScanID    string
	// Now is the scan reference time. It stamps detected_at and is the
	// end of every accrual interval.
	Now time.Time
}

// Result is the detailed outcome of one evaluation.
type Result struct {
	Finding  *finding.Finding
	Outcome  Outcome
	Err      error
	Evidence finding.Evidence
}

// Evaluator evaluates rules against snapshots. It holds no mutable state
// and is safe for concurrent use.
type Evaluator struct {
	cfg    Config
	logger *telemetry.Logger
}

// New creates an Evaluator. A zero Now is replaced with the current time.
func New(cfg Config) *Evaluator {
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}
	return &Evaluator{
		cfg:    cfg,
		logger: telemetry.NewLogger("evaluator"),
	}
}

// Now returns the evaluation reference time.
func (e *Evaluator) Now() time.Time {
	return e.cfg.Now
}

// Evaluate returns the finding, if any, and the outcome of applying rule
// to snap.
func (e *Evaluator) Evaluate(rule scenario.Rule, snap resource.Snapshot, summaries map[string]resource.MetricSummary) (*finding.Finding, Outcome) {
	res := e.EvaluateDetailed(context.Background(), rule, snap, summaries)
	return res.Finding, res.Outcome
}

// EvaluateDetailed is Evaluate with the error and evidence of non-matching
// outcomes. A failure in this pair never escapes as a panic.
func (e *Evaluator) EvaluateDetailed(ctx context.Context, rule scenario.Rule, snap resource.Snapshot, summaries map[string]resource.MetricSummary) (res Result) {
	if !rule.AppliesTo(snap.Type) {
		return Result{Outcome: NotApplicable}
	}

	params := e.cfg.Overrides.Resolve(e.cfg.Tenant, &rule)
	ev := finding.Evidence{
		Metrics:    make(map[string]resource.MetricSummary, len(rule.RequiredMetrics)),
		Attributes: attributes(snap),
		Parameters: map[string]any(params.Clone()),
	}

	defer func() {
		if r := recover(); r != nil {
			res = e.insufficient(ctx, &rule, snap, ev,
				fmt.Errorf("%w: evaluation panicked: %v", ErrInvariantViolation, r))
		}
	}()

	for _, req := range rule.RequiredMetrics {
		summary, ok := summaries[req.Name]
		if ok {
			ev.Metrics[req.Name] = summary
		}
		if err := checkRequirement(req, summary, ok); err != nil {
			return e.insufficient(ctx, &rule, snap, ev, err)
		}
	}

	predicate := rule.PredicateFunc()
	if predicate == nil {
		return e.insufficient(ctx, &rule, snap, ev,
			fmt.Errorf("%w: %s has no resolved predicate", scenario.ErrInvalidRule, rule.ID))
	}
	match, err := predicate(ctx, scenario.Input{
		Rule:      &rule,
		Snapshot:  snap,
		Summaries: summaries,
		Params:    params,
		Now:       e.cfg.Now,
	})
	if err != nil {
		return e.insufficient(ctx, &rule, snap, ev, fmt.Errorf("predicate %s: %w", rule.Predicate, err))
	}
	ev.Facts = match.Facts
	ev.Driver = finding.Driver{Name: match.DriverName, Value: match.Driver}
	if !match.Matched {
		return Result{Outcome: NotMatched, Evidence: ev}
	}

	tier, err := rule.Bands.Tier(match.Driver, rule.TiesToHigher)
	if err != nil {
		return e.insufficient(ctx, &rule, snap, ev, err)
	}

	model := rule.CostModelFunc()
	if model == nil {
		return e.insufficient(ctx, &rule, snap, ev,
			fmt.Errorf("%w: %s has no resolved cost model", scenario.ErrInvalidRule, rule.ID))
	}
	est, err := model(scenario.CostInput{
		Snapshot: snap,
		Params:   params,
		Match:    match,
		Prices:   e.cfg.Prices,
	})
	if err != nil {
		return e.insufficient(ctx, &rule, snap, ev, fmt.Errorf("cost model %s: %w", rule.CostModel, err))
	}
	if est.Recommended > 0 {
		if ev.Facts == nil {
			ev.Facts = map[string]float64{}
		}
		ev.Facts["recommended"] = est.Recommended
	}

	minWaste, err := params.FloatOr(scenario.ParamMinMonthlyWaste, 0)
	if err != nil {
		return e.insufficient(ctx, &rule, snap, ev, err)
	}
	if est.MonthlyWaste < cost.FromFloat(minWaste) {
		return Result{Outcome: NotMatched, Evidence: ev}
	}

	ref := e.referenceTime(&rule, snap, match, ev.Metrics)
	already, err := cost.AlreadyWasted(est.MonthlyWaste, resource.DaysBetween(ref, e.cfg.Now))
	if err != nil {
		return e.insufficient(ctx, &rule, snap, ev, err)
	}

	recommendation := match.Recommendation
	if recommendation == "" {
		recommendation = rule.RenderRecommendation(params, match.Facts)
	}

	account := snap.Account
	if account == "" {
		account = e.cfg.Account
	}

	f := &finding.Finding{
		ScenarioID:     rule.ID,
		RuleVersion:    rule.Version,
		ResourceID:     snap.ID,
		ResourceType:   snap.Type,
		Provider:       snap.Provider,
		Account:        account,
		Region:         snap.Region,
		ScanID:         e.cfg.ScanID,
		DetectedAt:     e.cfg.Now,
		Tier:           tier,
		MonthlyCost:    est.MonthlyCost,
		MonthlyWaste:   est.MonthlyWaste,
		AlreadyWasted:  already,
		ReferenceTime:  ref,
		Recommendation: recommendation,
		Evidence:       ev,
	}
	if err := f.Validate(); err != nil {
		return e.insufficient(ctx, &rule, snap, ev, err)
	}

	return Result{Finding: f, Outcome: Matched, Evidence: ev}
}

func checkRequirement(req scenario.MetricRequirement, summary resource.MetricSummary, present bool) error {
	switch {
	case !present || !summary.HasData():
		return fmt.Errorf("%w: metric %s has no samples", scenario.ErrInsufficientData, req.Name)
	case summary.SampleCount < req.MinSamples:
		return fmt.Errorf("%w: metric %s has %d samples, need %d",
			scenario.ErrInsufficientData, req.Name, summary.SampleCount, req.MinSamples)
	case summary.Window.Days()+1e-9 < req.WindowDays:
		return fmt.Errorf("%w: metric %s covers %.1f days, need %.1f",
			scenario.ErrInsufficientData, req.Name, summary.Window.Days(), req.WindowDays)
	}
	return nil
}

// referenceTime is when waste began accruing: the predicate's own answer,
// then the rule's waste_since timestamp, then the observation window start.
// With none of those nothing has accrued yet.
func (e *Evaluator) referenceTime(rule *scenario.Rule, snap resource.Snapshot, m scenario.Match, metrics map[string]resource.MetricSummary) time.Time {
	if !m.ReferenceTime.IsZero() {
		return m.ReferenceTime
	}
	if rule.WasteSince != "" {
		if t, ok := snap.Timestamp(rule.WasteSince); ok {
			return t
		}
	}
	var earliest time.Time
	for _, s := range metrics {
		if earliest.IsZero() || s.Window.Start.Before(earliest) {
			earliest = s.Window.Start
		}
	}
	if !earliest.IsZero() {
		return earliest
	}
	return e.cfg.Now
}

func (e *Evaluator) insufficient(ctx context.Context, rule *scenario.Rule, snap resource.Snapshot, ev finding.Evidence, err error) Result {
	ev.Errors = append(ev.Errors, err.Error())
	if errors.Is(err, ErrInvariantViolation) {
		e.logger.LogInvariantViolation(ctx, rule.ID, snap.ID, err)
	} else {
		e.logger.LogInsufficientData(ctx, rule.ID, snap.ID, err.Error())
	}
	return Result{Outcome: InsufficientData, Err: err, Evidence: ev}
}

func attributes(s resource.Snapshot) map[string]string {
	attrs := make(map[string]string, len(s.Raw)+4)
	for k, v := range s.Raw {
		attrs[k] = v
	}
	if s.SKU != "" {
		attrs["sku"] = s.SKU
	}
	if s.StorageSKU != "" {
		attrs["storage_sku"] = s.StorageSKU
	}
	if s.State != "" {
		attrs["state"] = string(s.State)
	}
	attrs["high_availability"] = strconv.FormatBool(s.HighAvailability)
	return attrs
}
