package scenario

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// Builtin predicate names.
const (
	PredicateMetricBelow             = "metric_below"
	PredicateStoppedFor              = "stopped_for"
	PredicateUnattached              = "unattached"
	PredicateOlderThan               = "older_than"
	PredicateAttributeZero           = "attribute_zero"
	PredicateStorageOverprovisioned  = "storage_overprovisioned"
	PredicateCapacityOverprovisioned = "capacity_overprovisioned"
	PredicateRego                    = "rego"
)

// Input is everything a predicate may look at. Predicates must not
// read the clock or mutate the input.
type Input struct {
	Rule      *Rule
	Snapshot  resource.Snapshot
	Summaries map[string]resource.MetricSummary
	Params    Params
	Now       time.Time
}

// Match is the result of a predicate.
type Match struct {
	Matched        bool
	DriverName     string
	Driver         float64
	Recommendation string
	Facts          map[string]float64
	// ReferenceTime is when the waste started, if the predicate knows.
	ReferenceTime time.Time
}

// PredicateFunc decides whether a snapshot matches. It returns
// ErrInsufficientData (wrapped) when the inputs cannot support a decision.
type PredicateFunc func(ctx context.Context, in Input) (Match, error)

var builtinPredicates = map[string]PredicateFunc{
	PredicateMetricBelow:             metricBelow,
	PredicateStoppedFor:              stoppedFor,
	PredicateUnattached:              unattached,
	PredicateOlderThan:               olderThan,
	PredicateAttributeZero:           attributeZero,
	PredicateStorageOverprovisioned:  storageOverprovisioned,
	PredicateCapacityOverprovisioned: capacityOverprovisioned,
}

func insufficient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientData, fmt.Sprintf(format, args...))
}

// metricParam returns the metric named by the "metric" parameter, or the
// rule's first required metric.
func (in Input) metricParam() (string, error) {
	if name, err := in.Params.StringOr("metric", ""); err != nil || name != "" {
		return name, err
	}
	if in.Rule != nil && len(in.Rule.RequiredMetrics) > 0 {
		return in.Rule.RequiredMetrics[0].Name, nil
	}
	return "", fmt.Errorf("%w: no metric configured", ErrInvalidRule)
}

func (in Input) stat(metric, statistic string) (float64, resource.MetricSummary, error) {
	summary, ok := in.Summaries[metric]
	if !ok || !summary.HasData() {
		return 0, summary, insufficient("no data for metric %s", metric)
	}
	v, ok := summary.Stat(statistic)
	if !ok {
		return 0, summary, insufficient("statistic %s of %s is absent", statistic, metric)
	}
	return v, summary, nil
}

// runningOnly enforces the "require_running" parameter. It returns
// (true, nil) when the resource is in a state the predicate can judge.
func (in Input) runningOnly() (bool, error) {
	require, err := in.Params.BoolOr("require_running", true)
	if err != nil || !require {
		return true, err
	}
	switch in.Snapshot.State {
	case resource.StateRunning:
		return true, nil
	case resource.StateUnknown, "":
		return false, insufficient("resource state is unknown")
	}
	return false, nil
}

// minAge enforces the "min_age_days" parameter.
func (in Input) minAge(facts map[string]float64) (bool, error) {
	minAge, err := in.Params.FloatOr("min_age_days", 0)
	if err != nil {
		return false, err
	}
	age, ok := in.Snapshot.AgeDays(in.Now)
	if ok {
		facts["age_days"] = age
	}
	if minAge <= 0 {
		return true, nil
	}
	if !ok {
		return false, insufficient("creation time unknown")
	}
	return age >= minAge, nil
}

// finish selects the driver named by the "driver" parameter from facts.
func (in Input) finish(m Match, defaultDriver string) (Match, error) {
	name, err := in.Params.StringOr("driver", defaultDriver)
	if err != nil {
		return Match{}, err
	}
	m.DriverName = name
	if !m.Matched {
		return m, nil
	}
	v, ok := m.Facts[name]
	if !ok {
		return Match{}, insufficient("driver %s is unavailable", name)
	}
	m.Driver = v
	return m, nil
}

func metricBelow(_ context.Context, in Input) (Match, error) {
	m := Match{Facts: map[string]float64{}}

	if ok, err := in.runningOnly(); err != nil || !ok {
		return m, err
	}
	if ok, err := in.minAge(m.Facts); err != nil || !ok {
		return m, err
	}

	metric, err := in.metricParam()
	if err != nil {
		return Match{}, err
	}
	statistic, err := in.Params.StringOr("statistic", "avg")
	if err != nil {
		return Match{}, err
	}
	threshold, err := in.Params.Float("threshold")
	if err != nil {
		return Match{}, err
	}

	value, summary, err := in.stat(metric, statistic)
	if err != nil {
		return Match{}, err
	}

	m.Facts["metric_value"] = value
	m.Facts["threshold"] = threshold
	m.Facts["window_days"] = summary.Window.Days()
	m.Matched = value < threshold
	m.ReferenceTime = summary.Window.Start

	return in.finish(m, "window_days")
}

func stoppedFor(_ context.Context, in Input) (Match, error) {
	m := Match{Facts: map[string]float64{}}

	switch in.Snapshot.State {
	case resource.StateStopped, resource.StatePaused:
	case resource.StateUnknown, "":
		return m, insufficient("resource state is unknown")
	default:
		return m, nil
	}

	stoppedAt, ok := in.Snapshot.Timestamp(resource.TimeStoppedAt)
	if !ok {
		return Match{}, insufficient("stop time unknown")
	}
	minDays, err := in.Params.FloatOr("min_stopped_days", 7)
	if err != nil {
		return Match{}, err
	}

	days := resource.DaysBetween(stoppedAt, in.Now)
	m.Facts["stopped_days"] = days
	m.Matched = days >= minDays
	m.ReferenceTime = stoppedAt

	return in.finish(m, "stopped_days")
}

func unattached(_ context.Context, in Input) (Match, error) {
	m := Match{Facts: map[string]float64{}}

	count, ok := in.Snapshot.SizeAttr(resource.SizeAttachmentCount)
	if !ok {
		return Match{}, insufficient("attachment count unknown")
	}
	m.Facts["attachment_count"] = count
	if count > 0 {
		return m, nil
	}

	minDays, err := in.Params.FloatOr("min_unattached_days", 0)
	if err != nil {
		return Match{}, err
	}

	since, ok := in.Snapshot.Timestamp(resource.TimeDetachedAt)
	if !ok {
		since, ok = in.Snapshot.Timestamp("created_at")
	}
	if !ok {
		if minDays > 0 {
			return Match{}, insufficient("detach and creation time unknown")
		}
		since = in.Now
	}

	days := resource.DaysBetween(since, in.Now)
	m.Facts["unattached_days"] = days
	m.Matched = days >= minDays
	m.ReferenceTime = since

	return in.finish(m, "unattached_days")
}

func olderThan(_ context.Context, in Input) (Match, error) {
	m := Match{Facts: map[string]float64{}}

	age, ok := in.Snapshot.AgeDays(in.Now)
	if !ok {
		return Match{}, insufficient("creation time unknown")
	}
	minAge, err := in.Params.Float("min_age_days")
	if err != nil {
		return Match{}, err
	}

	m.Facts["age_days"] = age
	m.Matched = age >= minAge
	m.ReferenceTime = in.Snapshot.CreatedAt.Add(time.Duration(minAge * 24 * float64(time.Hour)))

	return in.finish(m, "age_days")
}

func attributeZero(_ context.Context, in Input) (Match, error) {
	m := Match{Facts: map[string]float64{}}

	attr, err := in.Params.String("attribute")
	if err != nil {
		return Match{}, err
	}
	v, ok := in.Snapshot.SizeAttr(attr)
	if !ok {
		return Match{}, insufficient("attribute %s unknown", attr)
	}
	m.Facts[attr] = v

	if ok, err := in.minAge(m.Facts); err != nil || !ok {
		return m, err
	}

	m.Matched = v == 0
	m.ReferenceTime = in.Snapshot.CreatedAt

	return in.finish(m, "age_days")
}

func storageOverprovisioned(_ context.Context, in Input) (Match, error) {
	m := Match{Facts: map[string]float64{}}

	allocated, ok := in.Snapshot.SizeAttr(resource.SizeStorageGB)
	if !ok || allocated <= 0 {
		return Match{}, insufficient("allocated storage unknown")
	}
	metric, err := in.metricParam()
	if err != nil {
		return Match{}, err
	}
	statistic, err := in.Params.StringOr("statistic", "avg")
	if err != nil {
		return Match{}, err
	}

	var buffer, increment, minSize, maxUtil float64
	for _, p := range []struct {
		name string
		def  float64
		dst  *float64
	}{
		{"buffer", 1.30, &buffer},
		{"increment_gb", 10, &increment},
		{"min_size_gb", 10, &minSize},
		{"max_utilization_pct", 50, &maxUtil},
	} {
		if *p.dst, err = in.Params.FloatOr(p.name, p.def); err != nil {
			return Match{}, err
		}
	}

	used, summary, err := in.stat(metric, statistic)
	if err != nil {
		return Match{}, err
	}

	recommended := math.Max(cost.RoundUpTo(used*buffer, increment), minSize)
	utilization := used / allocated * 100

	m.Facts["allocated_gb"] = allocated
	m.Facts["used_gb"] = used
	m.Facts["recommended_gb"] = recommended
	m.Facts["utilization_pct"] = utilization
	m.Matched = recommended < allocated && utilization < maxUtil
	m.ReferenceTime = summary.Window.Start

	return in.finish(m, "utilization_pct")
}

func capacityOverprovisioned(_ context.Context, in Input) (Match, error) {
	m := Match{Facts: map[string]float64{}}

	attr, err := in.Params.StringOr("capacity_attribute", resource.SizeVCPU)
	if err != nil {
		return Match{}, err
	}
	capacity, ok := in.Snapshot.SizeAttr(attr)
	if !ok || capacity <= 0 {
		return Match{}, insufficient("capacity %s unknown", attr)
	}
	if ok, err := in.runningOnly(); err != nil || !ok {
		return m, err
	}

	metric, err := in.metricParam()
	if err != nil {
		return Match{}, err
	}
	statistic, err := in.Params.StringOr("statistic", "p95")
	if err != nil {
		return Match{}, err
	}

	var target, increment, minCapacity, maxUtil float64
	for _, p := range []struct {
		name string
		def  float64
		dst  *float64
	}{
		{"target_utilization_pct", 70, &target},
		{"increment", 1, &increment},
		{"min_capacity", 1, &minCapacity},
		{"max_utilization_pct", 40, &maxUtil},
	} {
		if *p.dst, err = in.Params.FloatOr(p.name, p.def); err != nil {
			return Match{}, err
		}
	}
	if target <= 0 {
		return Match{}, fmt.Errorf("%w: target_utilization_pct must be positive", ErrInvalidRule)
	}

	utilization, summary, err := in.stat(metric, statistic)
	if err != nil {
		return Match{}, err
	}

	recommended := math.Max(cost.RoundUpTo(capacity*utilization/target, increment), minCapacity)
	recommended = math.Min(recommended, capacity)

	m.Facts["capacity"] = capacity
	m.Facts["recommended_capacity"] = recommended
	m.Facts["utilization_pct"] = utilization
	m.Matched = recommended < capacity && utilization < maxUtil
	m.ReferenceTime = summary.Window.Start

	return in.finish(m, "utilization_pct")
}
