// Package analyzer turns raw metric samples into window summaries.
package analyzer

import (
	"math"
	"sort"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// DefaultMinSamplesForP95 is the smallest sample count for which p95 is reported.
const DefaultMinSamplesForP95 = 2

// Options tunes Summarize.
type Options struct {
	// MinSamplesForP95 below which p95 stays absent. Zero means the default.
	MinSamplesForP95 int
}

// Summarize aggregates samples over window with default options.
func Summarize(metric string, samples []resource.Sample, window resource.TimeRange) resource.MetricSummary {
	return SummarizeWith(metric, samples, window, Options{})
}

// SummarizeWith aggregates the samples that fall inside window. Samples
// outside the window and non-finite values are dropped. Gaps are never
// filled: statistics cover exactly the samples observed.
func SummarizeWith(metric string, samples []resource.Sample, window resource.TimeRange, opts Options) resource.MetricSummary {
	summary := resource.MetricSummary{
		Metric: metric,
		Window: window,
	}

	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !window.Contains(s.Timestamp) {
			continue
		}
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		values = append(values, s.Value)
	}

	summary.SampleCount = len(values)
	if len(values) == 0 {
		return summary
	}

	sort.Float64s(values)

	total := 0.0
	for _, v := range values {
		total += v
	}
	avg := total / float64(len(values))
	minV := values[0]
	maxV := values[len(values)-1]

	summary.Total = &total
	summary.Avg = &avg
	summary.Min = &minV
	summary.Max = &maxV

	minP95 := opts.MinSamplesForP95
	if minP95 <= 0 {
		minP95 = DefaultMinSamplesForP95
	}
	if len(values) >= minP95 {
		p95 := Percentile(values, 95)
		summary.P95 = &p95
	}

	return summary
}

// Percentile returns the pth percentile of sorted values using linear
// interpolation between closest ranks. Empty input yields NaN.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	fraction := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*fraction
}
