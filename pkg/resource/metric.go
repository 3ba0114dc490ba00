package resource

import "time"

// Sample is one (timestamp, value) point of a metric time series.
type Sample struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Value     float64   `json:"value" yaml:"value"`
}

// TimeRange is a half-open observation window [Start, End).
type TimeRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// WindowEndingAt returns the window of length d ending at end.
func WindowEndingAt(end time.Time, d time.Duration) TimeRange {
	return TimeRange{Start: end.Add(-d), End: end}
}

// Contains reports whether t falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Duration returns the window length.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Days returns the window length in fractional days.
func (r TimeRange) Days() float64 {
	return r.Duration().Hours() / 24
}

// MetricSummary aggregates one metric over one window. Statistics are nil
// when there is no data; nil never means zero.
type MetricSummary struct {
	Metric      string    `json:"metric_name"`
	Window      TimeRange `json:"window"`
	SampleCount int       `json:"sample_count"`
	Avg         *float64  `json:"avg,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Total       *float64  `json:"total,omitempty"`
	P95         *float64  `json:"p95,omitempty"`
}

// HasData reports whether the summary carries any samples.
func (m MetricSummary) HasData() bool {
	return m.SampleCount > 0
}

// Stat returns a named statistic (avg, max, min, total, p95).
func (m MetricSummary) Stat(name string) (float64, bool) {
	var p *float64
	switch name {
	case "avg", "":
		p = m.Avg
	case "max":
		p = m.Max
	case "min":
		p = m.Min
	case "total":
		p = m.Total
	case "p95":
		p = m.P95
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}
