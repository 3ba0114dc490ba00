package orchestrator

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/evaluator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// State is the lifecycle state of a scan.
type State string

const (
	StatePending         State = "pending"
	StateListing         State = "listing"
	StateFetchingMetrics State = "fetching_metrics"
	StateEvaluating      State = "evaluating"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateCanceled        State = "canceled"
)

func (s State) order() int {
	switch s {
	case StatePending:
		return 0
	case StateListing:
		return 1
	case StateFetchingMetrics:
		return 2
	case StateEvaluating:
		return 3
	}
	return 4
}

// Terminal reports whether the scan has finished.
func (s State) Terminal() bool {
	return s.order() == 4
}

// Verdicts separate "nothing wasteful" from "could not tell".
const (
	VerdictWasteFound   = "waste_found"
	VerdictClean        = "clean"
	VerdictInconclusive = "inconclusive"
)

// Warning kinds.
const (
	WarningListing    = "listing"
	WarningMetric     = "metric"
	WarningEvaluation = "evaluation"
	WarningPricing    = "pricing"
	WarningScenario   = "scenario"
	WarningSink       = "sink"
)

// Warning is a scoped failure reported alongside a scan's findings.
type Warning struct {
	Kind         string            `json:"kind"`
	Provider     resource.Provider `json:"provider,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	ScenarioID   string            `json:"scenario_id,omitempty"`
	Metric       string            `json:"metric,omitempty"`
	Message      string            `json:"message"`
}

// WarningFrom converts a scan warning error into its report form.
func WarningFrom(err error) Warning {
	w := Warning{Message: err.Error()}

	var (
		listing  *ListingError
		metric   *MetricError
		eval     *EvaluationError
		pricing  *PricingError
		scenario *ScenarioError
		sink     *SinkError
	)
	switch {
	case errors.As(err, &listing):
		w.Kind, w.Provider, w.ResourceType = WarningListing, listing.Provider, listing.ResourceType
	case errors.As(err, &metric):
		w.Kind, w.ResourceID, w.Metric = WarningMetric, metric.ResourceID, metric.Metric
	case errors.As(err, &eval):
		w.Kind, w.ScenarioID, w.ResourceID = WarningEvaluation, eval.ScenarioID, eval.ResourceID
	case errors.As(err, &pricing):
		w.Kind, w.ScenarioID, w.ResourceID = WarningPricing, pricing.ScenarioID, pricing.ResourceID
	case errors.As(err, &scenario):
		w.Kind, w.ScenarioID = WarningScenario, scenario.ScenarioID
	case errors.As(err, &sink):
		w.Kind = WarningSink
	}
	return w
}

// Listing is the outcome of listing one resource type from one source.
type Listing struct {
	Source       string            `json:"source"`
	Provider     resource.Provider `json:"provider"`
	ResourceType string            `json:"resource_type"`
	Count        int               `json:"count"`
	Error        string            `json:"error,omitempty"`
}

// OK reports whether the listing completed.
func (l Listing) OK() bool {
	return l.Error == ""
}

// Report summarizes a finished scan.
type Report struct {
	ScanID     string        `json:"scan_id"`
	Account    string        `json:"account"`
	State      State         `json:"state"`
	Partial    bool          `json:"partial"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`

	Scenarios []string  `json:"scenarios"`
	Listings  []Listing `json:"listings"`
	// Unsupported resource types have rules but no configured source.
	Unsupported []string `json:"unsupported_types,omitempty"`

	Resources       int                   `json:"resources"`
	Filtered        int                   `json:"filtered"`
	Evaluations     int                   `json:"evaluations"`
	Outcomes        map[string]int        `json:"outcomes"`
	Findings        int                   `json:"findings"`
	MonthlyWaste    cost.Money            `json:"monthly_waste"`
	WasteByScenario map[string]cost.Money `json:"waste_by_scenario"`
	// Inconclusive holds the finding keys evaluated with insufficient data.
	Inconclusive []string `json:"inconclusive,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
	Error    string    `json:"error,omitempty"`
	Err      error     `json:"-"`

	mu sync.Mutex
}

func newReport(scanID, account string, started time.Time) *Report {
	return &Report{
		ScanID:          scanID,
		Account:         account,
		State:           StatePending,
		StartedAt:       started,
		Outcomes:        make(map[string]int),
		WasteByScenario: make(map[string]cost.Money),
	}
}

// Verdict tells "no waste" apart from "not enough data to know".
func (r *Report) Verdict() string {
	switch {
	case r.Findings > 0:
		return VerdictWasteFound
	case r.State == StateCompleted && len(r.Warnings) == 0 && r.Outcomes[evaluator.InsufficientData.String()] == 0:
		return VerdictClean
	}
	return VerdictInconclusive
}

// SuccessfulListings returns the listings that completed.
func (r *Report) SuccessfulListings() []Listing {
	var out []Listing
	for _, l := range r.Listings {
		if l.OK() {
			out = append(out, l)
		}
	}
	return out
}

// AddWarning appends a warning. Safe for concurrent use.
func (r *Report) AddWarning(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, WarningFrom(err))
}

func (r *Report) addListing(l Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Listings = append(r.Listings, l)
}

func (r *Report) addResources(kept, filtered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Resources += kept
	r.Filtered += filtered
}

func (r *Report) addOutcome(o evaluator.Outcome, key string, f *finding.Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Evaluations++
	r.Outcomes[o.String()]++
	if o == evaluator.InsufficientData {
		r.Inconclusive = append(r.Inconclusive, key)
	}
	if f != nil {
		r.Findings++
		r.MonthlyWaste += f.MonthlyWaste
		r.WasteByScenario[f.ScenarioID] += f.MonthlyWaste
	}
}

// finish sorts the collections so reports of equal scans compare equal.
func (r *Report) finish(state State, err error, finished time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = state
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
	r.FinishedAt = finished
	r.Duration = finished.Sub(r.StartedAt)
	sort.Slice(r.Listings, func(i, j int) bool {
		a, b := r.Listings[i], r.Listings[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.ResourceType != b.ResourceType {
			return a.ResourceType < b.ResourceType
		}
		return a.Source < b.Source
	})
	sort.SliceStable(r.Warnings, func(i, j int) bool {
		return r.Warnings[i].Message < r.Warnings[j].Message
	})
	sort.Strings(r.Inconclusive)
}

// Covers reports whether the scan re-checked the condition behind f, so
// that f missing from its findings means the condition cleared. A scan
// covers f when it ran f's scenario, every listing of f's resource type
// succeeded and the evaluation for f's resource was conclusive.
func (r *Report) Covers(f *finding.Finding) bool {
	if r == nil || (r.State != StateCompleted && r.State != StateFailed) {
		return false
	}
	if f.Account != "" && r.Account != "" && f.Account != r.Account {
		return false
	}
	if !slices.Contains(r.Scenarios, f.ScenarioID) {
		return false
	}

	listed := false
	for _, l := range r.Listings {
		if l.Provider != f.Provider || l.ResourceType != f.ResourceType {
			continue
		}
		if !l.OK() {
			return false
		}
		listed = true
	}
	if !listed {
		return false
	}

	_, inconclusive := slices.BinarySearch(r.Inconclusive, f.Key())
	return !inconclusive
}
