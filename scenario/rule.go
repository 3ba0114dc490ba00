// Package scenario holds the catalog of detection rules: which resources a
// rule applies to, which metrics it needs, its tunable parameters, its
// predicate and cost model, and the confidence bands over its driver.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"text/template"

	"github.com/yairfalse/tuhlaus/pkg/finding"
)

var (
	// ErrInsufficientData is returned by predicates and cost models that
	// cannot decide with the data at hand.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInvalidRule is returned for malformed rule definitions.
	ErrInvalidRule = errors.New("invalid rule")
)

// Rule is a declarative, versioned detection rule.
type Rule struct {
	ID              string              `yaml:"id" json:"scenario_id"`
	Version         string              `yaml:"version" json:"version"`
	Description     string              `yaml:"description" json:"description"`
	ResourceTypes   []string            `yaml:"resource_types" json:"applicable_resource_types"`
	RequiredMetrics []MetricRequirement `yaml:"required_metrics" json:"required_metrics,omitempty"`
	Parameters      Params              `yaml:"parameters" json:"parameters,omitempty"`
	Predicate       string              `yaml:"predicate" json:"predicate"`
	Rego            string              `yaml:"rego,omitempty" json:"rego,omitempty"`
	CostModel       string              `yaml:"cost_model" json:"cost_model_ref"`
	Bands           Bands               `yaml:"confidence_bands" json:"confidence_bands"`
	TiesToHigher    bool                `yaml:"ties_to_higher,omitempty" json:"ties_to_higher,omitempty"`
	// WasteSince names the snapshot timestamp from which waste accrues
	// when the predicate does not report one.
	WasteSince     string `yaml:"waste_since,omitempty" json:"waste_since,omitempty"`
	Recommendation string `yaml:"recommendation" json:"recommendation"`

	predicate      PredicateFunc
	costModel      CostModelFunc
	recommendation *template.Template
}

// MetricRequirement is a metric a rule cannot be evaluated without.
type MetricRequirement struct {
	Name       string  `yaml:"name" json:"name"`
	WindowDays float64 `yaml:"window_days" json:"window_days"`
	MinSamples int     `yaml:"min_samples" json:"min_samples"`
}

// AppliesTo reports whether the rule covers resourceType.
func (r *Rule) AppliesTo(resourceType string) bool {
	for _, t := range r.ResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Requirement returns the requirement for a metric name.
func (r *Rule) Requirement(name string) (MetricRequirement, bool) {
	for _, m := range r.RequiredMetrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricRequirement{}, false
}

// PredicateFunc returns the resolved predicate.
func (r *Rule) PredicateFunc() PredicateFunc {
	return r.predicate
}

// CostModelFunc returns the resolved cost model.
func (r *Rule) CostModelFunc() CostModelFunc {
	return r.costModel
}

// RenderRecommendation fills the recommendation template with params and
// facts. Facts win on name clashes. A template error yields the raw text.
func (r *Rule) RenderRecommendation(params Params, facts map[string]float64) string {
	if r.recommendation == nil {
		return r.Recommendation
	}
	data := make(map[string]any, len(params)+len(facts))
	for k, v := range params {
		data[k] = v
	}
	for k, v := range facts {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := r.recommendation.Execute(&buf, data); err != nil {
		return r.Recommendation
	}
	return buf.String()
}

// Validate checks the static shape of the rule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if len(r.ResourceTypes) == 0 {
		return fmt.Errorf("%w: %s: no resource types", ErrInvalidRule, r.ID)
	}
	if r.Predicate == "" {
		return fmt.Errorf("%w: %s: no predicate", ErrInvalidRule, r.ID)
	}
	if r.Predicate == PredicateRego && r.Rego == "" {
		return fmt.Errorf("%w: %s: rego predicate without module", ErrInvalidRule, r.ID)
	}
	if r.CostModel == "" {
		return fmt.Errorf("%w: %s: no cost model", ErrInvalidRule, r.ID)
	}
	for _, m := range r.RequiredMetrics {
		if m.Name == "" {
			return fmt.Errorf("%w: %s: unnamed required metric", ErrInvalidRule, r.ID)
		}
		if m.WindowDays <= 0 {
			return fmt.Errorf("%w: %s: metric %s needs a positive window", ErrInvalidRule, r.ID, m.Name)
		}
		if m.MinSamples < 0 {
			return fmt.Errorf("%w: %s: metric %s has negative min_samples", ErrInvalidRule, r.ID, m.Name)
		}
	}
	if err := r.Bands.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRule, r.ID, err)
	}
	return nil
}

// Band maps the closed driver range [Lower, Upper] to a tier. A nil bound
// is unbounded. Adjacent bands share their boundary value.
type Band struct {
	Lower *float64     `yaml:"lower" json:"lower"`
	Upper *float64     `yaml:"upper" json:"upper"`
	Tier  finding.Tier `yaml:"tier" json:"tier"`
}

func (b Band) contains(v float64) bool {
	if b.Lower != nil && v < *b.Lower {
		return false
	}
	if b.Upper != nil && v > *b.Upper {
		return false
	}
	return true
}

// Bands is an ordered, contiguous list of confidence bands.
type Bands []Band

// Validate checks that the bands cover the whole real line without gaps
// or overlaps.
func (bs Bands) Validate() error {
	if len(bs) == 0 {
		return errors.New("no confidence bands")
	}
	if bs[0].Lower != nil {
		return errors.New("first band must be unbounded below")
	}
	if bs[len(bs)-1].Upper != nil {
		return errors.New("last band must be unbounded above")
	}
	for i, b := range bs {
		if !b.Tier.Valid() {
			return fmt.Errorf("band %d: unknown tier %q", i, b.Tier)
		}
		if b.Lower != nil && b.Upper != nil && !(*b.Lower < *b.Upper) {
			return fmt.Errorf("band %d: lower %v not below upper %v", i, *b.Lower, *b.Upper)
		}
		for _, bound := range []*float64{b.Lower, b.Upper} {
			if bound != nil && (math.IsNaN(*bound) || math.IsInf(*bound, 0)) {
				return fmt.Errorf("band %d: bounds must be finite", i)
			}
		}
		if i == 0 {
			continue
		}
		prev := bs[i-1]
		if prev.Upper == nil || b.Lower == nil || *prev.Upper != *b.Lower {
			return fmt.Errorf("band %d: not contiguous with band %d", i, i-1)
		}
	}
	return nil
}

// Tier locates v in the bands. A value on the boundary of two bands
// resolves to the lower-ranked tier unless tiesToHigher is set.
func (bs Bands) Tier(v float64, tiesToHigher bool) (finding.Tier, error) {
	if math.IsNaN(v) {
		return "", fmt.Errorf("%w: driver is NaN", ErrInsufficientData)
	}

	var chosen finding.Tier
	for _, b := range bs {
		if !b.contains(v) {
			continue
		}
		switch {
		case chosen == "":
			chosen = b.Tier
		case tiesToHigher && b.Tier.Rank() > chosen.Rank():
			chosen = b.Tier
		case !tiesToHigher && b.Tier.Rank() < chosen.Rank():
			chosen = b.Tier
		}
	}
	if chosen == "" {
		return "", fmt.Errorf("%w: driver %v outside confidence bands", ErrInvalidRule, v)
	}
	return chosen, nil
}
