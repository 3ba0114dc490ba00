// Package finding defines the waste finding emitted by the engine.
package finding

import (
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// ErrInvariantViolation marks a finding whose numbers cannot be trusted.
var ErrInvariantViolation = errors.New("finding invariant violation")

// Tier is the confidence tier of a finding.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Rank orders tiers from low (1) to critical (4). Unknown tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	case TierCritical:
		return 4
	}
	return 0
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// Finding is a quantified, evidenced waste report for one resource and scenario.
type Finding struct {
	ScenarioID     string            `json:"scenario_id"`
	RuleVersion    string            `json:"rule_version,omitempty"`
	ResourceID     string            `json:"resource_id"`
	ResourceType   string            `json:"resource_type"`
	Provider       resource.Provider `json:"provider"`
	Account        string            `json:"account,omitempty"`
	Region         string            `json:"region,omitempty"`
	ScanID         string            `json:"scan_id,omitempty"`
	DetectedAt     time.Time         `json:"detected_at"`
	Tier           Tier              `json:"confidence_tier"`
	MonthlyCost    cost.Money        `json:"estimated_monthly_cost"`
	MonthlyWaste   cost.Money        `json:"estimated_monthly_waste"`
	AlreadyWasted  cost.Money        `json:"already_wasted"`
	ReferenceTime  time.Time         `json:"reference_time"`
	Recommendation string            `json:"recommendation"`
	Evidence       Evidence          `json:"evidence"`
}

// Evidence records what drove a match, for auditability.
type Evidence struct {
	Driver     Driver                            `json:"driver"`
	Metrics    map[string]resource.MetricSummary `json:"metrics,omitempty"`
	Attributes map[string]string                 `json:"attributes,omitempty"`
	Facts      map[string]float64                `json:"facts,omitempty"`
	Parameters map[string]any                    `json:"parameters,omitempty"`
	Errors     []string                          `json:"errors,omitempty"`
}

// Driver is the value located in the confidence bands.
type Driver struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Key identifies a finding across scans.
func (f *Finding) Key() string {
	return Key(f.ScenarioID, f.Provider, f.ResourceID)
}

// Key builds a finding key from its parts.
func Key(scenarioID string, provider resource.Provider, resourceID string) string {
	return scenarioID + "|" + string(provider) + "|" + resourceID
}

// Validate checks the numeric invariants of a finding.
func (f *Finding) Validate() error {
	switch {
	case f.ScenarioID == "" || f.ResourceID == "":
		return fmt.Errorf("%w: missing scenario or resource id", ErrInvariantViolation)
	case !f.Tier.Valid():
		return fmt.Errorf("%w: unknown tier %q", ErrInvariantViolation, f.Tier)
	case f.MonthlyCost < 0:
		return fmt.Errorf("%w: negative monthly cost %s", ErrInvariantViolation, f.MonthlyCost)
	case f.MonthlyWaste < 0:
		return fmt.Errorf("%w: negative monthly waste %s", ErrInvariantViolation, f.MonthlyWaste)
	case f.MonthlyWaste > f.MonthlyCost:
		return fmt.Errorf("%w: monthly waste %s exceeds monthly cost %s", ErrInvariantViolation, f.MonthlyWaste, f.MonthlyCost)
	case f.AlreadyWasted < 0:
		return fmt.Errorf("%w: negative already wasted %s", ErrInvariantViolation, f.AlreadyWasted)
	}
	return nil
}

// SavingsPercent returns waste as a share of cost, or 0 when cost is zero.
func (f *Finding) SavingsPercent() float64 {
	p, err := cost.SavingsPercent(f.MonthlyCost, f.MonthlyWaste)
	if err != nil {
		return 0
	}
	return p
}
