package orchestrator

import (
	"errors"
	"fmt"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// ErrNoProgress fails a scan in which no resource type could be listed.
var ErrNoProgress = errors.New("scan made no progress")

// ListingError reports a resource type that could not be listed. The
// types that could be listed are still evaluated.
type ListingError struct {
	Provider     resource.Provider
	ResourceType string
	// Listed is how many snapshots arrived before the failure.
	Listed int
	Err    error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("listing %s/%s: %v", e.Provider, e.ResourceType, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

// MetricError reports a metric query that failed after retries.
type MetricError struct {
	ResourceID string
	Metric     string
	Err        error
}

func (e *MetricError) Error() string {
	return fmt.Sprintf("metric %s of %s: %v", e.Metric, e.ResourceID, e.Err)
}

func (e *MetricError) Unwrap() error { return e.Err }

// EvaluationError reports a rule evaluation that violated a finding invariant.
type EvaluationError struct {
	ScenarioID string
	ResourceID string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s on %s: %v", e.ScenarioID, e.ResourceID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// PricingError reports a resource that matched a rule but could not be
// priced, e.g. an SKU missing from the price table.
type PricingError struct {
	ScenarioID string
	ResourceID string
	Err        error
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("pricing %s on %s: %v", e.ScenarioID, e.ResourceID, e.Err)
}

func (e *PricingError) Unwrap() error { return e.Err }

// ScenarioError reports an enabled scenario the catalog does not know.
type ScenarioError struct {
	ScenarioID string
	Err        error
}

func (e *ScenarioError) Error() string {
	return fmt.Sprintf("scenario %s: %v", e.ScenarioID, e.Err)
}

func (e *ScenarioError) Unwrap() error { return e.Err }

// SinkError reports a finding sink failure.
type SinkError struct {
	FindingKey string
	Err        error
}

func (e *SinkError) Error() string {
	if e.FindingKey == "" {
		return fmt.Sprintf("sink: %v", e.Err)
	}
	return fmt.Sprintf("sink %s: %v", e.FindingKey, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
