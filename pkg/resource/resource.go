// Package resource defines the provider-neutral resource and metric model
// consumed by the waste-detection engine.
package resource

import (
	"time"
)

// Provider identifies a cloud provider.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
	ProviderAzure Provider = "azure"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderGCP, ProviderAzure:
		return true
	}
	return false
}

// State is the normalized lifecycle state of a resource.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StatePaused  State = "paused"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// ParseState maps a normalized state string, returning StateUnknown for
// anything unrecognized.
func ParseState(s string) State {
	switch State(s) {
	case StateRunning, StateStopped, StatePaused, StateFailed:
		return State(s)
	}
	return StateUnknown
}

// Well-known size attribute keys.
const (
	SizeStorageGB       = "storage_gb"
	SizeVCPU            = "vcpu"
	SizeMemoryGB        = "memory_gb"
	SizeNodeCount       = "node_count"
	SizeAttachmentCount = "attachment_count"
)

// Well-known timestamp keys.
const (
	TimeStoppedAt  = "stopped_at"
	TimeDetachedAt = "detached_at"
	TimeLastUsedAt = "last_used_at"
)

// Snapshot is an immutable point-in-time description of one scanned resource.
// Re-scans produce new snapshots; callers must not mutate the maps after
// the snapshot has been handed to the engine.
type Snapshot struct {
	ID               string               `json:"resource_id" yaml:"resource_id"`
	Type             string               `json:"resource_type" yaml:"resource_type"`
	Provider         Provider             `json:"provider" yaml:"provider"`
	Account          string               `json:"account,omitempty" yaml:"account,omitempty"`
	Region           string               `json:"region" yaml:"region"`
	Name             string               `json:"name,omitempty" yaml:"name,omitempty"`
	CreatedAt        time.Time            `json:"created_at" yaml:"created_at"`
	Tags             map[string]string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	SKU              string               `json:"sku,omitempty" yaml:"sku,omitempty"`
	StorageSKU       string               `json:"storage_sku,omitempty" yaml:"storage_sku,omitempty"`
	HighAvailability bool                 `json:"high_availability,omitempty" yaml:"high_availability,omitempty"`
	Size             map[string]float64   `json:"size_attributes,omitempty" yaml:"size_attributes,omitempty"`
	State            State                `json:"state" yaml:"state"`
	Timestamps       map[string]time.Time `json:"timestamps,omitempty" yaml:"timestamps,omitempty"`
	Raw              map[string]string    `json:"raw_attributes,omitempty" yaml:"raw_attributes,omitempty"`
}

// Key returns the scan-unique identity of the snapshot.
func (s Snapshot) Key() string {
	return string(s.Provider) + "|" + s.ID
}

// SizeAttr returns a size attribute and whether it was present.
func (s Snapshot) SizeAttr(name string) (float64, bool) {
	v, ok := s.Size[name]
	return v, ok
}

// Timestamp returns a named timestamp. "created_at" resolves to CreatedAt.
func (s Snapshot) Timestamp(name string) (time.Time, bool) {
	if name == "created_at" {
		return s.CreatedAt, !s.CreatedAt.IsZero()
	}
	t, ok := s.Timestamps[name]
	if !ok || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// AgeDays returns the age of the resource at now, in fractional days.
func (s Snapshot) AgeDays(now time.Time) (float64, bool) {
	if s.CreatedAt.IsZero() {
		return 0, false
	}
	return DaysBetween(s.CreatedAt, now), true
}

// DaysBetween returns the fractional number of days from a to b, never negative.
func DaysBetween(a, b time.Time) float64 {
	d := b.Sub(a)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}
