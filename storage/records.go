package storage

import (
	"time"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/pkg/finding"
)

// Status is the lifecycle status of a stored finding.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Record is a finding tracked across scans.
type Record struct {
	Key     string          `json:"key"`
	Status  Status          `json:"status"`
	Finding finding.Finding `json:"finding"`

	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	LastScanID string    `json:"last_scan_id"`

	// Observations counts the scans that reported the finding since it
	// was last opened.
	Observations int   `json:"observations"`
	Reopened     int   `json:"reopened,omitempty"`
	FirstRev     int64 `json:"first_rev"`
	LastRev      int64 `json:"last_rev"`
}

// Open reports whether the finding is still open.
func (r *Record) Open() bool {
	return r.Status == StatusOpen
}

// EventType classifies a change in a finding's lifecycle.
type EventType string

const (
	EventOpened   EventType = "opened"
	EventUpdated  EventType = "updated"
	EventReopened EventType = "reopened"
	EventResolved EventType = "resolved"
)

// Event is one entry of a finding's history.
type Event struct {
	Revision  int64     `json:"revision"`
	Key       string    `json:"key"`
	Type      EventType `json:"type"`
	ScanID    string    `json:"scan_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Tier      string    `json:"tier,omitempty"`

	MonthlyWaste  cost.Money `json:"monthly_waste"`
	AlreadyWasted cost.Money `json:"already_wasted"`
}

// ListOptions filters List. Zero fields match everything.
type ListOptions struct {
	Status     Status
	ScenarioID string
	Account    string
}

func (o ListOptions) match(r *Record) bool {
	switch {
	case o.Status != "" && r.Status != o.Status:
		return false
	case o.ScenarioID != "" && r.Finding.ScenarioID != o.ScenarioID:
		return false
	case o.Account != "" && r.Finding.Account != o.Account:
		return false
	}
	return true
}
