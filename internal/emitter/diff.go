package emitter

import (
	"maps"
	"sort"
	"sync"

	"github.com/yairfalse/tuhlaus/pkg/finding"
)

// ChangeType classifies a finding change between scans.
type ChangeType string

const (
	ChangeOpened   ChangeType = "opened"
	ChangeResolved ChangeType = "resolved"
	ChangeModified ChangeType = "modified"
)

// Change is the before and after value of one field.
type Change struct {
	Previous string
	Current  string
}

// FindingChange describes how one finding changed since the previous scan.
type FindingChange struct {
	Type     ChangeType
	Finding  finding.Finding
	Previous *finding.Finding
	Changes  map[string]Change
}

// DiffTracker tracks open findings between scans and detects changes.
type DiffTracker struct {
	mu          sync.RWMutex
	previous    map[string]finding.Finding
	initialized bool
}

// NewDiffTracker creates a new diff tracker.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{
		previous: make(map[string]finding.Finding),
	}
}

// ComputeDiff compares the findings of a scan against the previous state.
// A previous finding missing from current is resolved only when covers
// reports that the scan re-checked it. Returns nil on the first scan and
// an empty slice when nothing changed. Changes are sorted by key.
func (d *DiffTracker) ComputeDiff(current []finding.Finding, covers func(*finding.Finding) bool) []FindingChange {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil
	}

	currentMap := indexFindings(current)
	changes := make([]FindingChange, 0)

	for key, prev := range d.previous {
		curr, exists := currentMap[key]
		switch {
		case exists:
			if fields := detectChanges(prev, curr); len(fields) > 0 {
				prevCopy := prev
				changes = append(changes, FindingChange{Type: ChangeModified, Finding: curr, Previous: &prevCopy, Changes: fields})
			}
		case covers(&prev):
			prevCopy := prev
			changes = append(changes, FindingChange{Type: ChangeResolved, Finding: prev, Previous: &prevCopy})
		}
	}
	for key, curr := range currentMap {
		if _, exists := d.previous[key]; !exists {
			changes = append(changes, FindingChange{Type: ChangeOpened, Finding: curr})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Finding.Key() < changes[j].Finding.Key()
	})
	return changes
}

// Update stores the open findings after a scan. Previous findings the
// scan did not cover stay open.
func (d *DiffTracker) Update(current []finding.Finding, covers func(*finding.Finding) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := indexFindings(current)
	for key, prev := range d.previous {
		if _, exists := next[key]; exists {
			continue
		}
		if !covers(&prev) {
			next[key] = prev
		}
	}
	d.previous = next
	d.initialized = true
}

// Open returns the number of tracked open findings.
func (d *DiffTracker) Open() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.previous)
}

func indexFindings(findings []finding.Finding) map[string]finding.Finding {
	m := make(map[string]finding.Finding, len(findings))
	for _, f := range findings {
		m[f.Key()] = f
	}
	return m
}

// detectChanges compares two findings of the same key. Detection time and
// accrued waste change on every scan and are not reported.
func detectChanges(prev, curr finding.Finding) map[string]Change {
	changes := make(map[string]Change)

	if prev.Tier != curr.Tier {
		changes["tier"] = Change{Previous: string(prev.Tier), Current: string(curr.Tier)}
	}
	if prev.MonthlyWaste != curr.MonthlyWaste {
		changes["monthly_waste"] = Change{Previous: prev.MonthlyWaste.String(), Current: curr.MonthlyWaste.String()}
	}
	if prev.MonthlyCost != curr.MonthlyCost {
		changes["monthly_cost"] = Change{Previous: prev.MonthlyCost.String(), Current: curr.MonthlyCost.String()}
	}
	if prev.RuleVersion != curr.RuleVersion {
		changes["rule_version"] = Change{Previous: prev.RuleVersion, Current: curr.RuleVersion}
	}
	return changes
}

// snapshot returns a copy of the open findings.
func (d *DiffTracker) snapshot() map[string]finding.Finding {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.previous)
}
