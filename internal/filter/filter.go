// Package filter decides which listed snapshots reach rule evaluation.
package filter

import (
	"strings"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// IgnoreTag opts a resource out of every scan when set to "true".
const IgnoreTag = "tuhlaus:ignore"

// Filter controls which resource types are listed and which snapshots are kept.
type Filter struct {
	excludeTypes map[string]bool
	includeTags  map[string]string
	excludeTags  map[string]string
}

// New creates a Filter. A nil *Filter keeps everything except ignored resources.
func New(excludeTypes []string, includeTags, excludeTags map[string]string) *Filter {
	excludeMap := make(map[string]bool, len(excludeTypes))
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes: excludeMap,
		includeTags:  includeTags,
		excludeTags:  excludeTags,
	}
}

// ShouldScanType reports whether resources of typ should be listed.
func (f *Filter) ShouldScanType(typ string) bool {
	return f == nil || !f.excludeTypes[typ]
}

// Keep reports whether a snapshot passes the tag filters. Include tags
// must ALL match; ANY matching exclude tag drops the snapshot.
func (f *Filter) Keep(s resource.Snapshot) bool {
	if strings.EqualFold(s.Tags[IgnoreTag], "true") {
		return false
	}
	if f == nil {
		return true
	}

	for k, v := range f.includeTags {
		if s.Tags[k] != v {
			return false
		}
	}
	for k, v := range f.excludeTags {
		if got, ok := s.Tags[k]; ok && got == v {
			return false
		}
	}
	return true
}

// Apply returns the snapshots that pass the filter and the number dropped.
func (f *Filter) Apply(snapshots []resource.Snapshot) ([]resource.Snapshot, int) {
	kept := make([]resource.Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if f.Keep(s) {
			kept = append(kept, s)
		}
	}
	return kept, len(snapshots) - len(kept)
}

// IsEmpty reports whether no filters are configured.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.excludeTypes) == 0 && len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
