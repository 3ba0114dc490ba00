// Package inventory serves resource snapshots and metric samples from a
// YAML or JSON fixture file. It backs offline scans and tests.
package inventory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// File is the on-disk shape of an inventory.
type File struct {
	Resources []resource.Snapshot `yaml:"resources"`
	Metrics   []Series            `yaml:"metrics"`
}

// Series is the metric data of one resource. Either Samples or Generate
// is set; Generate fills the queried window with a constant value.
type Series struct {
	ResourceID string            `yaml:"resource_id"`
	Metric     string            `yaml:"metric"`
	Samples    []resource.Sample `yaml:"samples,omitempty"`
	Generate   *Generator        `yaml:"generate,omitempty"`
}

// Generator produces evenly spaced samples over a query window.
type Generator struct {
	Step  time.Duration `yaml:"step"`
	Value float64       `yaml:"value"`
}

type seriesKey struct {
	resourceID string
	metric     string
}

// Inventory is an immutable in-memory inventory.
type Inventory struct {
	resources []resource.Snapshot
	series    map[seriesKey]Series
}

// Load reads an inventory file. JSON parses as YAML.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return Parse(data)
}

// Parse builds an inventory from raw YAML or JSON.
func Parse(data []byte) (*Inventory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	return New(f)
}

// New validates f and builds an inventory.
func New(f File) (*Inventory, error) {
	inv := &Inventory{series: make(map[seriesKey]Series, len(f.Metrics))}

	seen := make(map[string]bool, len(f.Resources))
	for i, s := range f.Resources {
		if s.ID == "" || s.Type == "" {
			return nil, fmt.Errorf("resource %d: resource_id and resource_type are required", i)
		}
		if !s.Provider.Valid() {
			return nil, fmt.Errorf("resource %s: unknown provider %q", s.ID, s.Provider)
		}
		if seen[s.Key()] {
			return nil, fmt.Errorf("resource %s: duplicate", s.Key())
		}
		seen[s.Key()] = true
		if s.State == "" {
			s.State = resource.StateUnknown
		}
		inv.resources = append(inv.resources, s)
	}

	for _, s := range f.Metrics {
		if s.ResourceID == "" || s.Metric == "" {
			return nil, fmt.Errorf("metric series: resource_id and metric are required")
		}
		if s.Generate != nil && s.Generate.Step <= 0 {
			return nil, fmt.Errorf("metric series %s/%s: generate.step must be positive", s.ResourceID, s.Metric)
		}
		sort.Slice(s.Samples, func(i, j int) bool {
			return s.Samples[i].Timestamp.Before(s.Samples[j].Timestamp)
		})
		inv.series[seriesKey{s.ResourceID, s.Metric}] = s
	}

	return inv, nil
}

// Providers returns the providers present in the inventory, sorted.
func (inv *Inventory) Providers() []resource.Provider {
	set := make(map[resource.Provider]bool)
	for _, s := range inv.resources {
		set[s.Provider] = true
	}
	out := make([]resource.Provider, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SKUs returns the distinct compute and storage SKUs referenced by the
// inventory, sorted.
func (inv *Inventory) SKUs() []string {
	set := make(map[string]bool)
	for _, s := range inv.resources {
		for _, sku := range []string{s.SKU, s.StorageSKU} {
			if sku != "" {
				set[sku] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for sku := range set {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}

// Collectors returns one collector per provider in the inventory.
func (inv *Inventory) Collectors() []*Collector {
	var out []*Collector
	for _, p := range inv.Providers() {
		out = append(out, &Collector{inv: inv, provider: p})
	}
	return out
}

// QueryMetric returns the samples of a series inside window. An unknown
// series has no data.
func (inv *Inventory) QueryMetric(ctx context.Context, resourceID, metricName string, window resource.TimeRange) ([]resource.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, ok := inv.series[seriesKey{resourceID, metricName}]
	if !ok {
		return nil, nil
	}

	if g := s.Generate; g != nil {
		var out []resource.Sample
		for t := window.Start; t.Before(window.End); t = t.Add(g.Step) {
			out = append(out, resource.Sample{Timestamp: t, Value: g.Value})
		}
		return out, nil
	}

	var out []resource.Sample
	for _, sample := range s.Samples {
		if window.Contains(sample.Timestamp) {
			out = append(out, sample)
		}
	}
	return out, nil
}

// Collector lists the inventory resources of one provider.
type Collector struct {
	inv      *Inventory
	provider resource.Provider
}

// Provider returns the collector's provider.
func (c *Collector) Provider() resource.Provider {
	return c.provider
}

// ResourceTypes returns the resource types present for the provider.
func (c *Collector) ResourceTypes() []string {
	set := make(map[string]bool)
	for _, s := range c.inv.resources {
		if s.Provider == c.provider {
			set[s.Type] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ListResources returns the snapshots of resourceType in account. A
// snapshot without an account belongs to every account.
func (c *Collector) ListResources(ctx context.Context, account, resourceType string) ([]resource.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []resource.Snapshot
	for _, s := range c.inv.resources {
		if s.Provider != c.provider || s.Type != resourceType {
			continue
		}
		if s.Account != "" && account != "" && s.Account != account {
			continue
		}
		if s.Account == "" {
			s.Account = account
		}
		out = append(out, s)
	}
	return out, nil
}
