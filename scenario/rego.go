package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/tuhlaus/policy"
)

// regoPredicate adapts a compiled Rego module to a PredicateFunc.
func regoPredicate(p *policy.Predicate) PredicateFunc {
	return func(ctx context.Context, in Input) (Match, error) {
		d, err := p.Eval(ctx, regoInput(in))
		if err != nil {
			if errors.Is(err, policy.ErrNoResult) {
				return Match{}, insufficient("%v", err)
			}
			return Match{}, err
		}
		if d.Insufficient != "" {
			return Match{}, insufficient("%s", d.Insufficient)
		}

		m := Match{
			Matched:        d.Match,
			Recommendation: d.Recommendation,
			Facts:          d.Facts,
		}
		if m.Facts == nil {
			m.Facts = map[string]float64{}
		}
		if !m.Matched {
			return m, nil
		}
		if d.Driver == nil {
			return Match{}, fmt.Errorf("%w: rego predicate %s matched without a driver", ErrInvalidRule, p.Name())
		}

		name, err := in.Params.StringOr("driver", "driver")
		if err != nil {
			return Match{}, err
		}
		m.DriverName = name
		m.Driver = *d.Driver
		m.Facts[name] = *d.Driver
		return m, nil
	}
}

// regoInput renders the predicate input as plain JSON-like values.
func regoInput(in Input) map[string]any {
	s := in.Snapshot

	tags := make(map[string]any, len(s.Tags))
	for k, v := range s.Tags {
		tags[k] = v
	}
	size := make(map[string]any, len(s.Size))
	for k, v := range s.Size {
		size[k] = v
	}
	timestamps := make(map[string]any, len(s.Timestamps))
	for k, v := range s.Timestamps {
		timestamps[k] = v.Unix()
	}

	doc := map[string]any{
		"id":                s.ID,
		"type":              s.Type,
		"provider":          string(s.Provider),
		"account":           s.Account,
		"region":            s.Region,
		"name":              s.Name,
		"sku":               s.SKU,
		"storage_sku":       s.StorageSKU,
		"high_availability": s.HighAvailability,
		"state":             string(s.State),
		"tags":              tags,
		"size":              size,
		"timestamps":        timestamps,
	}
	if !s.CreatedAt.IsZero() {
		doc["created_at"] = s.CreatedAt.Unix()
	}

	metrics := make(map[string]any, len(in.Summaries))
	for name, summary := range in.Summaries {
		if !summary.HasData() {
			continue
		}
		m := map[string]any{
			"sample_count": summary.SampleCount,
			"window_days":  summary.Window.Days(),
		}
		for _, stat := range []string{"avg", "max", "min", "total", "p95"} {
			if v, ok := summary.Stat(stat); ok {
				m[stat] = v
			}
		}
		metrics[name] = m
	}

	input := map[string]any{
		"resource": doc,
		"metrics":  metrics,
		"params":   map[string]any(in.Params.Clone()),
		"now":      in.Now.Unix(),
	}
	if age, ok := s.AgeDays(in.Now); ok {
		input["age_days"] = age
	}
	return input
}
