// Package prometheus serves metric samples from a Prometheus server using
// PromQL range queries.
package prometheus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// queryAPI is the subset of the Prometheus HTTP API used here.
type queryAPI interface {
	QueryRange(ctx context.Context, query string, r v1.Range, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// Config configures a Provider.
type Config struct {
	URL string
	// Queries maps metric names to PromQL templates. Templates see
	// .ResourceID and .Metric.
	Queries map[string]string
	Step    time.Duration
}

// Provider implements a metrics provider on PromQL templates.
type Provider struct {
	api     queryAPI
	queries map[string]*template.Template
	step    time.Duration
	logger  zerolog.Logger
}

// New connects to the Prometheus server at cfg.URL.
func New(cfg Config) (*Provider, error) {
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return newProvider(v1.NewAPI(client), cfg)
}

func newProvider(a queryAPI, cfg Config) (*Provider, error) {
	if cfg.Step <= 0 {
		cfg.Step = 5 * time.Minute
	}

	p := &Provider{
		api:     a,
		queries: make(map[string]*template.Template, len(cfg.Queries)),
		step:    cfg.Step,
		logger:  log.With().Str("component", "prometheus").Logger(),
	}
	for name, q := range cfg.Queries {
		tmpl, err := template.New(name).Option("missingkey=error").Parse(q)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		p.queries[name] = tmpl
	}
	return p, nil
}

// Metrics returns the configured metric names, sorted.
func (p *Provider) Metrics() []string {
	out := make([]string, 0, len(p.queries))
	for name := range p.queries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// QueryMetric runs the range query configured for metricName. A metric
// without a configured query, or a query returning no series, has no
// data. Multiple series are merged by summing values per timestamp.
func (p *Provider) QueryMetric(ctx context.Context, resourceID, metricName string, window resource.TimeRange) ([]resource.Sample, error) {
	tmpl, ok := p.queries[metricName]
	if !ok {
		return nil, nil
	}

	var buf bytes.Buffer
	data := struct{ ResourceID, Metric string }{resourceID, metricName}
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render query %s: %w", metricName, err)
	}

	value, warnings, err := p.api.QueryRange(ctx, buf.String(), v1.Range{
		Start: window.Start,
		End:   window.End,
		Step:  p.step,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("query %s for %s: %w", metricName, resourceID, err))
	}
	if len(warnings) > 0 {
		p.logger.Warn().
			Str("metric", metricName).
			Str("resource_id", resourceID).
			Strs("warnings", warnings).
			Msg("prometheus query returned warnings")
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("query %s: expected matrix, got %s", metricName, value.Type())
	}
	return mergeSeries(matrix, window), nil
}

func mergeSeries(matrix model.Matrix, window resource.TimeRange) []resource.Sample {
	if len(matrix) == 0 {
		return nil
	}

	sums := make(map[model.Time]float64)
	for _, stream := range matrix {
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sums[pair.Timestamp] += v
		}
	}

	out := make([]resource.Sample, 0, len(sums))
	for ts, v := range sums {
		t := ts.Time().UTC()
		if !window.Contains(t) {
			continue
		}
		out = append(out, resource.Sample{Timestamp: t, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) == 0 {
		return nil
	}
	return out
}

// classify marks server-side, timeout and network errors as transient.
func classify(err error) error {
	var apiErr *v1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case v1.ErrServer, v1.ErrTimeout:
			return resource.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resource.Transient(err)
	}
	return err
}
