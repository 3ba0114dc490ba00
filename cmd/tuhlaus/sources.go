package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tuhlaus/config"
	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/providers/aws"
	"github.com/yairfalse/tuhlaus/providers/azure"
	"github.com/yairfalse/tuhlaus/providers/gcp"
	"github.com/yairfalse/tuhlaus/providers/inventory"
	"github.com/yairfalse/tuhlaus/providers/prometheus"
)

// buildSources creates one source per configured collector. Inventory
// collectors serve their own metrics; cloud collectors use Prometheus,
// or CloudWatch for AWS when enabled.
func buildSources(ctx context.Context, cfg config.SourcesConfig) ([]orchestrator.Source, error) {
	var shared orchestrator.MetricsProvider
	if p := cfg.Prometheus; p != nil {
		prom, err := prometheus.New(prometheus.Config{URL: p.URL, Queries: p.Queries, Step: p.Step})
		if err != nil {
			return nil, fmt.Errorf("prometheus: %w", err)
		}
		log.Debug().Str("url", p.URL).Strs("metrics", prom.Metrics()).Msg("prometheus metrics enabled")
		shared = prom
	}

	var sources []orchestrator.Source

	if cfg.InventoryFile != "" {
		inv, err := inventory.Load(cfg.InventoryFile)
		if err != nil {
			return nil, err
		}
		for _, c := range inv.Collectors() {
			sources = append(sources, orchestrator.Source{
				Name:      "inventory/" + string(c.Provider()),
				Collector: c,
				Metrics:   inv,
			})
		}
	}

	if a := cfg.AWS; a != nil {
		c, err := aws.New(ctx, aws.Config{Region: a.Region, Profile: a.Profile})
		if err != nil {
			return nil, fmt.Errorf("aws: %w", err)
		}
		metrics := shared
		if a.Metrics {
			metrics = c.Metrics()
		}
		sources = append(sources, orchestrator.Source{Name: "aws/" + a.Region, Collector: c, Metrics: metrics})
	}

	if g := cfg.GCP; g != nil {
		c, err := gcp.New(ctx, gcp.Config{Project: g.Project, CredentialsFile: g.CredentialsFile})
		if err != nil {
			return nil, fmt.Errorf("gcp: %w", err)
		}
		sources = append(sources, orchestrator.Source{Name: "gcp/" + g.Project, Collector: c, Metrics: shared})
	}

	if az := cfg.Azure; az != nil {
		c, err := azure.New(azure.Config{SubscriptionID: az.SubscriptionID})
		if err != nil {
			return nil, fmt.Errorf("azure: %w", err)
		}
		sources = append(sources, orchestrator.Source{Name: "azure/" + az.SubscriptionID, Collector: c, Metrics: shared})
	}

	for _, s := range sources {
		log.Debug().
			Str("source", s.Name).
			Strs("resource_types", s.Collector.ResourceTypes()).
			Bool("metrics", s.Metrics != nil).
			Msg("source configured")
	}
	return sources, nil
}
