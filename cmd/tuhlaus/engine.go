package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tuhlaus/config"
	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/internal/emitter"
	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/scenario"
	"github.com/yairfalse/tuhlaus/storage"
	"github.com/yairfalse/tuhlaus/telemetry"
	"github.com/yairfalse/tuhlaus/wal"
)

// loadCatalog returns the configured catalog, or the built-in one.
func loadCatalog(ctx context.Context, cfg *config.Config) (*scenario.Catalog, error) {
	if path := cfg.Scenarios.CatalogFile; path != "" {
		return scenario.LoadFile(ctx, path)
	}
	return scenario.Default(ctx)
}

// loadPrices reads the price table and checks its pinned version.
func loadPrices(cfg *config.Config) (*cost.PriceTable, error) {
	prices, err := cost.LoadPriceTable(cfg.Pricing.File)
	if err != nil {
		return nil, err
	}
	if want := cfg.Pricing.Version; want != "" && prices.Version() != want {
		return nil, fmt.Errorf("price table %s has version %q, config pins %q", cfg.Pricing.File, prices.Version(), want)
	}
	return prices, nil
}

// engine bundles everything a scan needs.
type engine struct {
	cfg     *config.Config
	catalog *scenario.Catalog
	orch    *orchestrator.Orchestrator
	store   *storage.Store
	sinks   *emitter.MultiEmitter
}

// newEngine loads the catalog and prices, builds the sources and opens
// the configured sinks. extra sinks receive findings after the
// persistent ones.
func newEngine(ctx context.Context, cfg *config.Config, meter metric.Meter, extra ...emitter.Emitter) (*engine, error) {
	catalog, err := loadCatalog(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if err := catalog.ValidateOverrides(cfg.Overrides); err != nil {
		return nil, err
	}
	prices, err := loadPrices(cfg)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	sources, err := buildSources(ctx, cfg.Sources)
	if err != nil {
		return nil, err
	}

	var scanMetrics *telemetry.ScanMetrics
	if meter != nil {
		if scanMetrics, err = telemetry.NewScanMetrics(meter); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Sources:          sources,
		Catalog:          catalog,
		Prices:           prices,
		Overrides:        cfg.Overrides,
		Tenant:           cfg.Account.Tenant,
		Disabled:         cfg.Scenarios.Disabled,
		Filter:           cfg.SnapshotFilter(),
		Limiter:          cfg.Limits(),
		Concurrency:      cfg.OrchestratorConcurrency(),
		Retry:            cfg.OrchestratorRetry(),
		MinSamplesForP95: cfg.Analysis.MinSamplesForP95,
		Metrics:          scanMetrics,
	})
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, catalog: catalog, orch: orch}
	if err := e.openSinks(meter, extra); err != nil {
		return nil, err
	}

	log.Info().
		Str("account", cfg.Account.ID).
		Str("catalog_version", catalog.Version()).
		Int("scenarios", catalog.Len()).
		Str("price_table_version", prices.Version()).
		Int("sources", len(sources)).
		Msg("engine ready")
	return e, nil
}

func (e *engine) openSinks(meter metric.Meter, extra []emitter.Emitter) error {
	var emitters []emitter.Emitter

	if path := e.cfg.Storage.Path; path != "" {
		store, err := storage.Open(path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		e.store = store
		emitters = append(emitters, store)
	}

	if dir := e.cfg.Audit.Dir; dir != "" {
		audit, err := emitter.NewAuditEmitter(dir, e.cfg.WAL())
		if err != nil {
			_ = emitter.NewMultiEmitter(emitters...).Close()
			return err
		}
		emitters = append(emitters, audit)
	}

	if meter != nil {
		prom, err := emitter.NewPrometheusEmitter(meter)
		if err != nil {
			_ = emitter.NewMultiEmitter(emitters...).Close()
			return fmt.Errorf("prometheus emitter: %w", err)
		}
		emitters = append(emitters, prom)
	}

	emitters = append(emitters, extra...)
	e.sinks = emitter.NewMultiEmitter(emitters...)
	return nil
}

// scan runs one scan of the configured account.
func (e *engine) scan(ctx context.Context) (*orchestrator.Report, error) {
	return e.orch.Run(ctx, e.cfg.Account.ID, e.cfg.Scenarios.Enabled, e.sinks)
}

// maintain compacts the store and removes expired audit files.
func (e *engine) maintain(ctx context.Context) error {
	var errs []error
	if e.store != nil {
		if err := e.store.Compact(ctx, e.cfg.Storage.KeepRevisions); err != nil {
			errs = append(errs, fmt.Errorf("compact store: %w", err))
		}
	}
	if dir := e.cfg.Audit.Dir; dir != "" {
		stats, err := wal.Cleanup(dir, e.cfg.WAL(), time.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("audit cleanup: %w", err))
		} else if stats.FilesRemoved > 0 {
			log.Info().
				Int("files_removed", stats.FilesRemoved).
				Int64("bytes_freed", stats.BytesFreed).
				Msg("expired audit files removed")
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink, including the store.
func (e *engine) Close() error {
	return e.sinks.Close()
}
