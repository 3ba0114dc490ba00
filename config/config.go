// Package config loads the YAML configuration of tuhlaus.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tuhlaus/analyzer"
	"github.com/yairfalse/tuhlaus/internal/filter"
	"github.com/yairfalse/tuhlaus/internal/limiter"
	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/resource"
	"github.com/yairfalse/tuhlaus/scenario"
	"github.com/yairfalse/tuhlaus/telemetry"
	"github.com/yairfalse/tuhlaus/wal"
)

// Config represents the main configuration
type Config struct {
	Version     string                              `yaml:"version"`
	Account     AccountConfig                       `yaml:"account"`
	Scenarios   ScenariosConfig                     `yaml:"scenarios"`
	Overrides   scenario.Overrides                  `yaml:"overrides,omitempty"`
	Concurrency ConcurrencyConfig                   `yaml:"concurrency"`
	RateLimits  map[resource.Provider]limiter.Limit `yaml:"rate_limits,omitempty"`
	Retry       RetryConfig                         `yaml:"retry"`
	Analysis    AnalysisConfig                      `yaml:"analysis"`
	Pricing     PricingConfig                       `yaml:"pricing"`
	Filter      FilterConfig                        `yaml:"filter"`
	Storage     StorageConfig                       `yaml:"storage"`
	Audit       AuditConfig                         `yaml:"audit"`
	Metrics     MetricsConfig                       `yaml:"metrics"`
	OTEL        OTELConfig                          `yaml:"otel"`
	Log         LogConfig                           `yaml:"log"`
	Daemon      DaemonConfig                        `yaml:"daemon"`
	Sources     SourcesConfig                       `yaml:"sources"`
}

// AccountConfig identifies the scanned account and its tenant.
type AccountConfig struct {
	ID       string            `yaml:"id"`
	Provider resource.Provider `yaml:"provider,omitempty"`
	Tenant   string            `yaml:"tenant,omitempty"`
}

// ScenariosConfig selects catalog rules. An empty enabled list runs all.
type ScenariosConfig struct {
	Enabled     []string `yaml:"enabled,omitempty"`
	Disabled    []string `yaml:"disabled,omitempty"`
	CatalogFile string   `yaml:"catalog_file,omitempty"`
}

// ConcurrencyConfig bounds the scan worker pools.
type ConcurrencyConfig struct {
	Listing    int `yaml:"listing"`
	Metrics    int `yaml:"metrics"`
	Evaluation int `yaml:"evaluation"`
}

// RetryConfig bounds every call to a cloud API.
type RetryConfig struct {
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// PricingConfig points at the unit price table.
type PricingConfig struct {
	File    string `yaml:"file"`
	Version string `yaml:"version,omitempty"`
}

// FilterConfig drops listed resources before evaluation.
type FilterConfig struct {
	IncludeTags  map[string]string `yaml:"include_tags,omitempty"`
	ExcludeTags  map[string]string `yaml:"exclude_tags,omitempty"`
	ExcludeTypes []string          `yaml:"exclude_types,omitempty"`
}

// StorageConfig enables the finding store. An empty path disables it.
type StorageConfig struct {
	Path string `yaml:"path,omitempty"`
	// KeepRevisions bounds the history kept by daemon compaction.
	KeepRevisions int64 `yaml:"keep_revisions"`
}

// AuditConfig enables the audit log. An empty dir disables it.
type AuditConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	RetentionDays int    `yaml:"retention_days"`
	MaxFileSize   int64  `yaml:"max_file_size"`
}

// MetricsConfig holds the /metrics listener of the daemon.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	Traces      bool    `yaml:"traces"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// AnalysisConfig tunes metric aggregation.
type AnalysisConfig struct {
	// MinSamplesForP95 below which a window reports no p95.
	MinSamplesForP95 int `yaml:"min_samples_for_p95"`
}

// DaemonConfig holds the periodic scan settings.
type DaemonConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SourcesConfig enables resource collectors and metric providers.
type SourcesConfig struct {
	InventoryFile string            `yaml:"inventory_file,omitempty"`
	Prometheus    *PrometheusConfig `yaml:"prometheus,omitempty"`
	AWS           *AWSConfig        `yaml:"aws,omitempty"`
	GCP           *GCPConfig        `yaml:"gcp,omitempty"`
	Azure         *AzureConfig      `yaml:"azure,omitempty"`
}

// PrometheusConfig maps metric names to PromQL templates.
type PrometheusConfig struct {
	URL     string            `yaml:"url"`
	Queries map[string]string `yaml:"queries"`
	Step    time.Duration     `yaml:"step"`
}

// AWSConfig holds AWS collector settings.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile,omitempty"`
	// Metrics enables CloudWatch as the metrics provider.
	Metrics bool `yaml:"metrics"`
}

// GCPConfig holds GCP collector settings.
type GCPConfig struct {
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// AzureConfig holds Azure collector settings.
type AzureConfig struct {
	SubscriptionID string `yaml:"subscription_id"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML config. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Account.Tenant == "" {
		c.Account.Tenant = "default"
	}
	if c.Concurrency.Listing == 0 {
		c.Concurrency.Listing = 4
	}
	if c.Concurrency.Metrics == 0 {
		c.Concurrency.Metrics = 16
	}
	if c.Concurrency.Evaluation == 0 {
		c.Concurrency.Evaluation = runtime.NumCPU()
	}
	if c.Retry.CallTimeout == 0 {
		c.Retry.CallTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = 5 * time.Second
	}
	if c.Analysis.MinSamplesForP95 == 0 {
		c.Analysis.MinSamplesForP95 = analyzer.DefaultMinSamplesForP95
	}
	if c.Storage.KeepRevisions == 0 {
		c.Storage.KeepRevisions = 10000
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = wal.DefaultConfig().RetentionDays
	}
	if c.Audit.MaxFileSize == 0 {
		c.Audit.MaxFileSize = wal.DefaultConfig().MaxFileSize
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9464"
	}
	if c.OTEL.ServiceName == "" {
		c.OTEL.ServiceName = "tuhlaus"
	}
	if c.OTEL.SampleRate == 0 {
		c.OTEL.SampleRate = 1.0
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Daemon.Interval == 0 {
		c.Daemon.Interval = time.Hour
	}
	if p := c.Sources.Prometheus; p != nil && p.Step == 0 {
		p.Step = 5 * time.Minute
	}
}

// Validate ensures config has required fields
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Account.ID != "", "account.id is required")
	check(c.Account.Provider == "" || c.Account.Provider.Valid(), "account.provider %q is unknown", c.Account.Provider)
	check(c.Concurrency.Listing > 0 && c.Concurrency.Metrics > 0 && c.Concurrency.Evaluation > 0,
		"concurrency: all pools must be positive")
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be positive (got %d)", c.Retry.MaxAttempts)
	check(c.Retry.CallTimeout > 0, "retry.call_timeout must be positive")
	check(c.Retry.InitialInterval > 0 && c.Retry.MaxInterval >= c.Retry.InitialInterval,
		"retry: max_interval must be at least initial_interval")
	check(c.Analysis.MinSamplesForP95 > 0,
		"analysis.min_samples_for_p95 must be positive (got %d)", c.Analysis.MinSamplesForP95)
	check(c.Pricing.File != "", "pricing.file is required")
	check(c.OTEL.SampleRate >= 0 && c.OTEL.SampleRate <= 1,
		"otel.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.SampleRate)
	check(c.Daemon.Interval >= time.Minute, "daemon.interval must be at least 1m (got %s)", c.Daemon.Interval)
	check(c.Audit.RetentionDays > 0, "audit.retention_days must be positive")
	check(c.Storage.KeepRevisions > 0, "storage.keep_revisions must be positive")

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	for p, l := range c.RateLimits {
		check(p.Valid(), "rate_limits: unknown provider %q", p)
		check(l.RPS >= 0 && l.Burst >= 0, "rate_limits.%s: rps and burst must not be negative", p)
	}

	errs = append(errs, c.Sources.validate()...)
	return errors.Join(errs...)
}

func (s *SourcesConfig) validate() []error {
	var errs []error
	if s.InventoryFile == "" && s.AWS == nil && s.GCP == nil && s.Azure == nil {
		errs = append(errs, errors.New("sources: at least one collector is required"))
	}
	if s.Prometheus != nil {
		if s.Prometheus.URL == "" {
			errs = append(errs, errors.New("sources.prometheus.url is required"))
		}
		if len(s.Prometheus.Queries) == 0 {
			errs = append(errs, errors.New("sources.prometheus.queries must map at least one metric"))
		}
	}
	if s.AWS != nil && s.AWS.Region == "" {
		errs = append(errs, errors.New("sources.aws.region is required"))
	}
	if s.GCP != nil && s.GCP.Project == "" {
		errs = append(errs, errors.New("sources.gcp.project is required"))
	}
	if s.Azure != nil && s.Azure.SubscriptionID == "" {
		errs = append(errs, errors.New("sources.azure.subscription_id is required"))
	}
	return errs
}

// Limits returns the per-provider rate limiter.
func (c *Config) Limits() *limiter.Limiter {
	return limiter.New(c.RateLimits)
}

// SnapshotFilter returns the configured snapshot filter.
func (c *Config) SnapshotFilter() *filter.Filter {
	return filter.New(c.Filter.ExcludeTypes, c.Filter.IncludeTags, c.Filter.ExcludeTags)
}

// OrchestratorConcurrency converts the pool sizes.
func (c *Config) OrchestratorConcurrency() orchestrator.Concurrency {
	return orchestrator.Concurrency{
		Listing:    c.Concurrency.Listing,
		Metrics:    c.Concurrency.Metrics,
		Evaluation: c.Concurrency.Evaluation,
	}
}

// OrchestratorRetry converts the retry bounds.
func (c *Config) OrchestratorRetry() orchestrator.RetryConfig {
	return orchestrator.RetryConfig{
		CallTimeout:     c.Retry.CallTimeout,
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// Telemetry converts the OTEL settings. Prometheus enables the pull
// registry served on /metrics.
func (c *Config) Telemetry(version string, prometheus bool) telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.OTEL.ServiceName,
		ServiceVersion: version,
		Endpoint:       c.OTEL.Endpoint,
		Insecure:       c.OTEL.Insecure,
		Traces:         c.OTEL.Traces,
		SampleRate:     c.OTEL.SampleRate,
		Prometheus:     prometheus,
	}
}

// WAL converts the audit settings.
func (c *Config) WAL() wal.Config {
	cfg := wal.DefaultConfig()
	cfg.Dir = c.Audit.Dir
	cfg.RetentionDays = c.Audit.RetentionDays
	cfg.MaxFileSize = c.Audit.MaxFileSize
	return cfg
}
