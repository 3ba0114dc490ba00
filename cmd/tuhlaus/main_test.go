package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tuhlaus/config"
	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/orchestrator"
	"github.com/yairfalse/tuhlaus/pkg/finding"
	"github.com/yairfalse/tuhlaus/pkg/resource"
	"github.com/yairfalse/tuhlaus/scenario"
)

const testPrices = `
version: "2026-10"
currency: USD
prices:
  "gcp:pd:standard": 0.04
  "gcp:pd:ssd": 0.17
`

func inventoryFixture(now time.Time) string {
	return fmt.Sprintf(`
resources:
  - resource_id: us-central1-a/scratch
    resource_type: persistent_disk
    provider: gcp
    region: us-central1-a
    created_at: %s
    sku: "gcp:pd:standard"
    size_attributes: {storage_gb: 500, attachment_count: 0}
    timestamps: {detached_at: %s}
    state: running
  - resource_id: us-central1-a/boot
    resource_type: persistent_disk
    provider: gcp
    region: us-central1-a
    created_at: %s
    sku: "gcp:pd:ssd"
    size_attributes: {storage_gb: 50, attachment_count: 1}
    state: running
`,
		now.AddDate(0, 0, -200).Format(time.RFC3339),
		now.AddDate(0, 0, -60).Format(time.RFC3339),
		now.AddDate(0, 0, -200).Format(time.RFC3339),
	)
}

// writeWorkspace writes a config, price table and inventory to a temp dir.
func writeWorkspace(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}
	prices := write("prices.yaml", testPrices)
	inv := write("inventory.yaml", inventoryFixture(time.Now().UTC()))
	cfgPath := write("tuhlaus.yaml", fmt.Sprintf(`
account:
  id: acme-dev
scenarios:
  enabled: [disk_unattached]
pricing:
  file: %s
storage:
  path: %s
audit:
  dir: %s
sources:
  inventory_file: %s
`, prices, filepath.Join(dir, "data", "findings.db"), filepath.Join(dir, "audit"), inv))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	return cfg, dir
}

func TestBuildSources_Inventory(t *testing.T) {
	cfg, _ := writeWorkspace(t)

	sources, err := buildSources(context.Background(), cfg.Sources)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	assert.Equal(t, "inventory/gcp", sources[0].Name)
	assert.Equal(t, resource.ProviderGCP, sources[0].Collector.Provider())
	assert.NotNil(t, sources[0].Metrics)
}

func TestBuildSources_MissingInventory(t *testing.T) {
	_, err := buildSources(context.Background(), config.SourcesConfig{InventoryFile: "/nonexistent/inventory.yaml"})
	assert.Error(t, err)
}

func TestBuildSources_PrometheusShared(t *testing.T) {
	sources, err := buildSources(context.Background(), config.SourcesConfig{
		Prometheus: &config.PrometheusConfig{
			URL:     "http://localhost:9090",
			Queries: map[string]string{"connections": `sum(db_connections{id="{{.ResourceID}}"})`},
			Step:    time.Minute,
		},
	})
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestScanOnce_JSON(t *testing.T) {
	cfg, dir := writeWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, scanOnce(context.Background(), cfg, nil, "json", &out))

	var result struct {
		Report struct {
			State     string   `json:"state"`
			Findings  int      `json:"findings"`
			Scenarios []string `json:"scenarios"`
		} `json:"report"`
		Findings []finding.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))

	assert.Equal(t, "completed", result.Report.State)
	assert.Equal(t, []string{"disk_unattached"}, result.Report.Scenarios)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, 1, result.Report.Findings)

	f := result.Findings[0]
	assert.Equal(t, "disk_unattached", f.ScenarioID)
	assert.Equal(t, "us-central1-a/scratch", f.ResourceID)
	assert.Equal(t, finding.TierHigh, f.Tier)
	assert.Equal(t, cost.FromFloat(20), f.MonthlyCost)
	assert.Equal(t, cost.FromFloat(20), f.MonthlyWaste)

	// The store and audit log received the finding too.
	assert.FileExists(t, filepath.Join(dir, "data", "findings.db"))
	entries, err := os.ReadDir(filepath.Join(dir, "audit"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestScanOnce_Table(t *testing.T) {
	cfg, _ := writeWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, scanOnce(context.Background(), cfg, nil, "table", &out))

	s := out.String()
	assert.Contains(t, s, "us-central1-a/scratch")
	assert.Contains(t, s, "disk_unattached")
	assert.Contains(t, s, "waste_found")
	assert.NotContains(t, s, "us-central1-a/boot")
}

func TestEngine_Maintain(t *testing.T) {
	cfg, _ := writeWorkspace(t)

	e, err := newEngine(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	report, err := e.scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateCompleted, report.State)

	require.NoError(t, e.maintain(context.Background()))

	rec, ok := e.store.Get(finding.Key("disk_unattached", resource.ProviderGCP, "us-central1-a/scratch"))
	require.True(t, ok)
	assert.True(t, rec.Open())
}

func TestNewEngine_PricingVersionMismatch(t *testing.T) {
	cfg, _ := writeWorkspace(t)
	cfg.Pricing.Version = "2020-01"

	_, err := newEngine(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "config pins")
}

func TestValidate(t *testing.T) {
	cfg, _ := writeWorkspace(t)

	var out bytes.Buffer
	require.NoError(t, validate(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), "config ok: account acme-dev")
	assert.Contains(t, out.String(), "1 of")
	assert.Contains(t, out.String(), "2 SKUs")
}

func TestValidate_Errors(t *testing.T) {
	cfg, _ := writeWorkspace(t)
	cfg.Scenarios.Enabled = []string{"no_such_scenario"}
	cfg.Overrides = scenario.Overrides{"default": {"disk_unattached": {"min_unattached_days": "soon"}}}

	err := validate(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_scenario")
}

func TestRenderReport_Warnings(t *testing.T) {
	r := &orchestrator.Report{
		ScanID:  "scan-1",
		Account: "acme",
		State:   orchestrator.StateFailed,
		Partial: true,
		Warnings: []orchestrator.Warning{{
			Kind:         orchestrator.WarningListing,
			Provider:     resource.ProviderAWS,
			ResourceType: "ebs_volume",
			Message:      "throttled",
		}},
	}

	var out bytes.Buffer
	renderReport(&out, r)

	s := out.String()
	assert.Contains(t, s, "scan-1")
	assert.Contains(t, s, "partial")
	assert.Contains(t, s, "inconclusive")
	assert.Contains(t, s, "aws/ebs_volume")
	assert.Contains(t, s, "throttled")
}

func TestRenderCatalog_ResolvesOverrides(t *testing.T) {
	catalog, err := scenario.Default(context.Background())
	require.NoError(t, err)
	rule, ok := catalog.Lookup("disk_unattached")
	require.True(t, ok)

	overrides := scenario.Overrides{"team-a": {"disk_unattached": {"min_unattached_days": 30}}}

	var out bytes.Buffer
	renderCatalog(&out, []scenario.Rule{rule}, overrides, "team-a")
	assert.Contains(t, out.String(), "min_unattached_days=30")

	resolved := resolvedRules([]scenario.Rule{rule}, overrides, "default")
	assert.Equal(t, 7, resolved[0].Parameters["min_unattached_days"])
}

func TestFindingCollector_Sorted(t *testing.T) {
	c := &findingCollector{}
	ctx := context.Background()
	require.NoError(t, c.Emit(ctx, finding.Finding{ScenarioID: "a", ResourceID: "small", MonthlyWaste: cost.FromFloat(1)}))
	require.NoError(t, c.Emit(ctx, finding.Finding{ScenarioID: "a", ResourceID: "big", MonthlyWaste: cost.FromFloat(100)}))

	sorted := c.sorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, "big", sorted[0].ResourceID)
}
