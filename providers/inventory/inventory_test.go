package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

const fixture = `
resources:
  - resource_id: orders-db
    resource_type: cloud_sql_instance
    provider: gcp
    region: us-central1
    created_at: 2026-01-01T00:00:00Z
    sku: db-n1-standard-2
    storage_sku: "gcp:cloudsql:storage:ssd"
    size_attributes: {storage_gb: 100, vcpu: 2}
    state: running
  - resource_id: old-disk
    resource_type: persistent_disk
    provider: gcp
    account: staging
    region: us-central1-a
    created_at: 2026-01-01T00:00:00Z
    sku: "gcp:pd:standard"
    size_attributes: {storage_gb: 500, attachment_count: 0}
  - resource_id: vol-1
    resource_type: ebs_volume
    provider: aws
    region: us-east-1
    created_at: 2026-01-01T00:00:00Z
    state: running
metrics:
  - resource_id: orders-db
    metric: connections
    generate: {step: 1h, value: 0}
  - resource_id: orders-db
    metric: disk_used_gb
    samples:
      - {timestamp: 2026-06-02T00:00:00Z, value: 12}
      - {timestamp: 2026-06-01T00:00:00Z, value: 10}
      - {timestamp: 2026-05-01T00:00:00Z, value: 99}
`

func loadFixture(t *testing.T) *Inventory {
	t.Helper()
	inv, err := Parse([]byte(fixture))
	require.NoError(t, err)
	return inv
}

func TestParse(t *testing.T) {
	inv := loadFixture(t)

	assert.Equal(t, []resource.Provider{resource.ProviderAWS, resource.ProviderGCP}, inv.Providers())

	collectors := inv.Collectors()
	require.Len(t, collectors, 2)
	assert.Equal(t, resource.ProviderGCP, collectors[1].Provider())
	assert.Equal(t, []string{"cloud_sql_instance", "persistent_disk"}, collectors[1].ResourceTypes())
}

func TestSKUs(t *testing.T) {
	inv := loadFixture(t)
	assert.Equal(t, []string{"db-n1-standard-2", "gcp:cloudsql:storage:ssd", "gcp:pd:standard"}, inv.SKUs())
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	inv, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, inv.Collectors(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_JSON(t *testing.T) {
	inv, err := Parse([]byte(`{"resources":[{"resource_id":"d1","resource_type":"managed_disk","provider":"azure","region":"westeurope"}]}`))
	require.NoError(t, err)

	snaps, err := inv.Collectors()[0].ListResources(context.Background(), "sub-1", "managed_disk")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, resource.StateUnknown, snaps[0].State)
	assert.Equal(t, "sub-1", snaps[0].Account)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing id", `resources: [{resource_type: x, provider: gcp}]`},
		{"bad provider", `resources: [{resource_id: a, resource_type: x, provider: ibm}]`},
		{"duplicate", `resources: [{resource_id: a, resource_type: x, provider: gcp}, {resource_id: a, resource_type: y, provider: gcp}]`},
		{"series without metric", `metrics: [{resource_id: a}]`},
		{"zero step", `metrics: [{resource_id: a, metric: m, generate: {value: 1}}]`},
		{"not yaml", `resources: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestCollector_ListResources(t *testing.T) {
	inv := loadFixture(t)
	gcp := inv.Collectors()[1]
	ctx := context.Background()

	snaps, err := gcp.ListResources(ctx, "prod", "cloud_sql_instance")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "orders-db", snaps[0].ID)
	assert.Equal(t, "prod", snaps[0].Account)
	assert.Equal(t, 100.0, snaps[0].Size[resource.SizeStorageGB])

	// Account-bound snapshots only match their account.
	snaps, err = gcp.ListResources(ctx, "prod", "persistent_disk")
	require.NoError(t, err)
	assert.Empty(t, snaps)

	snaps, err = gcp.ListResources(ctx, "staging", "persistent_disk")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	snaps, err = gcp.ListResources(ctx, "prod", "gke_cluster")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestCollector_CanceledContext(t *testing.T) {
	inv := loadFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inv.Collectors()[0].ListResources(ctx, "prod", "ebs_volume")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = inv.QueryMetric(ctx, "orders-db", "connections", resource.TimeRange{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueryMetric_Generated(t *testing.T) {
	inv := loadFixture(t)
	end := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	window := resource.WindowEndingAt(end, 24*time.Hour)

	samples, err := inv.QueryMetric(context.Background(), "orders-db", "connections", window)
	require.NoError(t, err)
	require.Len(t, samples, 24)
	assert.Equal(t, window.Start, samples[0].Timestamp)
	assert.Equal(t, 0.0, samples[23].Value)
}

func TestQueryMetric_SamplesInWindow(t *testing.T) {
	inv := loadFixture(t)
	window := resource.TimeRange{
		Start: time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC),
	}

	samples, err := inv.QueryMetric(context.Background(), "orders-db", "disk_used_gb", window)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 10.0, samples[0].Value)
}

func TestQueryMetric_UnknownSeriesHasNoData(t *testing.T) {
	inv := loadFixture(t)

	samples, err := inv.QueryMetric(context.Background(), "orders-db", "cpu_utilization", resource.TimeRange{})
	assert.NoError(t, err)
	assert.Nil(t, samples)
}
