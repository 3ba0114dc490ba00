package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/pkg/resource"
)

func testPrices(t *testing.T) *cost.PriceTable {
	t.Helper()
	prices, err := cost.NewPriceTable("test", map[string]float64{
		"db-n1-standard-2":                92.40,
		"gcp:cloudsql:storage:ssd":        0.17,
		"gcp:cloudsql:storage:ha-standby": 0.12,
		"e2-standard-4":                   97.84,
		"gcp:gke:cluster-management":      73.00,
		"cosmos:ru100":                    5.84,
		"gcp:pd:standard":                 0.04,
	})
	require.NoError(t, err)
	return prices
}

func cloudSQLSnapshot() resource.Snapshot {
	return resource.Snapshot{
		ID:               "prod:orders-db",
		Type:             "cloud_sql_instance",
		Provider:         resource.ProviderGCP,
		SKU:              "db-n1-standard-2",
		StorageSKU:       "gcp:cloudsql:storage:ssd",
		HighAvailability: true,
		State:            resource.StateRunning,
		Size:             map[string]float64{resource.SizeStorageGB: 200, resource.SizeVCPU: 2},
	}
}

func TestInstanceCost_CloudSQLHA(t *testing.T) {
	est, err := instanceCost(CostInput{
		Snapshot: cloudSQLSnapshot(),
		Params:   Params{"ha_storage_sku": "gcp:cloudsql:storage:ha-standby"},
		Prices:   testPrices(t),
	})
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(242.80), est.MonthlyCost)
	assert.Equal(t, est.MonthlyCost, est.MonthlyWaste)
}

func TestInstanceCost_UnknownSKU(t *testing.T) {
	snap := cloudSQLSnapshot()
	snap.SKU = "db-unknown-x"

	_, err := instanceCost(CostInput{Snapshot: snap, Params: Params{}, Prices: testPrices(t)})
	assert.ErrorIs(t, err, cost.ErrUnknownSKU)
	assert.Contains(t, err.Error(), "db-unknown-x")
}

func TestInstanceCost_WasteFraction(t *testing.T) {
	snap := cloudSQLSnapshot()
	snap.HighAvailability = false
	snap.Size = nil

	est, err := instanceCost(CostInput{Snapshot: snap, Params: Params{"waste_fraction": 0.5}, Prices: testPrices(t)})
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(92.40), est.MonthlyCost)
	assert.Equal(t, cost.FromFloat(46.20), est.MonthlyWaste)

	_, err = instanceCost(CostInput{Snapshot: snap, Params: Params{"waste_fraction": 2}, Prices: testPrices(t)})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestStorageRightsizeCost(t *testing.T) {
	snap := cloudSQLSnapshot()
	snap.Size[resource.SizeStorageGB] = 1000

	est, err := storageRightsizeCost(CostInput{
		Snapshot: snap,
		Params:   Params{"ha_storage_sku": "gcp:cloudsql:storage:ha-standby"},
		Match:    Match{Facts: map[string]float64{"allocated_gb": 1000, "recommended_gb": 200}},
		Prices:   testPrices(t),
	})
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(290), est.MonthlyCost)
	assert.Equal(t, cost.FromFloat(232), est.MonthlyWaste)
	assert.Equal(t, 200.0, est.Recommended)
}

func TestStorageCost_FallsBackToSKU(t *testing.T) {
	snap := resource.Snapshot{
		SKU:  "gcp:pd:standard",
		Size: map[string]float64{resource.SizeStorageGB: 500},
	}
	est, err := storageCost(CostInput{Snapshot: snap, Params: Params{}, Prices: testPrices(t)})
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(20), est.MonthlyCost)

	_, err = storageCost(CostInput{Snapshot: resource.Snapshot{SKU: "gcp:pd:standard"}, Params: Params{}, Prices: testPrices(t)})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestNodesCost(t *testing.T) {
	snap := resource.Snapshot{
		SKU:  "e2-standard-4",
		Size: map[string]float64{resource.SizeNodeCount: 3},
	}
	est, err := nodesCost(CostInput{
		Snapshot: snap,
		Params:   Params{"management_sku": "gcp:gke:cluster-management"},
		Prices:   testPrices(t),
	})
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(97.84*3+73), est.MonthlyCost)
}

func TestCapacityRightsizeCost(t *testing.T) {
	snap := resource.Snapshot{SKU: "cosmos:ru100"}
	est, err := capacityRightsizeCost(CostInput{
		Snapshot: snap,
		Params:   Params{"capacity_unit": 100},
		Match:    Match{Facts: map[string]float64{"capacity": 10000, "recommended_capacity": 2000}},
		Prices:   testPrices(t),
	})
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(584), est.MonthlyCost)
	assert.Equal(t, cost.FromFloat(467.20), est.MonthlyWaste)
}

func TestComputeRightsizeCost(t *testing.T) {
	snap := cloudSQLSnapshot()
	snap.HighAvailability = false
	est, err := computeRightsizeCost(CostInput{
		Snapshot: snap,
		Params:   Params{},
		Match:    Match{Facts: map[string]float64{"capacity": 2, "recommended_capacity": 1}},
		Prices:   testPrices(t),
	})
	require.NoError(t, err)
	assert.Equal(t, cost.FromFloat(92.40), est.MonthlyCost)
	assert.Equal(t, cost.FromFloat(46.20), est.MonthlyWaste)
}

func TestCostModels_WasteNeverExceedsCost(t *testing.T) {
	prices := testPrices(t)
	for _, recommended := range []float64{0, 50, 200, 999, 1000, 5000} {
		snap := cloudSQLSnapshot()
		est, err := storageRightsizeCost(CostInput{
			Snapshot: snap,
			Params:   Params{},
			Match:    Match{Facts: map[string]float64{"allocated_gb": 1000, "recommended_gb": recommended}},
			Prices:   prices,
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, est.MonthlyWaste, est.MonthlyCost)
		assert.GreaterOrEqual(t, est.MonthlyWaste, cost.Money(0))
	}
}
