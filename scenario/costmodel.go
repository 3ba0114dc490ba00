package scenario

import (
	"fmt"

	"github.com/yairfalse/tuhlaus/cost"
	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// Builtin cost model names.
const (
	CostInstance          = "instance"
	CostNodes             = "nodes"
	CostStorage           = "storage"
	CostStorageRightsize  = "storage_rightsize"
	CostCapacityRightsize = "capacity_rightsize"
	CostComputeRightsize  = "compute_rightsize"
)

// CostInput is what a cost model prices.
type CostInput struct {
	Snapshot resource.Snapshot
	Params   Params
	Match    Match
	Prices   *cost.PriceTable
}

// CostModelFunc computes monthly cost and waste of a matched resource.
type CostModelFunc func(in CostInput) (cost.Estimate, error)

var builtinCostModels = map[string]CostModelFunc{
	CostInstance:          instanceCost,
	CostNodes:             nodesCost,
	CostStorage:           storageCost,
	CostStorageRightsize:  storageRightsizeCost,
	CostCapacityRightsize: capacityRightsizeCost,
	CostComputeRightsize:  computeRightsizeCost,
}

func (in CostInput) fact(name string) (float64, error) {
	v, ok := in.Match.Facts[name]
	if !ok {
		return 0, insufficient("fact %s missing for cost model", name)
	}
	return v, nil
}

// wasteShare applies the "waste_fraction" parameter (default: all of it).
func (in CostInput) wasteShare(monthly cost.Money) (cost.Estimate, error) {
	fraction, err := in.Params.FloatOr("waste_fraction", 1)
	if err != nil {
		return cost.Estimate{}, err
	}
	if fraction < 0 || fraction > 1 {
		return cost.Estimate{}, fmt.Errorf("%w: waste_fraction %v outside [0,1]", ErrInvalidRule, fraction)
	}
	return cost.Estimate{MonthlyCost: monthly, MonthlyWaste: monthly.MulFloat(fraction)}, nil
}

// computeMonthly prices the instance SKU, doubled (or ha_multiplier) for
// highly available deployments.
func (in CostInput) computeMonthly() (cost.Money, error) {
	price, err := in.Prices.Lookup(in.Snapshot.SKU)
	if err != nil {
		return 0, err
	}
	multiplier := 1.0
	if in.Snapshot.HighAvailability {
		if multiplier, err = in.Params.FloatOr("ha_multiplier", 2); err != nil {
			return 0, err
		}
	}
	hours, err := in.Params.FloatOr("hours_active", cost.HoursPerMonth)
	if err != nil {
		return 0, err
	}
	return cost.MonthlyComputeCost(price.MulFloat(multiplier), hours, cost.HoursPerMonth)
}

// storagePrice is the effective per-GB monthly price, including the
// standby copy of highly available deployments.
func (in CostInput) storagePrice(fallbackToSKU bool) (cost.Money, error) {
	sku := in.Snapshot.StorageSKU
	if sku == "" {
		s, err := in.Params.StringOr("storage_sku", "")
		if err != nil {
			return 0, err
		}
		sku = s
	}
	if sku == "" && fallbackToSKU {
		sku = in.Snapshot.SKU
	}

	price, err := in.Prices.Lookup(sku)
	if err != nil {
		return 0, err
	}
	if !in.Snapshot.HighAvailability {
		return price, nil
	}

	haSKU, err := in.Params.StringOr("ha_storage_sku", "")
	if err != nil {
		return 0, err
	}
	if haSKU == "" {
		return price * 2, nil
	}
	standby, err := in.Prices.Lookup(haSKU)
	if err != nil {
		return 0, err
	}
	return price + standby, nil
}

func instanceCost(in CostInput) (cost.Estimate, error) {
	compute, err := in.computeMonthly()
	if err != nil {
		return cost.Estimate{}, err
	}

	total := compute
	if gb, ok := in.Snapshot.SizeAttr(resource.SizeStorageGB); ok && gb > 0 {
		price, err := in.storagePrice(false)
		if err != nil {
			return cost.Estimate{}, err
		}
		storage, err := cost.MonthlyStorageCost(gb, price)
		if err != nil {
			return cost.Estimate{}, err
		}
		total += storage
	}

	return in.wasteShare(total)
}

func nodesCost(in CostInput) (cost.Estimate, error) {
	nodes, ok := in.Snapshot.SizeAttr(resource.SizeNodeCount)
	if !ok {
		return cost.Estimate{}, insufficient("node count unknown")
	}
	perNode, err := in.Prices.Lookup(in.Snapshot.SKU)
	if err != nil {
		return cost.Estimate{}, err
	}
	if nodes < 0 {
		return cost.Estimate{}, fmt.Errorf("%w: node_count = %v", cost.ErrInvalidInput, nodes)
	}
	total := perNode.MulFloat(nodes)

	mgmt, err := in.Params.StringOr("management_sku", "")
	if err != nil {
		return cost.Estimate{}, err
	}
	if mgmt != "" {
		fee, err := in.Prices.Lookup(mgmt)
		if err != nil {
			return cost.Estimate{}, err
		}
		total += fee
	}

	return in.wasteShare(total)
}

func storageCost(in CostInput) (cost.Estimate, error) {
	gb, ok := in.Snapshot.SizeAttr(resource.SizeStorageGB)
	if !ok {
		return cost.Estimate{}, insufficient("storage size unknown")
	}
	price, err := in.storagePrice(true)
	if err != nil {
		return cost.Estimate{}, err
	}
	monthly, err := cost.MonthlyStorageCost(gb, price)
	if err != nil {
		return cost.Estimate{}, err
	}
	return in.wasteShare(monthly)
}

func storageRightsizeCost(in CostInput) (cost.Estimate, error) {
	allocated, err := in.fact("allocated_gb")
	if err != nil {
		return cost.Estimate{}, err
	}
	recommended, err := in.fact("recommended_gb")
	if err != nil {
		return cost.Estimate{}, err
	}
	price, err := in.storagePrice(false)
	if err != nil {
		return cost.Estimate{}, err
	}

	current, err := cost.MonthlyStorageCost(allocated, price)
	if err != nil {
		return cost.Estimate{}, err
	}
	target, err := cost.MonthlyStorageCost(recommended, price)
	if err != nil {
		return cost.Estimate{}, err
	}
	waste, err := cost.ProportionalWaste(current, target)
	if err != nil {
		return cost.Estimate{}, err
	}

	return cost.Estimate{MonthlyCost: current, MonthlyWaste: waste, Recommended: recommended}, nil
}

func capacityRightsizeCost(in CostInput) (cost.Estimate, error) {
	capacity, err := in.fact("capacity")
	if err != nil {
		return cost.Estimate{}, err
	}
	recommended, err := in.fact("recommended_capacity")
	if err != nil {
		return cost.Estimate{}, err
	}
	unitPrice, err := in.Prices.Lookup(in.Snapshot.SKU)
	if err != nil {
		return cost.Estimate{}, err
	}
	unit, err := in.Params.FloatOr("capacity_unit", 1)
	if err != nil {
		return cost.Estimate{}, err
	}
	if unit <= 0 {
		return cost.Estimate{}, fmt.Errorf("%w: capacity_unit must be positive", ErrInvalidRule)
	}
	if capacity < 0 || recommended < 0 {
		return cost.Estimate{}, fmt.Errorf("%w: negative capacity", cost.ErrInvalidInput)
	}

	current := unitPrice.MulFloat(capacity / unit)
	target := unitPrice.MulFloat(recommended / unit)
	waste, err := cost.ProportionalWaste(current, target)
	if err != nil {
		return cost.Estimate{}, err
	}

	return cost.Estimate{MonthlyCost: current, MonthlyWaste: waste, Recommended: recommended}, nil
}

func computeRightsizeCost(in CostInput) (cost.Estimate, error) {
	capacity, err := in.fact("capacity")
	if err != nil {
		return cost.Estimate{}, err
	}
	recommended, err := in.fact("recommended_capacity")
	if err != nil {
		return cost.Estimate{}, err
	}
	if capacity <= 0 || recommended < 0 {
		return cost.Estimate{}, fmt.Errorf("%w: capacity %v, recommended %v", cost.ErrInvalidInput, capacity, recommended)
	}

	current, err := in.computeMonthly()
	if err != nil {
		return cost.Estimate{}, err
	}
	waste, err := cost.ProportionalWaste(current, current.MulFloat(recommended/capacity))
	if err != nil {
		return cost.Estimate{}, err
	}

	return cost.Estimate{MonthlyCost: current, MonthlyWaste: waste, Recommended: recommended}, nil
}
