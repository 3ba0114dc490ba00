package cost

import (
	"fmt"
	"math"
)

const (
	// HoursPerMonth is the billing month used by cloud price lists.
	HoursPerMonth = 730.0

	// DaysPerMonth is the accrual month used for already-wasted amounts.
	DaysPerMonth = 30.0
)

// Estimate is the result of a cost model.
type Estimate struct {
	MonthlyCost  Money
	MonthlyWaste Money
	// Recommended is the rightsized quantity, when the model computes one.
	Recommended float64
}

func validQuantity(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %s = %v", ErrInvalidInput, name, v)
	}
	return nil
}

func validMoney(name string, m Money) error {
	if m < 0 {
		return fmt.Errorf("%w: %s = %s", ErrInvalidInput, name, m)
	}
	return nil
}

// MonthlyStorageCost prices sizeGB at pricePerGBMonth.
func MonthlyStorageCost(sizeGB float64, pricePerGBMonth Money) (Money, error) {
	if err := validQuantity("size_gb", sizeGB); err != nil {
		return 0, err
	}
	if err := validMoney("price_per_gb_month", pricePerGBMonth); err != nil {
		return 0, err
	}
	return pricePerGBMonth.MulFloat(sizeGB), nil
}

// MonthlyComputeCost prorates a monthly unit price over hoursActive out of
// hoursPerMonth.
func MonthlyComputeCost(monthlyPrice Money, hoursActive, hoursPerMonth float64) (Money, error) {
	if err := validMoney("monthly_price", monthlyPrice); err != nil {
		return 0, err
	}
	if err := validQuantity("hours_active", hoursActive); err != nil {
		return 0, err
	}
	if math.IsNaN(hoursPerMonth) || hoursPerMonth <= 0 {
		return 0, fmt.Errorf("%w: hours_per_month = %v", ErrInvalidInput, hoursPerMonth)
	}
	if hoursActive > hoursPerMonth {
		return 0, fmt.Errorf("%w: hours_active %v exceeds %v", ErrInvalidInput, hoursActive, hoursPerMonth)
	}
	return monthlyPrice.MulFloat(hoursActive / hoursPerMonth), nil
}

// ProportionalWaste is the share of currentMonthly that recommendedMonthly
// would save. A recommendation costing more than the current state wastes nothing.
func ProportionalWaste(currentMonthly, recommendedMonthly Money) (Money, error) {
	if err := validMoney("current_monthly", currentMonthly); err != nil {
		return 0, err
	}
	if err := validMoney("recommended_monthly", recommendedMonthly); err != nil {
		return 0, err
	}
	if recommendedMonthly >= currentMonthly {
		return 0, nil
	}
	return currentMonthly - recommendedMonthly, nil
}

// AlreadyWasted accrues monthlyWaste over elapsedDays using 30-day months.
func AlreadyWasted(monthlyWaste Money, elapsedDays float64) (Money, error) {
	if err := validMoney("monthly_waste", monthlyWaste); err != nil {
		return 0, err
	}
	if err := validQuantity("elapsed_days", elapsedDays); err != nil {
		return 0, err
	}
	return monthlyWaste.MulFloat(elapsedDays / DaysPerMonth), nil
}

// SavingsPercent returns the waste as a percentage of the current cost.
func SavingsPercent(currentMonthly, monthlyWaste Money) (float64, error) {
	if currentMonthly <= 0 {
		return 0, fmt.Errorf("%w: current_monthly must be positive, got %s", ErrInvalidInput, currentMonthly)
	}
	if err := validMoney("monthly_waste", monthlyWaste); err != nil {
		return 0, err
	}
	return float64(monthlyWaste) / float64(currentMonthly) * 100, nil
}

// RoundUpTo rounds v up to the next multiple of increment. A non-positive
// increment returns v unchanged.
func RoundUpTo(v, increment float64) float64 {
	if increment <= 0 {
		return v
	}
	return math.Ceil(v/increment-1e-9) * increment
}
