package cost

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFloat_Rounding(t *testing.T) {
	assert.Equal(t, Money(92_400_000), FromFloat(92.40))
	assert.Equal(t, Money(-1_500_000), FromFloat(-1.5))
	assert.Equal(t, "242.80", FromFloat(242.8).String())
}

func TestMoney_SumHasNoDrift(t *testing.T) {
	var total Money
	for i := 0; i < 1000; i++ {
		total += FromFloat(0.1)
	}
	assert.Equal(t, FromFloat(100), total)
	assert.Equal(t, int64(10000), total.Cents())
}

func TestMoney_JSON(t *testing.T) {
	tests := []struct {
		in   Money
		want string
	}{
		{FromFloat(242.8), "242.80"},
		{FromFloat(0), "0.00"},
		{FromFloat(1.234567), "1.234567"},
		{FromFloat(12.5), "12.50"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			b, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))

			var back Money
			require.NoError(t, json.Unmarshal(b, &back))
			assert.Equal(t, tt.in, back)
		})
	}
}

func TestPriceTable_Lookup(t *testing.T) {
	table, err := NewPriceTable("2026-01", map[string]float64{
		"db-n1-standard-2": 92.40,
	})
	require.NoError(t, err)

	p, err := table.Lookup("db-n1-standard-2")
	require.NoError(t, err)
	assert.Equal(t, FromFloat(92.40), p)

	_, err = table.Lookup("db-unknown-x")
	assert.ErrorIs(t, err, ErrUnknownSKU)
	assert.Contains(t, err.Error(), "db-unknown-x")

	var empty *PriceTable
	_, err = empty.Lookup("anything")
	assert.ErrorIs(t, err, ErrUnknownSKU)
}

func TestNewPriceTable_RejectsNegative(t *testing.T) {
	_, err := NewPriceTable("v1", map[string]float64{"bad": -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParsePriceTable(t *testing.T) {
	data := []byte(`
version: "2026-02"
currency: EUR
prices:
  gcp:cloudsql:storage:ssd: 0.17
  db-f1-micro: 7.67
`)
	table, err := ParsePriceTable(data)
	require.NoError(t, err)
	assert.Equal(t, "2026-02", table.Version())
	assert.Equal(t, "EUR", table.Currency())
	assert.Equal(t, []string{"db-f1-micro", "gcp:cloudsql:storage:ssd"}, table.SKUs())
}

func TestMonthlyStorageCost(t *testing.T) {
	c, err := MonthlyStorageCost(200, FromFloat(0.17))
	require.NoError(t, err)
	assert.Equal(t, FromFloat(34), c)

	_, err = MonthlyStorageCost(-1, FromFloat(0.17))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = MonthlyStorageCost(math.NaN(), FromFloat(0.17))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMonthlyComputeCost(t *testing.T) {
	c, err := MonthlyComputeCost(FromFloat(73), 365, HoursPerMonth)
	require.NoError(t, err)
	assert.Equal(t, FromFloat(36.5), c)

	_, err = MonthlyComputeCost(FromFloat(73), 10, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = MonthlyComputeCost(FromFloat(73), 800, HoursPerMonth)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProportionalWaste(t *testing.T) {
	w, err := ProportionalWaste(FromFloat(290), FromFloat(58))
	require.NoError(t, err)
	assert.Equal(t, FromFloat(232), w)

	w, err = ProportionalWaste(FromFloat(10), FromFloat(20))
	require.NoError(t, err)
	assert.Equal(t, Money(0), w)
}

func TestAlreadyWasted(t *testing.T) {
	w, err := AlreadyWasted(FromFloat(90), 15)
	require.NoError(t, err)
	assert.Equal(t, FromFloat(45), w)

	_, err = AlreadyWasted(FromFloat(90), -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAlreadyWasted_Monotonic(t *testing.T) {
	waste := FromFloat(242.80)
	var prev Money
	for days := 0.0; days <= 120; days += 0.5 {
		w, err := AlreadyWasted(waste, days)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, w, prev)
		prev = w
	}
}

func TestSavingsPercent(t *testing.T) {
	p, err := SavingsPercent(FromFloat(290), FromFloat(232))
	require.NoError(t, err)
	assert.InDelta(t, 80.0, p, 1e-9)

	_, err = SavingsPercent(0, FromFloat(1))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRoundUpTo(t *testing.T) {
	assert.Equal(t, 200.0, RoundUpTo(195, 10))
	assert.Equal(t, 200.0, RoundUpTo(200, 10))
	assert.Equal(t, 7.3, RoundUpTo(7.3, 0))
}
