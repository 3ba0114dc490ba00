package cost

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is a fixed-point monetary amount in micro-units (1e-6 of the
// currency unit). Arithmetic on Money never accumulates float drift.
type Money int64

// microsPerUnit is the number of Money units per whole currency unit.
const microsPerUnit = 1_000_000

// FromFloat converts a currency amount to Money, rounding half away from zero.
func FromFloat(v float64) Money {
	return Money(math.Round(v * microsPerUnit))
}

// Float64 returns the amount in whole currency units.
func (m Money) Float64() float64 {
	return float64(m) / microsPerUnit
}

// Cents returns the amount rounded to integer hundredths.
func (m Money) Cents() int64 {
	return int64(math.Round(float64(m) / (microsPerUnit / 100)))
}

// MulFloat scales the amount by f, rounding to the nearest micro-unit.
func (m Money) MulFloat(f float64) Money {
	return Money(math.Round(float64(m) * f))
}

// String renders the amount with two decimals.
func (m Money) String() string {
	return fmt.Sprintf("%.2f", m.Float64())
}

// MarshalJSON renders the amount as a decimal number with 2 to 6 fraction digits.
func (m Money) MarshalJSON() ([]byte, error) {
	s := strconv.FormatFloat(m.Float64(), 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	if i := strings.IndexByte(s, '.'); len(s)-i-1 < 2 {
		s += strings.Repeat("0", 2-(len(s)-i-1))
	}
	return []byte(s), nil
}

// UnmarshalJSON accepts a JSON number.
func (m *Money) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid money amount %q: %w", b, err)
	}
	*m = FromFloat(v)
	return nil
}

// Sum adds amounts.
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}
