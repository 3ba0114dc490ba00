package cost

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownSKU is returned when a SKU has no entry in the price table.
	ErrUnknownSKU = errors.New("unknown sku")

	// ErrInvalidInput is returned when a formula receives a value outside its domain.
	ErrInvalidInput = errors.New("invalid pricing input")
)

// PriceTable maps SKUs to a monthly unit price (per instance-month for
// compute SKUs, per GB-month for storage SKUs). It is immutable once built.
type PriceTable struct {
	version  string
	currency string
	prices   map[string]Money
}

// priceFile is the on-disk shape of a price table.
type priceFile struct {
	Version  string             `yaml:"version"`
	Currency string             `yaml:"currency"`
	Prices   map[string]float64 `yaml:"prices"`
}

// NewPriceTable builds a table from SKU prices in whole currency units.
func NewPriceTable(version string, prices map[string]float64) (*PriceTable, error) {
	t := &PriceTable{
		version:  version,
		currency: "USD",
		prices:   make(map[string]Money, len(prices)),
	}
	for sku, p := range prices {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return nil, fmt.Errorf("%w: price for %s is %v", ErrInvalidInput, sku, p)
		}
		t.prices[sku] = FromFloat(p)
	}
	return t, nil
}

// LoadPriceTable reads a YAML price table from disk.
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price table: %w", err)
	}
	return ParsePriceTable(data)
}

// ParsePriceTable decodes a YAML price table.
func ParsePriceTable(data []byte) (*PriceTable, error) {
	var f priceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse price table: %w", err)
	}
	t, err := NewPriceTable(f.Version, f.Prices)
	if err != nil {
		return nil, err
	}
	if f.Currency != "" {
		t.currency = f.Currency
	}
	return t, nil
}

// Version returns the price list version reference.
func (t *PriceTable) Version() string {
	if t == nil {
		return ""
	}
	return t.version
}

// Currency returns the ISO currency code of all prices.
func (t *PriceTable) Currency() string {
	if t == nil {
		return ""
	}
	return t.currency
}

// Lookup returns the monthly unit price of sku.
func (t *PriceTable) Lookup(sku string) (Money, error) {
	if t == nil {
		return 0, fmt.Errorf("%w: %q (no price table)", ErrUnknownSKU, sku)
	}
	p, ok := t.prices[sku]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSKU, sku)
	}
	return p, nil
}

// SKUs returns all priced SKUs in sorted order.
func (t *PriceTable) SKUs() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.prices))
	for sku := range t.prices {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of priced SKUs.
func (t *PriceTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prices)
}
