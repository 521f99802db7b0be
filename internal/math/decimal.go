package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseDecimal converts a human decimal string ("1500.25", "0.05") into a
// fixed-point int64 at the config's precision. Excess precision is rejected
// rather than rounded so configuration never changes value silently.
func ParseDecimal(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("math: parse %q: %w", s, err)
	}
	return FromDecimal(d, cfg.DecimalPrecision)
}

// ParseTokenAmount converts a decimal string into token units for an asset.
func ParseTokenAmount(s string, decimals int) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("math: parse %q: %w", s, err)
	}
	return FromDecimal(d, decimals)
}

// FromDecimal shifts d by places and returns the exact integer.
func FromDecimal(d decimal.Decimal, places int) (int64, error) {
	shifted := d.Shift(int32(places))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("math: %s exceeds %d decimal places", d.String(), places)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("math: %s overflows int64 at %d decimal places", d.String(), places)
	}
	return shifted.IntPart(), nil
}

// ToDecimal returns the decimal value of a fixed-point integer.
func ToDecimal(v int64, places int) decimal.Decimal {
	return decimal.New(v, -int32(places))
}

// FormatUSD renders a USD-scale value for display.
func FormatUSD(v int64) string {
	return ToDecimal(v, USDConfig.DecimalPrecision).String()
}

// FormatFactor renders a FactorScale value for display.
func FormatFactor(v int64) string {
	return ToDecimal(v, FactorConfig.DecimalPrecision).String()
}
