package math

import (
	"github.com/cockroachdb/apd/v3"
)

var powContext = apd.BaseContext.WithPrecision(40)

// ApplyExponentFactor returns factor * value^exponent for a USD value.
// value is USD scale, exponent and factor are FactorScale; the result is USD scale.
// Fractional exponents go through apd so no float rounding enters the ledger.
func ApplyExponentFactor(value, exponent, factor int64, roundingMode RoundingMode) int64 {
	if value <= 0 || factor == 0 {
		return 0
	}

	base := apd.New(value, -int32(USDConfig.DecimalPrecision))
	var powered apd.Decimal
	switch {
	case exponent == FactorScale:
		powered.Set(base)
	case exponent%FactorScale == 0:
		// whole exponents take apd's exact integer-power path
		if _, err := powContext.Pow(&powered, base, apd.New(exponent/FactorScale, 0)); err != nil {
			panic(OverflowError{Op: "ApplyExponentFactor: pow: " + err.Error()})
		}
	default:
		exp := apd.New(exponent, -int32(FactorConfig.DecimalPrecision))
		if _, err := powContext.Pow(&powered, base, exp); err != nil {
			panic(OverflowError{Op: "ApplyExponentFactor: pow: " + err.Error()})
		}
	}

	var out apd.Decimal
	if _, err := powContext.Mul(&out, &powered, apd.New(factor, -int32(FactorConfig.DecimalPrecision))); err != nil {
		panic(OverflowError{Op: "ApplyExponentFactor: mul: " + err.Error()})
	}
	if _, err := powContext.Mul(&out, &out, apd.New(USDScale, 0)); err != nil {
		panic(OverflowError{Op: "ApplyExponentFactor: scale: " + err.Error()})
	}

	var rounded apd.Decimal
	var err error
	switch roundingMode {
	case RoundUp:
		_, err = powContext.Ceil(&rounded, &out)
	case RoundDown:
		_, err = powContext.Floor(&rounded, &out)
	default:
		c := *powContext
		c.Rounding = apd.RoundHalfEven
		_, err = c.RoundToIntegralValue(&rounded, &out)
	}
	if err != nil {
		panic(OverflowError{Op: "ApplyExponentFactor: round: " + err.Error()})
	}

	v, err := rounded.Int64()
	if err != nil {
		panic(OverflowError{Op: "ApplyExponentFactor: " + err.Error()})
	}
	return v
}
