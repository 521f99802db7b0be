// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// USDConfig is the single global exponent for prices and USD values.
	// Prices are USD per whole token.
	USDConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
	// FactorConfig covers fee factors, rates, exponents and accumulators.
	FactorConfig = DecimalConfig{DecimalPrecision: 12, Scale: 1_000_000_000_000}
)

const (
	USDScale    = int64(100_000_000)
	FactorScale = int64(1_000_000_000_000)

	// MaxTokenDecimals bounds per-asset precision so token amounts fit int64.
	MaxTokenDecimals = 18
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// OverflowError is panicked when a result does not fit the int64 fixed-point
// representation. It is an invariant violation, not a runtime condition.
type OverflowError struct {
	Op string
}

func (e OverflowError) Error() string {
	return fmt.Sprintf("math: overflow in %s", e.Op)
}

// InvariantViolation marks OverflowError as fatal for the concurrency guard.
func (OverflowError) InvariantViolation() {}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using a wide intermediate.
// Callers must release the result with putInt128 when done.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with the given rounding.
// Denominator must be positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	return divideBig(numerator, big.NewInt(denominator), roundingMode, "DivideInt128")
}

func divideBig(numerator, denom *big.Int, roundingMode RoundingMode, op string) int64 {
	if denom.Sign() <= 0 {
		panic(OverflowError{Op: op + ": non-positive denominator"})
	}
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// Euclidean division: remainder >= 0, quotient is the floor for positive denominators.
	quotient.DivMod(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		switch roundingMode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			twice := getInt128()
			twice.Lsh(remainder, 1)
			cmp := twice.Cmp(denom)
			putInt128(twice)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		panic(OverflowError{Op: op})
	}
	return quotient.Int64()
}

// MulDiv returns a * b / denominator with explicit rounding.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) int64 {
	num := MultiplyInt128(a, b)
	defer putInt128(num)
	return divideBig(num, big.NewInt(denominator), roundingMode, "MulDiv")
}

// Pow10 returns 10^n for 0 <= n <= 18.
func Pow10(n int) int64 {
	if n < 0 || n > MaxTokenDecimals {
		panic(OverflowError{Op: fmt.Sprintf("Pow10(%d)", n)})
	}
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// CheckedAdd panics on int64 overflow.
func CheckedAdd(a, b int64) int64 {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		panic(OverflowError{Op: "CheckedAdd"})
	}
	return s
}

// ApplyFactor returns value * factor / FactorScale.
func ApplyFactor(value, factor int64, roundingMode RoundingMode) int64 {
	return MulDiv(value, factor, FactorScale, roundingMode)
}

// ToFactor returns numerator / denominator expressed at FactorScale.
func ToFactor(numerator, denominator int64, roundingMode RoundingMode) int64 {
	if denominator == 0 {
		return 0
	}
	return MulDiv(numerator, FactorScale, denominator, roundingMode)
}

// TokenToUsd converts a token amount (asset decimals) to USD at price.
func TokenToUsd(amount, price int64, decimals int, roundingMode RoundingMode) int64 {
	return MulDiv(amount, price, Pow10(decimals), roundingMode)
}

// UsdToToken converts a USD value to a token amount (asset decimals) at price.
func UsdToToken(usd, price int64, decimals int, roundingMode RoundingMode) int64 {
	if price <= 0 {
		panic(OverflowError{Op: "UsdToToken: non-positive price"})
	}
	return MulDiv(usd, Pow10(decimals), price, roundingMode)
}

// ComputeAvgEntryPrice calculates the size-weighted average entry price:
// (oldSize*oldEntry + deltaSize*execPrice) / (oldSize+deltaSize).
func ComputeAvgEntryPrice(oldSize, oldAvgEntry, deltaSize, execPrice int64, roundingMode RoundingMode) int64 {
	if oldSize == 0 {
		return execPrice
	}

	term1 := MultiplyInt128(oldSize, oldAvgEntry)
	term2 := MultiplyInt128(deltaSize, execPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := divideBig(numerator, big.NewInt(CheckedAdd(oldSize, deltaSize)), roundingMode, "ComputeAvgEntryPrice")

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ComputeRealizedPnL returns sizeDeltaUsd * (execPrice - entryPrice) * sideSign / entryPrice.
// The result is floored so profit rounds down and loss rounds away from the trader.
func ComputeRealizedPnL(sideSign, execPrice, entryPrice, sizeDeltaUsd int64) int64 {
	if sizeDeltaUsd == 0 {
		return 0
	}
	temp := MultiplyInt128(sideSign*(execPrice-entryPrice), sizeDeltaUsd)
	defer putInt128(temp)
	return divideBig(temp, big.NewInt(entryPrice), RoundDown, "ComputeRealizedPnL")
}

// ComputeUnrealizedPnL marks a whole position at price.
func ComputeUnrealizedPnL(sideSign, price, entryPrice, sizeUsd int64) int64 {
	return ComputeRealizedPnL(sideSign, price, entryPrice, sizeUsd)
}

// ComputeSizeInTokens returns sizeUsd / entryPrice in token units.
func ComputeSizeInTokens(sizeUsd, entryPrice int64, decimals int, roundingMode RoundingMode) int64 {
	if sizeUsd == 0 {
		return 0
	}
	return UsdToToken(sizeUsd, entryPrice, decimals, roundingMode)
}

// CompareRatio compares aNum/aDen with bNum/bDen without precision loss.
// Denominators must be positive.
func CompareRatio(aNum, aDen, bNum, bDen int64) int {
	left := MultiplyInt128(aNum, bDen)
	right := MultiplyInt128(bNum, aDen)
	defer putInt128(left)
	defer putInt128(right)
	return left.Cmp(right)
}

// Abs returns |v|.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
