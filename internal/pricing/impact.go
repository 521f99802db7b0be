package pricing

import (
	fpmath "PerpSettle/internal/math"
)

// ComputePriceImpactUsd returns the signed USD impact of changing one
// side's open interest by oiDelta. Impact is measured on the change in
// |long - short|: shrinking the gap is positive, widening it is negative,
// and a trade that flips the heavier side is split at the balance point.
func ComputePriceImpactUsd(mc *MarketContext, isLong bool, oiDelta int64) int64 {
	p := mc.Params
	long, short := mc.State.OpenInterestLong, mc.State.OpenInterestShort
	nextLong, nextShort := long, short
	if isLong {
		nextLong = fpmath.CheckedAdd(nextLong, oiDelta)
	} else {
		nextShort = fpmath.CheckedAdd(nextShort, oiDelta)
	}

	initialDiff := fpmath.Abs(long - short)
	nextDiff := fpmath.Abs(nextLong - nextShort)

	sameSide := (long >= short) == (nextLong >= nextShort)
	if sameSide {
		if nextDiff < initialDiff {
			positive := fpmath.ApplyExponentFactor(initialDiff, p.ImpactExponentPositive, p.ImpactFactorPositive, fpmath.RoundDown) -
				fpmath.ApplyExponentFactor(nextDiff, p.ImpactExponentPositive, p.ImpactFactorPositive, fpmath.RoundUp)
			return fpmath.Max(positive, 0)
		}
		negative := fpmath.ApplyExponentFactor(nextDiff, p.ImpactExponentNegative, p.ImpactFactorNegative, fpmath.RoundUp) -
			fpmath.ApplyExponentFactor(initialDiff, p.ImpactExponentNegative, p.ImpactFactorNegative, fpmath.RoundDown)
		return -fpmath.Max(negative, 0)
	}

	positive := fpmath.ApplyExponentFactor(initialDiff, p.ImpactExponentPositive, p.ImpactFactorPositive, fpmath.RoundDown)
	negative := fpmath.ApplyExponentFactor(nextDiff, p.ImpactExponentNegative, p.ImpactFactorNegative, fpmath.RoundUp)
	return positive - negative
}
