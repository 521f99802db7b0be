package math

// FundingAccrual is the per-side movement of the funding accumulators over
// one elapsed interval. All values are USD per USD of size at FactorScale.
type FundingAccrual struct {
	LongPaysShort bool
	PaidPerSize   int64 // added to the larger side's paid accumulator
	ClaimPerSize  int64 // added to the smaller side's claim accumulator
}

// ComputeFundingAccrual advances funding for elapsed seconds.
//
// rate/sec = fundingFactor * |L - S| / (L + S); the larger side pays
// rate*elapsed per unit of size, the smaller side receives the same USD total
// spread across its (smaller) open interest. Paid rounds up, claim rounds down.
func ComputeFundingAccrual(
	fundingFactor int64, // FactorScale, per second
	longOpenInterest int64, // USD scale
	shortOpenInterest int64, // USD scale
	elapsedSeconds int64,
) FundingAccrual {
	if elapsedSeconds <= 0 || fundingFactor == 0 {
		return FundingAccrual{}
	}
	if longOpenInterest == shortOpenInterest {
		return FundingAccrual{}
	}
	total := CheckedAdd(longOpenInterest, shortOpenInterest)
	larger, smaller := longOpenInterest, shortOpenInterest
	longPays := true
	if shortOpenInterest > longOpenInterest {
		larger, smaller = shortOpenInterest, longOpenInterest
		longPays = false
	}

	ratePerSecond := MulDiv(fundingFactor, larger-smaller, total, RoundUp)
	paid := MulDiv(ratePerSecond, elapsedSeconds, 1, RoundUp)

	var claim int64
	if smaller > 0 {
		// paid * larger / smaller keeps total USD received == total USD paid
		claim = MulDiv(paid, larger, smaller, RoundDown)
	}

	return FundingAccrual{
		LongPaysShort: longPays,
		PaidPerSize:   paid,
		ClaimPerSize:  claim,
	}
}

// ComputeBorrowingAccrual returns the per-size borrowing accumulator delta:
// borrowingFactor * reservedUsd / poolUsd * elapsed, rounded up.
func ComputeBorrowingAccrual(
	borrowingFactor int64, // FactorScale, per second
	reservedUsd int64,
	poolUsd int64,
	elapsedSeconds int64,
) int64 {
	if elapsedSeconds <= 0 || borrowingFactor == 0 || reservedUsd <= 0 {
		return 0
	}
	if poolUsd <= 0 {
		// Nothing backs the reserve; charge the full factor.
		return MulDiv(borrowingFactor, elapsedSeconds, 1, RoundUp)
	}
	utilization := ToFactor(reservedUsd, poolUsd, RoundUp)
	ratePerSecond := ApplyFactor(borrowingFactor, utilization, RoundUp)
	return MulDiv(ratePerSecond, elapsedSeconds, 1, RoundUp)
}

// ComputeAccruedFee returns (current - entry) * sizeUsd at FactorScale.
func ComputeAccruedFee(current, entry, sizeUsd int64, roundingMode RoundingMode) int64 {
	if current <= entry || sizeUsd == 0 {
		return 0
	}
	return ApplyFactor(sizeUsd, current-entry, roundingMode)
}
