package pricing

import (
	fpmath "PerpSettle/internal/math"
)

// Accrue advances the market's funding and borrowing accumulators to
// mc.Now. The first touch only stamps the time.
func Accrue(mc *MarketContext) {
	s := mc.State
	if s.LastAccruedAt == 0 || mc.Now <= s.LastAccruedAt {
		if mc.Now > s.LastAccruedAt {
			s.LastAccruedAt = mc.Now
		}
		return
	}
	elapsed := mc.Now - s.LastAccruedAt

	f := fpmath.ComputeFundingAccrual(mc.Params.FundingFactor, s.OpenInterestLong, s.OpenInterestShort, elapsed)
	if f.LongPaysShort {
		s.FundingPaidPerSizeLong = fpmath.CheckedAdd(s.FundingPaidPerSizeLong, f.PaidPerSize)
		s.FundingClaimPerSizeShort = fpmath.CheckedAdd(s.FundingClaimPerSizeShort, f.ClaimPerSize)
	} else {
		s.FundingPaidPerSizeShort = fpmath.CheckedAdd(s.FundingPaidPerSizeShort, f.PaidPerSize)
		s.FundingClaimPerSizeLong = fpmath.CheckedAdd(s.FundingClaimPerSizeLong, f.ClaimPerSize)
	}

	longBorrow := fpmath.ComputeBorrowingAccrual(mc.Params.BorrowingFactorLong, mc.ReservedUsd(true), mc.PoolUsd(true), elapsed)
	shortBorrow := fpmath.ComputeBorrowingAccrual(mc.Params.BorrowingFactorShort, mc.ReservedUsd(false), mc.PoolUsd(false), elapsed)
	s.BorrowingPerSizeLong = fpmath.CheckedAdd(s.BorrowingPerSizeLong, longBorrow)
	s.BorrowingPerSizeShort = fpmath.CheckedAdd(s.BorrowingPerSizeShort, shortBorrow)

	s.LastAccruedAt = mc.Now
}
