package state

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/pricing"
)

// CollateralUsd values a position's collateral at the collateral asset's
// min price, rounded down.
func CollateralUsd(mc *pricing.MarketContext, p *Position) int64 {
	q := mc.Quotes.Must(p.CollateralAsset)
	return fpmath.TokenToUsd(p.CollateralAmount, q.MinPrice, mc.Decimals(p.CollateralAsset), fpmath.RoundDown)
}

// UnrealizedPnlUsd marks the whole position at the price it would close at.
func UnrealizedPnlUsd(mc *pricing.MarketContext, p *Position) int64 {
	price := pricing.SelectPrice(mc.IndexQuote(), p.IsLong, false)
	return fpmath.ComputeUnrealizedPnL(p.SideSign(), price, p.EntryPrice, p.SizeUsd)
}

// PendingFeesUsd is borrowing plus funding owed minus funding claimable
// since the position's last touch, at mc's current accumulators.
func PendingFeesUsd(mc *pricing.MarketContext, p *Position) int64 {
	s := mc.State
	borrow := fpmath.ComputeAccruedFee(s.BorrowingPerSize(p.IsLong), p.BorrowingPerSize, p.SizeUsd, fpmath.RoundUp)
	funding := fpmath.ComputeAccruedFee(s.FundingPaidPerSize(p.IsLong), p.FundingPaidPerSize, p.SizeUsd, fpmath.RoundUp)
	claim := fpmath.ComputeAccruedFee(s.FundingClaimPerSize(p.IsLong), p.FundingClaimPerSize, p.SizeUsd, fpmath.RoundDown)
	return borrow + funding - claim
}

// RemainingCollateralUsd is collateral + unrealized PnL - pending fees -
// closingFeeUsd.
func RemainingCollateralUsd(mc *pricing.MarketContext, p *Position, closingFeeUsd int64) int64 {
	return CollateralUsd(mc, p) + UnrealizedPnlUsd(mc, p) - PendingFeesUsd(mc, p) - closingFeeUsd
}

// MinCollateralUsd returns max(minCollateralUsd, sizeUsd * factor).
func MinCollateralUsd(minCollateralUsd, sizeUsd, factor int64) int64 {
	return fpmath.Max(minCollateralUsd, fpmath.ApplyFactor(sizeUsd, factor, fpmath.RoundUp))
}

// Snapshot is the pricing view of the position.
func (p *Position) Snapshot() pricing.PositionSnapshot {
	return pricing.PositionSnapshot{
		SizeUsd:             p.SizeUsd,
		FundingPaidPerSize:  p.FundingPaidPerSize,
		FundingClaimPerSize: p.FundingClaimPerSize,
		BorrowingPerSize:    p.BorrowingPerSize,
	}
}
