package pricing

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"github.com/pkg/errors"
)

var (
	ErrAcceptablePriceNotMet = errors.New("pricing: acceptable price not met")
	ErrPriceImpactTooLarge   = errors.New("pricing: price impact exceeds execution price")
)

// IsBuySide reports whether the taker pays the ask: opening or increasing
// a long, or decreasing a short.
func IsBuySide(isLong, isIncrease bool) bool {
	return isLong == isIncrease
}

// SelectPrice applies the worse-price-to-taker rule.
func SelectPrice(q oracle.PriceQuote, isLong, isIncrease bool) int64 {
	if IsBuySide(isLong, isIncrease) {
		return q.MaxPrice
	}
	return q.MinPrice
}

// PositionSnapshot is the part of a position the pricing engine needs.
// A zero value represents a position that does not exist yet.
type PositionSnapshot struct {
	SizeUsd             int64
	FundingPaidPerSize  int64
	FundingClaimPerSize int64
	BorrowingPerSize    int64
}

type ExecutionInput struct {
	IsLong       bool
	IsIncrease   bool
	SizeDeltaUsd int64

	AcceptablePrice     int64
	SkipAcceptablePrice bool // forced closures

	Position PositionSnapshot
}

// ExecutionResult is the full price and fee breakdown for one size change.
// Fees are amounts owed by the trader; FundingClaimUsd and ImpactRebateUsd
// are owed to the trader.
type ExecutionResult struct {
	BasePrice      int64 `json:"base_price"`
	ExecutionPrice int64 `json:"execution_price"`

	PriceImpactUsd  int64 `json:"price_impact_usd"` // signed; negative is a penalty
	ImpactRebateUsd int64 `json:"impact_rebate_usd"`

	PositionFeeUsd  int64 `json:"position_fee_usd"`
	BorrowingFeeUsd int64 `json:"borrowing_fee_usd"`
	FundingFeeUsd   int64 `json:"funding_fee_usd"`
	FundingClaimUsd int64 `json:"funding_claim_usd"`

	// Accumulator values the position snapshots after this touch.
	FundingPaidPerSize  int64 `json:"funding_paid_per_size"`
	FundingClaimPerSize int64 `json:"funding_claim_per_size"`
	BorrowingPerSize    int64 `json:"borrowing_per_size"`
}

// FeesUsd is the total owed by the trader.
func (r ExecutionResult) FeesUsd() int64 {
	return r.PositionFeeUsd + r.BorrowingFeeUsd + r.FundingFeeUsd
}

// CreditsUsd is the total owed to the trader.
func (r ExecutionResult) CreditsUsd() int64 {
	return r.FundingClaimUsd + r.ImpactRebateUsd
}

// ComputeExecution prices a size change against mc. mc.State must already
// be accrued to mc.Now.
func ComputeExecution(mc *MarketContext, in ExecutionInput) (ExecutionResult, error) {
	q := mc.IndexQuote()
	base := SelectPrice(q, in.IsLong, in.IsIncrease)
	res := ExecutionResult{BasePrice: base, ExecutionPrice: base}

	if in.SizeDeltaUsd > 0 {
		oiDelta := in.SizeDeltaUsd
		if !in.IsIncrease {
			oiDelta = -oiDelta
		}
		impact := ComputePriceImpactUsd(mc, in.IsLong, oiDelta)
		res.PriceImpactUsd = impact

		switch {
		case impact < 0:
			adj := fpmath.MulDiv(base, -impact, in.SizeDeltaUsd, fpmath.RoundUp)
			if IsBuySide(in.IsLong, in.IsIncrease) {
				res.ExecutionPrice = base + adj
			} else {
				res.ExecutionPrice = base - adj
			}
			if res.ExecutionPrice <= 0 {
				return res, errors.Wrapf(ErrPriceImpactTooLarge, "impact %s on size %s",
					fpmath.FormatUSD(impact), fpmath.FormatUSD(in.SizeDeltaUsd))
			}
		case impact > 0:
			// Positive impact never improves the price; it is paid from the impact pool.
			res.ImpactRebateUsd = fpmath.Min(impact, mc.State.ImpactPoolUsd)
		}

		feeFactor := mc.Params.PositionFeeFactorNegative
		if impact > 0 {
			feeFactor = mc.Params.PositionFeeFactorPositive
		}
		res.PositionFeeUsd = fpmath.ApplyFactor(in.SizeDeltaUsd, feeFactor, fpmath.RoundUp)
	}

	s := mc.State
	pos := in.Position
	res.FundingPaidPerSize = s.FundingPaidPerSize(in.IsLong)
	res.FundingClaimPerSize = s.FundingClaimPerSize(in.IsLong)
	res.BorrowingPerSize = s.BorrowingPerSize(in.IsLong)
	res.BorrowingFeeUsd = fpmath.ComputeAccruedFee(res.BorrowingPerSize, pos.BorrowingPerSize, pos.SizeUsd, fpmath.RoundUp)
	res.FundingFeeUsd = fpmath.ComputeAccruedFee(res.FundingPaidPerSize, pos.FundingPaidPerSize, pos.SizeUsd, fpmath.RoundUp)
	res.FundingClaimUsd = fpmath.ComputeAccruedFee(res.FundingClaimPerSize, pos.FundingClaimPerSize, pos.SizeUsd, fpmath.RoundDown)

	if !in.SkipAcceptablePrice {
		if err := CheckAcceptablePrice(in.IsLong, in.IsIncrease, res.ExecutionPrice, in.AcceptablePrice); err != nil {
			return res, err
		}
	}
	return res, nil
}

// CheckAcceptablePrice enforces the slippage bound: buy-side execution must
// be at or below acceptable, sell-side at or above.
func CheckAcceptablePrice(isLong, isIncrease bool, executionPrice, acceptablePrice int64) error {
	if IsBuySide(isLong, isIncrease) {
		if executionPrice > acceptablePrice {
			return errors.Wrapf(ErrAcceptablePriceNotMet, "execution %s > acceptable %s",
				fpmath.FormatUSD(executionPrice), fpmath.FormatUSD(acceptablePrice))
		}
		return nil
	}
	if executionPrice < acceptablePrice {
		return errors.Wrapf(ErrAcceptablePriceNotMet, "execution %s < acceptable %s",
			fpmath.FormatUSD(executionPrice), fpmath.FormatUSD(acceptablePrice))
	}
	return nil
}
