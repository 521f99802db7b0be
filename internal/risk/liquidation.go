// Package risk evaluates liquidation eligibility and pool profit exposure
// and force-decreases positions through the position ledger.
package risk

import (
	"context"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/pricing"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/pkg/errors"
)

var ErrPositionNotLiquidatable = errors.New("risk: position not liquidatable")

// Manager runs forced closures. It only ever calls the ledger's Decrease.
type Manager struct {
	ledger *state.PositionLedger
}

func NewManager(ledger *state.PositionLedger) *Manager {
	return &Manager{ledger: ledger}
}

// LiquidationCheck is the result of evaluating one position.
type LiquidationCheck struct {
	RemainingCollateralUsd int64 `json:"remaining_collateral_usd"`
	ThresholdUsd           int64 `json:"threshold_usd"`
	Liquidatable           bool  `json:"liquidatable"`
}

// CheckLiquidation computes remaining collateral (collateral + unrealized
// PnL - pending fees - closing position fee) against
// max(minCollateralUsd, size * minCollateralFactorForLiquidation).
// mc.State must already be accrued.
func CheckLiquidation(mc *pricing.MarketContext, pos *state.Position) LiquidationCheck {
	closingFee := fpmath.ApplyFactor(pos.SizeUsd, mc.Params.PositionFeeFactorNegative, fpmath.RoundUp)
	remaining := state.RemainingCollateralUsd(mc, pos, closingFee)
	threshold := state.MinCollateralUsd(mc.Params.MinCollateralUsd, pos.SizeUsd, mc.Params.MinCollateralFactorForLiquidation)
	return LiquidationCheck{
		RemainingCollateralUsd: remaining,
		ThresholdUsd:           threshold,
		Liquidatable:           remaining < threshold,
	}
}

// IsLiquidatable reports whether remaining collateral is strictly below the
// liquidation threshold.
func IsLiquidatable(mc *pricing.MarketContext, pos *state.Position) bool {
	return CheckLiquidation(mc, pos).Liquidatable
}

// Liquidate force-closes pos at oracle prices. The liquidation fee goes to
// the caller via Payout.CallerAmount; any shortfall is absorbed by the pool.
func (m *Manager) Liquidate(
	ctx context.Context,
	tx *store.Tx,
	mc *pricing.MarketContext,
	pos *state.Position,
) (state.PositionDelta, state.Payout, error) {
	check := CheckLiquidation(mc, pos)
	if !check.Liquidatable {
		return state.PositionDelta{}, state.Payout{}, errors.Wrapf(ErrPositionNotLiquidatable,
			"remaining %s >= threshold %s",
			fpmath.FormatUSD(check.RemainingCollateralUsd), fpmath.FormatUSD(check.ThresholdUsd))
	}

	exec, err := pricing.ComputeExecution(mc, pricing.ExecutionInput{
		IsLong:              pos.IsLong,
		IsIncrease:          false,
		SizeDeltaUsd:        pos.SizeUsd,
		SkipAcceptablePrice: true,
		Position:            pos.Snapshot(),
	})
	if err != nil {
		return state.PositionDelta{}, state.Payout{}, err
	}

	return m.ledger.Decrease(ctx, tx, mc, pos, state.DecreaseParams{
		SizeDeltaUsd:      pos.SizeUsd,
		LiquidationFeeUsd: fpmath.ApplyFactor(pos.SizeUsd, mc.Params.LiquidationFeeFactor, fpmath.RoundDown),
	}, exec)
}
