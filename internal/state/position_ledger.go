package state

import (
	"context"

	"PerpSettle/internal/guard"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/pricing"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrMinCollateralNotMet                   = errors.New("state: min collateral not met")
	ErrMaxOpenInterestExceeded               = errors.New("state: max open interest exceeded")
	ErrInvalidDecreaseAmount                 = errors.New("state: invalid decrease amount")
	ErrWouldLeavePositionUnderCollateralized = errors.New("state: would leave position under-collateralized")
	ErrInvalidCollateralDelta                = errors.New("state: invalid collateral delta")
)

// IncreaseParams describes a size increase. CollateralDeposit tokens have
// already been taken from the account into escrow.
type IncreaseParams struct {
	Account           common.Address
	CollateralAsset   string
	IsLong            bool
	SizeDeltaUsd      int64
	CollateralDeposit int64
}

// DecreaseParams describes a size decrease. Forced closures set
// LiquidationFeeUsd, which is paid to the caller from remaining collateral.
type DecreaseParams struct {
	SizeDeltaUsd       int64
	CollateralWithdraw int64
	LiquidationFeeUsd  int64
}

// PositionDelta summarizes one ledger mutation.
type PositionDelta struct {
	PositionKey       string `json:"position_key"`
	SizeDeltaUsd      int64  `json:"size_delta_usd"`
	SizeDeltaInTokens int64  `json:"size_delta_in_tokens"`
	CollateralBefore  int64  `json:"collateral_before"`
	CollateralAfter   int64  `json:"collateral_after"`
	ExecutionPrice    int64  `json:"execution_price"`
	PriceImpactUsd    int64  `json:"price_impact_usd"`
	ImpactRebateUsd   int64  `json:"impact_rebate_usd"`
	FeesUsd           int64  `json:"fees_usd"`
	CreditsUsd        int64  `json:"credits_usd"`
	RealizedPnlUsd    int64  `json:"realized_pnl_usd"`
	PoolDeltaAmount   int64  `json:"pool_delta_amount"`
	Closed            bool   `json:"closed"`
}

// Payout is what a decrease releases, in the position's collateral asset.
type Payout struct {
	Account common.Address `json:"account"`
	Asset   string         `json:"asset"`
	// Amount goes to the position owner.
	Amount int64 `json:"amount"`
	// CallerAmount is the liquidation fee paid to the caller.
	CallerAmount int64 `json:"caller_amount"`
	// ShortfallAmount is the loss the pool absorbed beyond the collateral.
	ShortfallAmount int64 `json:"shortfall_amount"`
}

// PositionLedger applies increases and decreases to position records and
// the market aggregate in mc.State. Callers persist mc.State.
type PositionLedger struct{}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{}
}

// Increase creates or grows a position.
func (l *PositionLedger) Increase(
	ctx context.Context,
	tx *store.Tx,
	mc *pricing.MarketContext,
	params IncreaseParams,
	exec pricing.ExecutionResult,
) (*Position, PositionDelta, error) {
	if params.SizeDeltaUsd < 0 || params.CollateralDeposit < 0 {
		guard.Violatef("increase with negative deltas (%d, %d)", params.SizeDeltaUsd, params.CollateralDeposit)
	}
	if !mc.Market.IsCollateral(params.CollateralAsset) {
		guard.Violatef("increase with non-collateral asset %s in %s", params.CollateralAsset, mc.Market.ID)
	}

	key := store.PositionKey(params.Account, mc.Market.ID, params.CollateralAsset, params.IsLong)
	pos, ok, err := LoadPosition(ctx, tx, key)
	if err != nil {
		return nil, PositionDelta{}, err
	}
	if !ok {
		pos = &Position{
			Key:             key,
			Account:         params.Account,
			Market:          mc.Market.ID,
			CollateralAsset: params.CollateralAsset,
			IsLong:          params.IsLong,
		}
	}

	before := pos.CollateralAmount
	collateral := fpmath.CheckedAdd(before, params.CollateralDeposit)
	collateral = settleUsd(mc, params.CollateralAsset, collateral, exec.FeesUsd(), exec.CreditsUsd())
	if collateral < 0 {
		return nil, PositionDelta{}, errors.Wrapf(ErrMinCollateralNotMet,
			"collateral does not cover fees of %s", fpmath.FormatUSD(exec.FeesUsd()))
	}

	entryMode := fpmath.RoundDown
	tokenMode := fpmath.RoundUp
	if params.IsLong {
		entryMode = fpmath.RoundUp
		tokenMode = fpmath.RoundDown
	}
	tokensDelta := fpmath.ComputeSizeInTokens(params.SizeDeltaUsd, exec.ExecutionPrice, mc.Decimals(mc.Market.IndexAsset), tokenMode)
	if params.SizeDeltaUsd > 0 {
		pos.EntryPrice = fpmath.ComputeAvgEntryPrice(pos.SizeUsd, pos.EntryPrice, params.SizeDeltaUsd, exec.ExecutionPrice, entryMode)
		pos.IncreasedAt = mc.Now
	}
	pos.SizeUsd = fpmath.CheckedAdd(pos.SizeUsd, params.SizeDeltaUsd)
	pos.SizeInTokens = fpmath.CheckedAdd(pos.SizeInTokens, tokensDelta)
	pos.CollateralAmount = collateral
	pos.FundingPaidPerSize = exec.FundingPaidPerSize
	pos.FundingClaimPerSize = exec.FundingClaimPerSize
	pos.BorrowingPerSize = exec.BorrowingPerSize
	pos.UpdatedAt = mc.Now

	if pos.SizeUsd == 0 {
		return nil, PositionDelta{}, errors.Wrap(ErrMinCollateralNotMet, "position has no size")
	}

	s := mc.State
	s.AddOpenInterest(params.IsLong, params.SizeDeltaUsd, tokensDelta)
	if maxOI := mc.Params.MaxOpenInterest(params.IsLong); s.OpenInterest(params.IsLong) > maxOI {
		return nil, PositionDelta{}, errors.Wrapf(ErrMaxOpenInterestExceeded, "%s > %s",
			fpmath.FormatUSD(s.OpenInterest(params.IsLong)), fpmath.FormatUSD(maxOI))
	}

	required := MinCollateralUsd(mc.Params.MinCollateralUsd, pos.SizeUsd, mc.Params.MinCollateralFactor)
	if got := CollateralUsd(mc, pos); got < required {
		return nil, PositionDelta{}, errors.Wrapf(ErrMinCollateralNotMet, "collateral %s < required %s",
			fpmath.FormatUSD(got), fpmath.FormatUSD(required))
	}

	poolDelta := before + params.CollateralDeposit - collateral
	if err := applyPoolDelta(mc, params.CollateralAsset, poolDelta); err != nil {
		return nil, PositionDelta{}, err
	}
	applyImpactPool(mc, exec)

	if err := mc.CheckReserve(params.IsLong); err != nil {
		return nil, PositionDelta{}, err
	}

	if err := SavePosition(tx, pos); err != nil {
		return nil, PositionDelta{}, err
	}

	return pos, PositionDelta{
		PositionKey:       key,
		SizeDeltaUsd:      params.SizeDeltaUsd,
		SizeDeltaInTokens: tokensDelta,
		CollateralBefore:  before,
		CollateralAfter:   collateral,
		ExecutionPrice:    exec.ExecutionPrice,
		PriceImpactUsd:    exec.PriceImpactUsd,
		ImpactRebateUsd:   exec.ImpactRebateUsd,
		FeesUsd:           exec.FeesUsd(),
		CreditsUsd:        exec.CreditsUsd(),
		PoolDeltaAmount:   poolDelta,
	}, nil
}

// Decrease shrinks or closes pos. Realized losses and fees come out of
// collateral; realized profit and withdrawn collateral are paid out. A
// full close pays out all remaining collateral, floored at zero.
func (l *PositionLedger) Decrease(
	ctx context.Context,
	tx *store.Tx,
	mc *pricing.MarketContext,
	pos *Position,
	params DecreaseParams,
	exec pricing.ExecutionResult,
) (PositionDelta, Payout, error) {
	if params.SizeDeltaUsd < 0 || params.SizeDeltaUsd > pos.SizeUsd {
		return PositionDelta{}, Payout{}, errors.Wrapf(ErrInvalidDecreaseAmount, "size delta %s of %s",
			fpmath.FormatUSD(params.SizeDeltaUsd), fpmath.FormatUSD(pos.SizeUsd))
	}
	if params.SizeDeltaUsd == 0 && params.CollateralWithdraw == 0 {
		return PositionDelta{}, Payout{}, errors.Wrap(ErrInvalidDecreaseAmount, "nothing to decrease")
	}
	if params.CollateralWithdraw < 0 || params.CollateralWithdraw > pos.CollateralAmount {
		return PositionDelta{}, Payout{}, errors.Wrapf(ErrInvalidCollateralDelta, "withdraw %d of %d",
			params.CollateralWithdraw, pos.CollateralAmount)
	}

	closing := params.SizeDeltaUsd == pos.SizeUsd
	pnl := fpmath.ComputeRealizedPnL(pos.SideSign(), exec.ExecutionPrice, pos.EntryPrice, params.SizeDeltaUsd)

	tokensDelta := pos.SizeInTokens
	if !closing {
		tokensDelta = fpmath.MulDiv(pos.SizeInTokens, params.SizeDeltaUsd, pos.SizeUsd, fpmath.RoundDown)
	}

	debit, credit := exec.FeesUsd(), exec.CreditsUsd()
	if pnl < 0 {
		debit += -pnl
	} else {
		credit += pnl
	}

	asset := pos.CollateralAsset
	q := mc.Quotes.Must(asset)
	dec := mc.Decimals(asset)
	before := pos.CollateralAmount
	collateral := before
	var payout int64
	if net := credit - debit; net >= 0 {
		payout = fpmath.UsdToToken(net, q.MaxPrice, dec, fpmath.RoundDown)
	} else {
		collateral -= fpmath.UsdToToken(-net, q.MinPrice, dec, fpmath.RoundUp)
	}
	collateral -= params.CollateralWithdraw
	payout += params.CollateralWithdraw

	var callerFee int64
	if params.LiquidationFeeUsd > 0 && collateral > 0 {
		callerFee = fpmath.Min(fpmath.UsdToToken(params.LiquidationFeeUsd, q.MinPrice, dec, fpmath.RoundDown), collateral)
		collateral -= callerFee
	}

	var shortfall int64
	if closing {
		if collateral > 0 {
			payout += collateral
		} else {
			shortfall = -collateral
		}
		collateral = 0
	} else if collateral < 0 {
		return PositionDelta{}, Payout{}, errors.Wrapf(ErrWouldLeavePositionUnderCollateralized,
			"losses and fees exceed collateral by %d", -collateral)
	}

	poolDelta := before - collateral - payout - callerFee
	if err := applyPoolDelta(mc, asset, poolDelta); err != nil {
		return PositionDelta{}, Payout{}, err
	}
	applyImpactPool(mc, exec)
	mc.State.AddOpenInterest(pos.IsLong, -params.SizeDeltaUsd, -tokensDelta)

	pos.SizeUsd -= params.SizeDeltaUsd
	pos.SizeInTokens -= tokensDelta
	pos.CollateralAmount = collateral
	pos.FundingPaidPerSize = exec.FundingPaidPerSize
	pos.FundingClaimPerSize = exec.FundingClaimPerSize
	pos.BorrowingPerSize = exec.BorrowingPerSize
	pos.DecreasedAt = mc.Now
	pos.UpdatedAt = mc.Now

	if closing {
		DeletePosition(tx, pos)
	} else {
		required := MinCollateralUsd(mc.Params.MinCollateralUsd, pos.SizeUsd, mc.Params.MinCollateralFactor)
		if remaining := RemainingCollateralUsd(mc, pos, 0); remaining < required {
			return PositionDelta{}, Payout{}, errors.Wrapf(ErrWouldLeavePositionUnderCollateralized,
				"remaining %s < required %s", fpmath.FormatUSD(remaining), fpmath.FormatUSD(required))
		}
		if err := SavePosition(tx, pos); err != nil {
			return PositionDelta{}, Payout{}, err
		}
	}

	return PositionDelta{
			PositionKey:       pos.Key,
			SizeDeltaUsd:      params.SizeDeltaUsd,
			SizeDeltaInTokens: tokensDelta,
			CollateralBefore:  before,
			CollateralAfter:   collateral,
			ExecutionPrice:    exec.ExecutionPrice,
			PriceImpactUsd:    exec.PriceImpactUsd,
			ImpactRebateUsd:   exec.ImpactRebateUsd,
			FeesUsd:           exec.FeesUsd(),
			CreditsUsd:        exec.CreditsUsd(),
			RealizedPnlUsd:    pnl,
			PoolDeltaAmount:   poolDelta,
			Closed:            closing,
		}, Payout{
			Account:         pos.Account,
			Asset:           asset,
			Amount:          payout,
			CallerAmount:    callerFee,
			ShortfallAmount: shortfall,
		}, nil
}

// settleUsd applies net fees against collateral: debits round up at the
// min price, credits round down at the max price.
func settleUsd(mc *pricing.MarketContext, asset string, collateral, debitUsd, creditUsd int64) int64 {
	q := mc.Quotes.Must(asset)
	dec := mc.Decimals(asset)
	net := creditUsd - debitUsd
	if net >= 0 {
		return collateral + fpmath.UsdToToken(net, q.MaxPrice, dec, fpmath.RoundDown)
	}
	return collateral - fpmath.UsdToToken(-net, q.MinPrice, dec, fpmath.RoundUp)
}

func applyPoolDelta(mc *pricing.MarketContext, asset string, delta int64) error {
	isLong, _ := mc.Market.PoolSide(asset)
	if next := mc.State.PoolAmount(isLong) + delta; next < 0 {
		return errors.Wrapf(market.ErrInsufficientPoolAmount, "%s pool %d cannot pay %d",
			asset, mc.State.PoolAmount(isLong), -delta)
	}
	mc.State.AddPool(mc.Market, asset, delta)
	return nil
}

// applyImpactPool books negative impact into the impact pool and pays the
// rebate out of it.
func applyImpactPool(mc *pricing.MarketContext, exec pricing.ExecutionResult) {
	if exec.PriceImpactUsd < 0 {
		mc.State.ImpactPoolUsd = fpmath.CheckedAdd(mc.State.ImpactPoolUsd, -exec.PriceImpactUsd)
	}
	mc.State.ImpactPoolUsd -= exec.ImpactRebateUsd
}
