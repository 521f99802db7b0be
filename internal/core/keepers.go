package core

import (
	"context"

	"PerpSettle/internal/event"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
)

// Liquidate force-closes an under-collateralized position. Anyone may call
// it; the liquidation fee is credited to caller.
func (e *Engine) Liquidate(ctx context.Context, caller common.Address, positionKey string, atts []oracle.Attestation) error {
	return e.run(ctx, "liquidate", positionKey, func(ctx context.Context, tx *store.Tx, out *outcome) error {
		pos, err := state.MustLoadPosition(ctx, tx, positionKey)
		if err != nil {
			return err
		}
		out.market = pos.Market
		mc, err := e.marketContext(ctx, tx, pos.Market, atts)
		if err != nil {
			return err
		}

		check := risk.CheckLiquidation(mc, pos)
		delta, payout, err := e.risk.Liquidate(ctx, tx, mc, pos)
		if err != nil {
			return err
		}
		mc.State.CheckInvariants(mc.Market.ID)
		if err := market.SaveState(tx, mc.Market.ID, mc.State); err != nil {
			return err
		}

		settleDecreaseJournals(out.batch, pos.Market, pos.Key, delta, payout, caller)
		out.emit(&event.PositionLiquidated{
			Account:    pos.Account,
			Market:     pos.Market,
			IsLong:     pos.IsLong,
			Liquidator: caller,
			Check:      check,
			Delta:      delta,
			Payout:     payout,
		})
		if e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(pos.Market, side(pos.IsLong)).Inc()
		}
		e.logger.Info().
			Str("position", pos.Key).
			Str("liquidator", caller.Hex()).
			Int64("shortfall", payout.ShortfallAmount).
			Msg("position liquidated")
		return nil
	})
}

// UpdateAdlState recomputes one side's PnL-to-pool factor and opens or
// closes its deleveraging gate.
func (e *Engine) UpdateAdlState(ctx context.Context, keeper common.Address, marketID string, isLong bool, atts []oracle.Attestation) (market.AdlState, error) {
	var st market.AdlState
	err := e.run(ctx, "update_adl_state", marketID, func(ctx context.Context, tx *store.Tx, out *outcome) error {
		if err := requireRole(ctx, tx, RoleAdlKeeper, keeper); err != nil {
			return err
		}
		out.market = marketID
		mc, err := e.marketContext(ctx, tx, marketID, atts)
		if err != nil {
			return err
		}
		st, err = risk.UpdateAdlState(ctx, tx, mc, isLong)
		if err != nil {
			return err
		}
		if err := market.SaveState(tx, marketID, mc.State); err != nil {
			return err
		}
		out.emit(&event.AdlStateUpdated{
			Market:          marketID,
			IsLong:          isLong,
			Enabled:         st.Enabled,
			PnlToPoolFactor: st.PnlToPoolFactor,
		})
		return nil
	})
	if err == nil {
		e.setAdlGauge(marketID, isLong, st.Enabled)
	}
	return st, err
}

// ExecuteAdl decreases the most profitable position on an ADL-enabled side
// by sizeDeltaUsd. The owner is paid in full; no execution fee applies.
func (e *Engine) ExecuteAdl(ctx context.Context, keeper common.Address, marketID string, isLong bool, sizeDeltaUsd int64, atts []oracle.Attestation) (risk.AdlResult, error) {
	var res risk.AdlResult
	var account common.Address
	err := e.run(ctx, "execute_adl", marketID, func(ctx context.Context, tx *store.Tx, out *outcome) error {
		if err := requireRole(ctx, tx, RoleAdlKeeper, keeper); err != nil {
			return err
		}
		out.market = marketID
		mc, err := e.marketContext(ctx, tx, marketID, atts)
		if err != nil {
			return err
		}
		res, err = e.risk.ExecuteAdl(ctx, tx, mc, isLong, sizeDeltaUsd)
		if err != nil {
			return err
		}
		mc.State.CheckInvariants(mc.Market.ID)
		if err := market.SaveState(tx, marketID, mc.State); err != nil {
			return err
		}

		account = res.Payout.Account
		settleDecreaseJournals(out.batch, marketID, res.PositionKey, res.Delta, res.Payout, keeper)
		out.emit(&event.PositionDeleveraged{
			Account: account,
			Market:  marketID,
			IsLong:  isLong,
			Keeper:  keeper,
			Result:  res,
		})
		return nil
	})
	if err != nil {
		return risk.AdlResult{}, err
	}
	if e.metrics != nil {
		e.metrics.AdlExecutions.WithLabelValues(marketID, side(isLong)).Inc()
	}
	e.setAdlGauge(marketID, isLong, res.StillEnabled)
	e.logger.Info().
		Str("market", marketID).
		Str("side", side(isLong)).
		Str("account", account.Hex()).
		Bool("still_enabled", res.StillEnabled).
		Msg("position deleveraged")
	return res, nil
}

func (e *Engine) setAdlGauge(marketID string, isLong, enabled bool) {
	if e.metrics == nil {
		return
	}
	v := 0.0
	if enabled {
		v = 1
	}
	e.metrics.AdlEnabled.WithLabelValues(marketID, side(isLong)).Set(v)
}
