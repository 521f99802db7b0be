package core

import (
	"context"

	"PerpSettle/internal/event"
	"PerpSettle/internal/guard"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/pricing"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// handler settles one order type against an accrued market context. It
// writes only to tx and appends journals and events to out.
type handler func(ctx context.Context, tx *store.Tx, mc *pricing.MarketContext, o *state.Order, out *outcome) error

func (e *Engine) dispatchTable() map[state.OrderType]handler {
	return map[state.OrderType]handler{
		state.OrderTypeMarketSwap:       e.settleSwap,
		state.OrderTypeLimitSwap:        e.settleSwap,
		state.OrderTypeMarketIncrease:   e.settleIncrease,
		state.OrderTypeLimitIncrease:    e.settleIncrease,
		state.OrderTypeMarketDecrease:   e.settleDecrease,
		state.OrderTypeLimitDecrease:    e.settleDecrease,
		state.OrderTypeStopLossDecrease: e.settleDecrease,
	}
}

// ExecuteOrder settles a Pending order at the attested prices. Oracle
// failures and unmet triggers leave the order untouched; risk failures
// freeze it and are returned after the freeze commits.
func (e *Engine) ExecuteOrder(ctx context.Context, executor common.Address, key string, atts []oracle.Attestation) error {
	return e.run(ctx, "execute_order", key, func(ctx context.Context, tx *store.Tx, out *outcome) error {
		if err := requireRole(ctx, tx, RoleOrderKeeper, executor); err != nil {
			return err
		}
		o, err := state.MustLoadOrder(ctx, tx, key)
		if err != nil {
			return err
		}
		if o.State == state.OrderStateFrozen {
			return errors.Wrapf(ErrOrderFrozen, "order %s: %s", key, o.FrozenReason)
		}
		return e.execute(ctx, tx, executor, o, atts, out)
	})
}

// ExecuteFrozenOrder retries a Frozen order. It needs the frozen order
// keeper role.
func (e *Engine) ExecuteFrozenOrder(ctx context.Context, executor common.Address, key string, atts []oracle.Attestation) error {
	return e.run(ctx, "execute_frozen_order", key, func(ctx context.Context, tx *store.Tx, out *outcome) error {
		if err := requireRole(ctx, tx, RoleFrozenOrderKeeper, executor); err != nil {
			return err
		}
		o, err := state.MustLoadOrder(ctx, tx, key)
		if err != nil {
			return err
		}
		if o.State != state.OrderStateFrozen {
			return errors.Wrapf(ErrOrderNotFrozen, "order %s is %s", key, o.State)
		}
		return e.execute(ctx, tx, executor, o, atts, out)
	})
}

func (e *Engine) execute(ctx context.Context, tx *store.Tx, executor common.Address, o *state.Order, atts []oracle.Attestation, out *outcome) error {
	out.market = o.Market
	mc, err := e.marketContext(ctx, tx, o.Market, atts)
	if err != nil {
		return err
	}
	if err := oracle.RequireNotBefore(mc.Quotes, o.UpdatedAt); err != nil {
		return err
	}
	if err := checkTrigger(mc, o); err != nil {
		return err
	}

	h, ok := e.handlers[o.Type]
	if !ok {
		return errors.Wrapf(ErrInvalidOrderParams, "no handler for %s", o.Type)
	}

	child := tx.Child()
	journals, events := out.mark()
	if err := h(ctx, child, mc, o, out); err != nil {
		child.Discard()
		out.rewind(journals, events)
		if Classify(err) != ClassRisk {
			return err
		}
		return e.freeze(tx, o, err, out)
	}
	if err := child.Merge(); err != nil {
		return err
	}
	mc.State.CheckInvariants(mc.Market.ID)
	if err := market.SaveState(tx, mc.Market.ID, mc.State); err != nil {
		return err
	}

	fromFrozen := o.State == state.OrderStateFrozen
	state.DeleteOrder(tx, o)
	out.batch.Add(ledger.JournalExecutionFee, ledger.Claimable(executor, o.CollateralAsset), ledger.Escrow(o.Key, o.CollateralAsset), o.ExecutionFee)
	out.emit(&event.OrderExecuted{
		OrderKey:     o.Key,
		Account:      o.Account,
		Market:       o.Market,
		Type:         o.Type,
		Executor:     executor,
		ExecutionFee: o.ExecutionFee,
		FromFrozen:   fromFrozen,
	})
	if e.metrics != nil {
		e.metrics.OrdersPending.Dec()
	}
	return nil
}

// freeze keeps the order and its escrow, recording why execution failed.
// Market state is not saved: nothing the failed attempt computed survives.
func (e *Engine) freeze(tx *store.Tx, o *state.Order, cause error, out *outcome) error {
	if o.State != state.OrderStateFrozen && !o.State.CanTransitionTo(state.OrderStateFrozen) {
		guard.Violatef("order %s cannot freeze from %s", o.Key, o.State)
	}
	o.State = state.OrderStateFrozen
	o.FrozenReason = cause.Error()
	o.UpdatedAt = e.now().Unix()
	if err := state.SaveOrder(tx, o); err != nil {
		return err
	}
	out.emit(&event.OrderFrozen{
		OrderKey: o.Key,
		Account:  o.Account,
		Market:   o.Market,
		Type:     o.Type,
		Reason:   o.FrozenReason,
	})
	out.err = cause
	if e.metrics != nil {
		e.metrics.OrdersFrozen.WithLabelValues(o.Market, o.Type.String()).Inc()
	}
	e.logger.Info().Str("order", o.Key).Str("type", o.Type.String()).Err(cause).Msg("order frozen")
	return nil
}

// marketContext validates attestations for every asset the market needs
// and returns an accrued context.
func (e *Engine) marketContext(ctx context.Context, r store.Reader, marketID string, atts []oracle.Attestation) (*pricing.MarketContext, error) {
	m, err := market.LoadMarket(ctx, r, marketID)
	if err != nil {
		return nil, err
	}
	quotes, err := e.oracle.Validate(ctx, r, marketID, atts, m.RequiredAssets())
	if err != nil {
		return nil, err
	}
	mc, err := pricing.LoadMarketContext(ctx, r, marketID, quotes, e.now().Unix())
	if err != nil {
		return nil, err
	}
	pricing.Accrue(mc)
	return mc, nil
}

// checkTrigger compares the side-appropriate index price with the order's
// trigger:
//
//	limit increase   long <= trigger, short >= trigger
//	limit decrease   long >= trigger, short <= trigger
//	stop loss        long <= trigger, short >= trigger
func checkTrigger(mc *pricing.MarketContext, o *state.Order) error {
	if !o.Type.HasTriggerPrice() {
		return nil
	}
	isIncrease := o.Type.Kind() == state.KindIncrease
	price := pricing.SelectPrice(mc.IndexQuote(), o.IsLong, isIncrease)

	var reached bool
	switch o.Type {
	case state.OrderTypeLimitIncrease, state.OrderTypeStopLossDecrease:
		reached = price <= o.TriggerPrice
		if !o.IsLong {
			reached = price >= o.TriggerPrice
		}
	case state.OrderTypeLimitDecrease:
		reached = price >= o.TriggerPrice
		if !o.IsLong {
			reached = price <= o.TriggerPrice
		}
	}
	if !reached {
		return errors.Wrapf(ErrTriggerPriceNotReached, "%s %s: price %s, trigger %s",
			o.Type, side(o.IsLong), fpmath.FormatUSD(price), fpmath.FormatUSD(o.TriggerPrice))
	}
	return nil
}

func (e *Engine) settleIncrease(ctx context.Context, tx *store.Tx, mc *pricing.MarketContext, o *state.Order, out *outcome) error {
	var snap pricing.PositionSnapshot
	existing, ok, err := state.LoadPosition(ctx, tx, o.PositionKey())
	if err != nil {
		return err
	}
	if ok {
		snap = existing.Snapshot()
	}

	exec, err := pricing.ComputeExecution(mc, pricing.ExecutionInput{
		IsLong:          o.IsLong,
		IsIncrease:      true,
		SizeDeltaUsd:    o.SizeDeltaUsd,
		AcceptablePrice: o.AcceptablePrice,
		Position:        snap,
	})
	if err != nil {
		return err
	}
	pos, delta, err := e.ledger.Increase(ctx, tx, mc, state.IncreaseParams{
		Account:           o.Account,
		CollateralAsset:   o.CollateralAsset,
		IsLong:            o.IsLong,
		SizeDeltaUsd:      o.SizeDeltaUsd,
		CollateralDeposit: o.CollateralDeltaAmount,
	}, exec)
	if err != nil {
		return err
	}

	asset := o.CollateralAsset
	posAcct := ledger.PositionAccount(pos.Key, asset)
	out.batch.Add(ledger.JournalCollateralDeposit, posAcct, ledger.Escrow(o.Key, asset), o.CollateralDeltaAmount)
	out.batch.Add(ledger.JournalFeeSettlement, ledger.Pool(o.Market, asset), posAcct,
		delta.CollateralBefore+o.CollateralDeltaAmount-delta.CollateralAfter)
	out.emit(&event.PositionIncreased{
		OrderKey:         o.Key,
		Account:          o.Account,
		Market:           o.Market,
		IsLong:           o.IsLong,
		Delta:            delta,
		SizeUsd:          pos.SizeUsd,
		CollateralAmount: pos.CollateralAmount,
		EntryPrice:       pos.EntryPrice,
	})
	return nil
}

func (e *Engine) settleDecrease(ctx context.Context, tx *store.Tx, mc *pricing.MarketContext, o *state.Order, out *outcome) error {
	pos, ok, err := state.LoadPosition(ctx, tx, o.PositionKey())
	if err != nil {
		return err
	}
	if !ok {
		// closed or liquidated since the order was placed: freeze so the
		// owner can cancel and take the escrow back
		return errors.Wrapf(ErrPositionClosed, "order %s: position %s", o.Key, o.PositionKey())
	}
	size := fpmath.Min(o.SizeDeltaUsd, pos.SizeUsd)
	exec, err := pricing.ComputeExecution(mc, pricing.ExecutionInput{
		IsLong:          o.IsLong,
		IsIncrease:      false,
		SizeDeltaUsd:    size,
		AcceptablePrice: o.AcceptablePrice,
		Position:        pos.Snapshot(),
	})
	if err != nil {
		return err
	}
	delta, payout, err := e.ledger.Decrease(ctx, tx, mc, pos, state.DecreaseParams{
		SizeDeltaUsd:       size,
		CollateralWithdraw: o.CollateralDeltaAmount,
	}, exec)
	if err != nil {
		return err
	}

	settleDecreaseJournals(out.batch, o.Market, pos.Key, delta, payout, common.Address{})
	out.emit(&event.PositionDecreased{
		OrderKey: o.Key,
		Account:  o.Account,
		Market:   o.Market,
		IsLong:   o.IsLong,
		Delta:    delta,
		Payout:   payout,
	})
	return nil
}

func (e *Engine) settleSwap(_ context.Context, _ *store.Tx, mc *pricing.MarketContext, o *state.Order, out *outcome) error {
	res, err := pricing.ComputeSwap(mc, o.CollateralAsset, o.CollateralDeltaAmount, o.MinOutputAmount)
	if err != nil {
		// a limit swap's minimum output is its trigger
		if o.Type == state.OrderTypeLimitSwap && errors.Is(err, pricing.ErrInsufficientSwapOutput) {
			return errors.Wrap(ErrTriggerPriceNotReached, err.Error())
		}
		return err
	}
	if err := pricing.ApplySwap(mc, res); err != nil {
		return err
	}

	out.batch.Add(ledger.JournalSwapIn, ledger.Pool(o.Market, res.TokenIn), ledger.Escrow(o.Key, res.TokenIn), res.AmountIn)
	out.batch.Add(ledger.JournalSwapOut, ledger.Claimable(o.Account, res.TokenOut), ledger.Pool(o.Market, res.TokenOut), res.AmountOut)
	out.emit(&event.SwapExecuted{
		OrderKey: o.Key,
		Account:  o.Account,
		Market:   o.Market,
		Swap:     res,
	})
	return nil
}

// settleDecreaseJournals books the collateral a decrease released: what
// left the position goes to the pool, which pays the owner and, for
// liquidations, the caller.
func settleDecreaseJournals(b *ledger.Batch, marketID, posKey string, delta state.PositionDelta, payout state.Payout, caller common.Address) {
	asset := payout.Asset
	pool := ledger.Pool(marketID, asset)
	b.Add(ledger.JournalPositionSettlement, pool, ledger.PositionAccount(posKey, asset), delta.CollateralBefore-delta.CollateralAfter)
	b.Add(ledger.JournalPayout, ledger.Claimable(payout.Account, asset), pool, payout.Amount)
	if payout.CallerAmount > 0 {
		b.Add(ledger.JournalLiquidationFee, ledger.Claimable(caller, asset), pool, payout.CallerAmount)
	}
}

func side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
