package core

import (
	"context"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// CreateOrderParams is a submitter's request. Amounts are in token units
// of CollateralAsset; prices and sizes are USD scale.
type CreateOrderParams struct {
	Account         common.Address  `json:"account" validate:"required"`
	Market          string          `json:"market" validate:"required"`
	Type            state.OrderType `json:"type"`
	IsLong          bool            `json:"is_long"`
	CollateralAsset string          `json:"collateral_asset" validate:"required"`

	CollateralDeltaAmount int64 `json:"collateral_delta_amount" validate:"gte=0"`
	SizeDeltaUsd          int64 `json:"size_delta_usd" validate:"gte=0"`
	AcceptablePrice       int64 `json:"acceptable_price" validate:"gte=0"`
	TriggerPrice          int64 `json:"trigger_price" validate:"gte=0"`
	MinOutputAmount       int64 `json:"min_output_amount" validate:"gte=0"`
	ExecutionFee          int64 `json:"execution_fee" validate:"gte=0"`
}

// UpdateOrderParams edits the price fields and size of a pending limit
// or stop order.
type UpdateOrderParams struct {
	SizeDeltaUsd    int64 `json:"size_delta_usd" validate:"gte=0"`
	AcceptablePrice int64 `json:"acceptable_price" validate:"gte=0"`
	TriggerPrice    int64 `json:"trigger_price" validate:"gte=0"`
	MinOutputAmount int64 `json:"min_output_amount" validate:"gte=0"`
}

func (e *Engine) checkCreate(ctx context.Context, r store.Reader, p CreateOrderParams) error {
	if err := e.validate.Struct(p); err != nil {
		return errors.Wrap(ErrInvalidOrderParams, err.Error())
	}
	if p.Account == (common.Address{}) {
		return errors.Wrap(ErrInvalidOrderParams, "zero account")
	}
	if !p.Type.Valid() {
		return errors.Wrapf(ErrInvalidOrderParams, "order type %d", int32(p.Type))
	}
	m, err := market.LoadMarket(ctx, r, p.Market)
	if err != nil {
		return err
	}
	if !m.IsCollateral(p.CollateralAsset) {
		return errors.Wrapf(ErrInvalidOrderParams, "%s is not collateral in %s", p.CollateralAsset, m.ID)
	}

	switch p.Type.Kind() {
	case state.KindSwap:
		if p.CollateralDeltaAmount <= 0 || p.SizeDeltaUsd != 0 {
			return errors.Wrap(ErrInvalidOrderParams, "swap needs a positive amount in and no size")
		}
		if m.SingleToken() {
			return errors.Wrapf(ErrInvalidOrderParams, "%s has a single collateral token", m.ID)
		}
	case state.KindIncrease:
		if p.SizeDeltaUsd <= 0 {
			return errors.Wrap(ErrInvalidOrderParams, "increase needs a positive size")
		}
	case state.KindDecrease:
		if p.SizeDeltaUsd <= 0 && p.CollateralDeltaAmount <= 0 {
			return errors.Wrap(ErrInvalidOrderParams, "decrease needs a size or a collateral withdrawal")
		}
	}
	if p.Type.HasTriggerPrice() && p.TriggerPrice <= 0 {
		return errors.Wrapf(ErrInvalidOrderParams, "%s needs a trigger price", p.Type)
	}
	return nil
}

// CreateOrder escrows the deposit and execution fee and stores a Pending
// order. It returns the order key.
func (e *Engine) CreateOrder(ctx context.Context, p CreateOrderParams) (string, error) {
	var key string
	err := e.run(ctx, "create_order", "", func(ctx context.Context, tx *store.Tx, out *outcome) error {
		if err := e.checkCreate(ctx, tx, p); err != nil {
			return err
		}
		nonce, err := state.NextNonce(ctx, tx)
		if err != nil {
			return err
		}
		now := e.now().Unix()
		o := &state.Order{
			Key:                   store.OrderKey(p.Account, nonce),
			Account:               p.Account,
			Nonce:                 nonce,
			Market:                p.Market,
			Type:                  p.Type,
			IsLong:                p.IsLong,
			CollateralAsset:       p.CollateralAsset,
			CollateralDeltaAmount: p.CollateralDeltaAmount,
			SizeDeltaUsd:          p.SizeDeltaUsd,
			AcceptablePrice:       p.AcceptablePrice,
			TriggerPrice:          p.TriggerPrice,
			MinOutputAmount:       p.MinOutputAmount,
			ExecutionFee:          p.ExecutionFee,
			State:                 state.OrderStatePending,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := state.SaveOrder(tx, o); err != nil {
			return err
		}

		key = o.Key
		out.market = o.Market
		out.batch.Ref = o.Key
		out.batch.Add(ledger.JournalEscrowDeposit, ledger.Escrow(o.Key, o.CollateralAsset), ledger.External(o.CollateralAsset), o.Escrowed())
		out.emit(&event.OrderCreated{Order: *o})
		return nil
	})
	if err != nil {
		return "", err
	}
	if e.metrics != nil {
		e.metrics.OrdersPending.Inc()
	}
	return key, nil
}

// UpdateOrder edits a pending non-market order. Only the owner may update,
// and the update resets the oracle freshness floor to now.
func (e *Engine) UpdateOrder(ctx context.Context, caller common.Address, key string, p UpdateOrderParams) error {
	return e.run(ctx, "update_order", key, func(ctx context.Context, tx *store.Tx, out *outcome) error {
		if err := e.validate.Struct(p); err != nil {
			return errors.Wrap(ErrInvalidOrderParams, err.Error())
		}
		o, err := state.MustLoadOrder(ctx, tx, key)
		if err != nil {
			return err
		}
		if o.Account != caller {
			return errors.Wrapf(ErrNotOrderOwner, "order %s", key)
		}
		if o.Type.IsMarket() || o.State != state.OrderStatePending {
			return errors.Wrapf(ErrOrderNotUpdatable, "%s order in state %s", o.Type, o.State)
		}
		if o.Type.Kind() == state.KindIncrease && p.SizeDeltaUsd <= 0 {
			return errors.Wrap(ErrInvalidOrderParams, "increase needs a positive size")
		}
		if o.Type.HasTriggerPrice() && p.TriggerPrice <= 0 {
			return errors.Wrapf(ErrInvalidOrderParams, "%s needs a trigger price", o.Type)
		}

		o.SizeDeltaUsd = p.SizeDeltaUsd
		o.AcceptablePrice = p.AcceptablePrice
		o.TriggerPrice = p.TriggerPrice
		o.MinOutputAmount = p.MinOutputAmount
		o.UpdatedAt = e.now().Unix()
		if err := state.SaveOrder(tx, o); err != nil {
			return err
		}
		out.market = o.Market
		out.emit(&event.OrderUpdated{Order: *o})
		return nil
	})
}

// CancelOrder refunds the escrow to the owner and deletes the order. The
// owner may cancel a Pending or Frozen order at any time; anyone else only
// once RequestExpirationSeconds have passed since creation.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, key string) error {
	err := e.run(ctx, "cancel_order", key, func(ctx context.Context, tx *store.Tx, out *outcome) error {
		o, err := state.MustLoadOrder(ctx, tx, key)
		if err != nil {
			return err
		}
		if !o.State.CanTransitionTo(state.OrderStateCancelled) {
			return errors.Wrapf(ErrOrderNotCancellable, "order %s is %s", key, o.State)
		}
		if caller != o.Account {
			params, err := market.LoadParams(ctx, tx, o.Market)
			if err != nil {
				return err
			}
			if age := e.now().Unix() - o.CreatedAt; age < params.RequestExpirationSeconds {
				return errors.Wrapf(ErrOrderNotCancellable, "order %s is %ds old, expires at %ds",
					key, age, params.RequestExpirationSeconds)
			}
		}

		state.DeleteOrder(tx, o)
		refund := o.Escrowed()
		out.market = o.Market
		out.batch.Add(ledger.JournalRefund, ledger.Claimable(o.Account, o.CollateralAsset), ledger.Escrow(o.Key, o.CollateralAsset), refund)
		out.emit(&event.OrderCancelled{
			OrderKey:     o.Key,
			Account:      o.Account,
			Market:       o.Market,
			Type:         o.Type,
			PrevState:    o.State,
			CancelledBy:  caller,
			RefundAsset:  o.CollateralAsset,
			RefundAmount: refund,
		})
		return nil
	})
	if err == nil && e.metrics != nil {
		e.metrics.OrdersPending.Dec()
	}
	return err
}

// Claim releases the whole claimable balance of caller in asset and
// returns the amount.
func (e *Engine) Claim(ctx context.Context, caller common.Address, asset string) (int64, error) {
	var amount int64
	err := e.run(ctx, "claim", caller.Hex(), func(ctx context.Context, tx *store.Tx, out *outcome) error {
		var err error
		amount, err = e.vault.Claim(ctx, tx, out.batch, caller, asset)
		return err
	})
	return amount, err
}
