package state

import (
	"context"
	"encoding/binary"

	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var ErrOrderNotFound = errors.New("state: order not found")

// OrderType is the closed set of order kinds. Every value needs a handler
// in the engine's dispatch table.
type OrderType int32

const (
	OrderTypeMarketSwap OrderType = iota
	OrderTypeLimitSwap
	OrderTypeMarketIncrease
	OrderTypeLimitIncrease
	OrderTypeMarketDecrease
	OrderTypeLimitDecrease
	OrderTypeStopLossDecrease

	numOrderTypes
)

var orderTypeNames = [...]string{
	OrderTypeMarketSwap:       "MarketSwap",
	OrderTypeLimitSwap:        "LimitSwap",
	OrderTypeMarketIncrease:   "MarketIncrease",
	OrderTypeLimitIncrease:    "LimitIncrease",
	OrderTypeMarketDecrease:   "MarketDecrease",
	OrderTypeLimitDecrease:    "LimitDecrease",
	OrderTypeStopLossDecrease: "StopLossDecrease",
}

// AllOrderTypes lists every order type in declaration order.
func AllOrderTypes() []OrderType {
	out := make([]OrderType, 0, numOrderTypes)
	for t := OrderType(0); t < numOrderTypes; t++ {
		out = append(out, t)
	}
	return out
}

func (t OrderType) Valid() bool {
	return t >= 0 && t < numOrderTypes
}

func (t OrderType) String() string {
	if !t.Valid() {
		return "Unknown"
	}
	return orderTypeNames[t]
}

func (t OrderType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.Errorf("state: invalid order type %d", int32(t))
	}
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	for i, name := range orderTypeNames {
		if name == string(b) {
			*t = OrderType(i)
			return nil
		}
	}
	return errors.Errorf("state: unknown order type %q", string(b))
}

// OrderKind groups order types by the ledger path they take.
type OrderKind int32

const (
	KindSwap OrderKind = iota
	KindIncrease
	KindDecrease
)

func (k OrderKind) String() string {
	switch k {
	case KindSwap:
		return "swap"
	case KindIncrease:
		return "increase"
	case KindDecrease:
		return "decrease"
	default:
		return "unknown"
	}
}

func (t OrderType) Kind() OrderKind {
	switch t {
	case OrderTypeMarketSwap, OrderTypeLimitSwap:
		return KindSwap
	case OrderTypeMarketIncrease, OrderTypeLimitIncrease:
		return KindIncrease
	default:
		return KindDecrease
	}
}

// IsMarket reports whether the order executes at the next available price
// rather than waiting for a trigger.
func (t OrderType) IsMarket() bool {
	switch t {
	case OrderTypeMarketSwap, OrderTypeMarketIncrease, OrderTypeMarketDecrease:
		return true
	}
	return false
}

// HasTriggerPrice reports whether the type executes only once the index
// price crosses TriggerPrice.
func (t OrderType) HasTriggerPrice() bool {
	switch t {
	case OrderTypeLimitIncrease, OrderTypeLimitDecrease, OrderTypeStopLossDecrease:
		return true
	}
	return false
}

// OrderState is the lifecycle state of an order. Executed and Cancelled
// are never stored: reaching them deletes the record.
type OrderState int32

const (
	OrderStatePending OrderState = iota
	OrderStateFrozen
	OrderStateExecuted
	OrderStateCancelled
)

func (s OrderState) String() string {
	switch s {
	case OrderStatePending:
		return "Pending"
	case OrderStateFrozen:
		return "Frozen"
	case OrderStateExecuted:
		return "Executed"
	case OrderStateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s OrderState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderState) UnmarshalText(b []byte) error {
	for _, c := range []OrderState{OrderStatePending, OrderStateFrozen, OrderStateExecuted, OrderStateCancelled} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return errors.Errorf("state: unknown order state %q", string(b))
}

// CanTransitionTo validates order state transitions.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	transitions := map[OrderState][]OrderState{
		OrderStatePending: {
			OrderStateExecuted,
			OrderStateCancelled,
			OrderStateFrozen,
		},
		OrderStateFrozen: {
			OrderStateExecuted,
			OrderStateCancelled,
		},
		OrderStateExecuted: {
			// Terminal state
		},
		OrderStateCancelled: {
			// Terminal state
		},
	}

	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// IsTerminal returns true for Executed and Cancelled.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateExecuted || s == OrderStateCancelled
}

// Order is a pending request awaiting settlement at oracle prices.
//
// CollateralAsset and CollateralDeltaAmount mean:
//   - increase: the asset deposited into escrow and its amount
//   - decrease: the position's collateral asset and the amount to withdraw
//   - swap: the input token and the escrowed input amount
//
// The execution fee is escrowed in CollateralAsset.
type Order struct {
	Key     string         `json:"key"`
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
	Market  string         `json:"market"`
	Type    OrderType      `json:"type"`
	IsLong  bool           `json:"is_long"`

	CollateralAsset       string `json:"collateral_asset"`
	CollateralDeltaAmount int64  `json:"collateral_delta_amount"`
	SizeDeltaUsd          int64  `json:"size_delta_usd"`
	AcceptablePrice       int64  `json:"acceptable_price"`
	TriggerPrice          int64  `json:"trigger_price"`
	MinOutputAmount       int64  `json:"min_output_amount"`
	ExecutionFee          int64  `json:"execution_fee"`

	State        OrderState `json:"state"`
	FrozenReason string     `json:"frozen_reason,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Escrowed returns the token amount held for the order: the deposit for
// increases and swaps plus the execution fee.
func (o *Order) Escrowed() int64 {
	if o.Type.Kind() == KindDecrease {
		return o.ExecutionFee
	}
	return o.CollateralDeltaAmount + o.ExecutionFee
}

// PositionKey returns the key of the position an increase or decrease
// order targets.
func (o *Order) PositionKey() string {
	return store.PositionKey(o.Account, o.Market, o.CollateralAsset, o.IsLong)
}

func LoadOrder(ctx context.Context, r store.Reader, key string) (*Order, bool, error) {
	o, ok, err := store.Load[Order](ctx, r, store.OrderRecordKey(key))
	if err != nil || !ok {
		return nil, ok, err
	}
	return &o, true, nil
}

// MustLoadOrder is LoadOrder with ErrOrderNotFound on a miss.
func MustLoadOrder(ctx context.Context, r store.Reader, key string) (*Order, error) {
	o, ok, err := LoadOrder(ctx, r, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrOrderNotFound, "order %s", key)
	}
	return o, nil
}

// SaveOrder writes a non-terminal order and its account index entry.
func SaveOrder(tx *store.Tx, o *Order) error {
	if o.State.IsTerminal() {
		return errors.Errorf("state: order %s is %s and cannot be stored", o.Key, o.State)
	}
	if err := store.Save(tx, store.OrderRecordKey(o.Key), o); err != nil {
		return err
	}
	tx.Put(store.AccountOrdersPrefix(o.Account)+o.Key, []byte(o.Key))
	return nil
}

// DeleteOrder removes an order that reached a terminal state.
func DeleteOrder(tx *store.Tx, o *Order) {
	tx.Delete(store.OrderRecordKey(o.Key))
	tx.Delete(store.AccountOrdersPrefix(o.Account) + o.Key)
}

// NextNonce increments and returns the global order nonce.
func NextNonce(ctx context.Context, tx *store.Tx) (uint64, error) {
	raw, ok, err := tx.Get(ctx, store.KeyOrderNonce)
	if err != nil {
		return 0, err
	}
	var n uint64
	if ok {
		if len(raw) != 8 {
			return 0, errors.Errorf("state: corrupt nonce record (%d bytes)", len(raw))
		}
		n = binary.BigEndian.Uint64(raw)
	}
	n++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	tx.Put(store.KeyOrderNonce, buf[:])
	return n, nil
}
