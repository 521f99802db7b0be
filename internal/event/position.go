package event

import (
	"PerpSettle/internal/pricing"
	"PerpSettle/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

// PositionIncreased is emitted after an increase order settles.
type PositionIncreased struct {
	OrderKey         string              `json:"order_key"`
	Account          common.Address      `json:"account"`
	Market           string              `json:"market"`
	IsLong           bool                `json:"is_long"`
	Delta            state.PositionDelta `json:"delta"`
	SizeUsd          int64               `json:"size_usd"`
	CollateralAmount int64               `json:"collateral_amount"`
	EntryPrice       int64               `json:"entry_price"`
}

func (e *PositionIncreased) EventType() EventType { return EventTypePositionIncreased }
func (e *PositionIncreased) MarketID() string     { return e.Market }
func (e *PositionIncreased) Ref() string          { return e.Delta.PositionKey }

// PositionDecreased is emitted after a user decrease settles.
type PositionDecreased struct {
	OrderKey string              `json:"order_key"`
	Account  common.Address      `json:"account"`
	Market   string              `json:"market"`
	IsLong   bool                `json:"is_long"`
	Delta    state.PositionDelta `json:"delta"`
	Payout   state.Payout        `json:"payout"`
}

func (e *PositionDecreased) EventType() EventType { return EventTypePositionDecreased }
func (e *PositionDecreased) MarketID() string     { return e.Market }
func (e *PositionDecreased) Ref() string          { return e.Delta.PositionKey }

type SwapExecuted struct {
	OrderKey string             `json:"order_key"`
	Account  common.Address     `json:"account"`
	Market   string             `json:"market"`
	Swap     pricing.SwapResult `json:"swap"`
}

func (e *SwapExecuted) EventType() EventType { return EventTypeSwapExecuted }
func (e *SwapExecuted) MarketID() string     { return e.Market }
func (e *SwapExecuted) Ref() string          { return e.OrderKey }
