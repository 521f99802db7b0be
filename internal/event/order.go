package event

import (
	"PerpSettle/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

// OrderCreated carries the stored order as created.
type OrderCreated struct {
	Order state.Order `json:"order"`
}

func (e *OrderCreated) EventType() EventType { return EventTypeOrderCreated }
func (e *OrderCreated) MarketID() string     { return e.Order.Market }
func (e *OrderCreated) Ref() string          { return e.Order.Key }

// OrderUpdated carries the order after an owner edit.
type OrderUpdated struct {
	Order state.Order `json:"order"`
}

func (e *OrderUpdated) EventType() EventType { return EventTypeOrderUpdated }
func (e *OrderUpdated) MarketID() string     { return e.Order.Market }
func (e *OrderUpdated) Ref() string          { return e.Order.Key }

type OrderCancelled struct {
	OrderKey     string           `json:"order_key"`
	Account      common.Address   `json:"account"`
	Market       string           `json:"market"`
	Type         state.OrderType  `json:"type"`
	PrevState    state.OrderState `json:"prev_state"`
	CancelledBy  common.Address   `json:"cancelled_by"`
	RefundAsset  string           `json:"refund_asset"`
	RefundAmount int64            `json:"refund_amount"`
}

func (e *OrderCancelled) EventType() EventType { return EventTypeOrderCancelled }
func (e *OrderCancelled) MarketID() string     { return e.Market }
func (e *OrderCancelled) Ref() string          { return e.OrderKey }

type OrderExecuted struct {
	OrderKey     string          `json:"order_key"`
	Account      common.Address  `json:"account"`
	Market       string          `json:"market"`
	Type         state.OrderType `json:"type"`
	Executor     common.Address  `json:"executor"`
	ExecutionFee int64           `json:"execution_fee"`
	FromFrozen   bool            `json:"from_frozen"`
}

func (e *OrderExecuted) EventType() EventType { return EventTypeOrderExecuted }
func (e *OrderExecuted) MarketID() string     { return e.Market }
func (e *OrderExecuted) Ref() string          { return e.OrderKey }

// OrderFrozen records the risk error that stopped execution.
type OrderFrozen struct {
	OrderKey string          `json:"order_key"`
	Account  common.Address  `json:"account"`
	Market   string          `json:"market"`
	Type     state.OrderType `json:"type"`
	Reason   string          `json:"reason"`
}

func (e *OrderFrozen) EventType() EventType { return EventTypeOrderFrozen }
func (e *OrderFrozen) MarketID() string     { return e.Market }
func (e *OrderFrozen) Ref() string          { return e.OrderKey }
