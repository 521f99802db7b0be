package event

import (
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

// PositionLiquidated is emitted after a forced full close.
type PositionLiquidated struct {
	Account    common.Address        `json:"account"`
	Market     string                `json:"market"`
	IsLong     bool                  `json:"is_long"`
	Liquidator common.Address        `json:"liquidator"`
	Check      risk.LiquidationCheck `json:"check"`
	Delta      state.PositionDelta   `json:"delta"`
	Payout     state.Payout          `json:"payout"`
}

func (e *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }
func (e *PositionLiquidated) MarketID() string     { return e.Market }
func (e *PositionLiquidated) Ref() string          { return e.Delta.PositionKey }

type AdlStateUpdated struct {
	Market          string `json:"market"`
	IsLong          bool   `json:"is_long"`
	Enabled         bool   `json:"enabled"`
	PnlToPoolFactor int64  `json:"pnl_to_pool_factor"`
}

func (e *AdlStateUpdated) EventType() EventType { return EventTypeAdlStateUpdated }
func (e *AdlStateUpdated) MarketID() string     { return e.Market }
func (e *AdlStateUpdated) Ref() string {
	if e.IsLong {
		return e.Market + "/long"
	}
	return e.Market + "/short"
}

type PositionDeleveraged struct {
	Account common.Address `json:"account"`
	Market  string         `json:"market"`
	IsLong  bool           `json:"is_long"`
	Keeper  common.Address `json:"keeper"`
	Result  risk.AdlResult `json:"result"`
}

func (e *PositionDeleveraged) EventType() EventType { return EventTypePositionDeleveraged }
func (e *PositionDeleveraged) MarketID() string     { return e.Market }
func (e *PositionDeleveraged) Ref() string          { return e.Result.PositionKey }
