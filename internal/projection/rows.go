// Package projection maintains read-optimised Postgres tables derived from
// the engine's event stream: per-account ledger balances and a trade
// history of position changes. Projections are eventually consistent and
// can be rebuilt from the event log at any time.
package projection

import (
	"encoding/json"
	"strings"

	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
	"github.com/pkg/errors"
)

// BalanceDelta is a signed change to one ledger account's balance.
type BalanceDelta struct {
	AccountPath string
	Asset       string
	Amount      int64
}

// TradeHistoryEntry is one settled position change.
type TradeHistoryEntry struct {
	Sequence       int64  `json:"sequence"`
	EventType      string `json:"event_type"`
	PositionKey    string `json:"position_key"`
	Account        string `json:"account"`
	Market         string `json:"market"`
	IsLong         bool   `json:"is_long"`
	SizeDeltaUsd   int64  `json:"size_delta_usd"`
	ExecutionPrice int64  `json:"execution_price"`
	FeesUsd        int64  `json:"fees_usd"`
	PriceImpactUsd int64  `json:"price_impact_usd"`
	RealizedPnlUsd int64  `json:"realized_pnl_usd"`
	Closed         bool   `json:"closed"`
	Timestamp      int64  `json:"timestamp"`
}

// Update is everything one envelope contributes to the projections.
type Update struct {
	Sequence int64
	Balances []BalanceDelta
	Trade    *TradeHistoryEntry
}

// Empty reports whether the envelope touches no projection table.
func (u Update) Empty() bool {
	return len(u.Balances) == 0 && u.Trade == nil
}

// UpdateFrom decodes env into projection rows. Envelope types that no
// projection follows yield an empty Update.
func UpdateFrom(env *event.Envelope) (Update, error) {
	u := Update{Sequence: env.Sequence}
	switch env.Type {
	case event.EventTypeTransfer:
		var t event.Transfer
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return u, errors.Wrapf(err, "projection: decode transfer at %d", env.Sequence)
		}
		j := t.Journal
		u.Balances = []BalanceDelta{
			{AccountPath: j.Debit.Path(), Asset: j.Asset, Amount: j.Amount},
			{AccountPath: j.Credit.Path(), Asset: j.Asset, Amount: -j.Amount},
		}

	case event.EventTypePositionIncreased:
		var e event.PositionIncreased
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return u, errors.Wrapf(err, "projection: decode increase at %d", env.Sequence)
		}
		u.Trade = tradeEntry(env, e.Account.Hex(), e.Market, e.IsLong, e.Delta)

	case event.EventTypePositionDecreased:
		var e event.PositionDecreased
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return u, errors.Wrapf(err, "projection: decode decrease at %d", env.Sequence)
		}
		u.Trade = tradeEntry(env, e.Account.Hex(), e.Market, e.IsLong, e.Delta)

	case event.EventTypePositionLiquidated:
		var e event.PositionLiquidated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return u, errors.Wrapf(err, "projection: decode liquidation at %d", env.Sequence)
		}
		u.Trade = tradeEntry(env, e.Account.Hex(), e.Market, e.IsLong, e.Delta)
	}
	return u, nil
}

func tradeEntry(env *event.Envelope, account, market string, isLong bool, d state.PositionDelta) *TradeHistoryEntry {
	return &TradeHistoryEntry{
		Sequence:       env.Sequence,
		EventType:      env.Type.String(),
		PositionKey:    d.PositionKey,
		Account:        strings.ToLower(account),
		Market:         market,
		IsLong:         isLong,
		SizeDeltaUsd:   d.SizeDeltaUsd,
		ExecutionPrice: d.ExecutionPrice,
		FeesUsd:        d.FeesUsd,
		PriceImpactUsd: d.PriceImpactUsd,
		RealizedPnlUsd: d.RealizedPnlUsd,
		Closed:         d.Closed,
		Timestamp:      env.Timestamp,
	}
}
