// Package pricing turns validated quotes and market state into execution
// prices, price impact and fees.
package pricing

import (
	"context"

	"PerpSettle/internal/guard"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/store"
	"github.com/pkg/errors"
)

// MarketContext bundles everything one settlement operation reads about a
// market. State is mutated in place and saved by the caller.
type MarketContext struct {
	Market market.Market
	Params market.Params
	State  *market.State
	Assets map[string]market.Asset
	Quotes oracle.Quotes
	Now    int64 // unix seconds
}

// LoadMarketContext reads market identity, params, state and asset decimals.
func LoadMarketContext(ctx context.Context, r store.Reader, marketID string, quotes oracle.Quotes, now int64) (*MarketContext, error) {
	m, err := market.LoadMarket(ctx, r, marketID)
	if err != nil {
		return nil, err
	}
	params, err := market.LoadParams(ctx, r, marketID)
	if err != nil {
		return nil, err
	}
	st, err := market.LoadState(ctx, r, marketID)
	if err != nil {
		return nil, err
	}
	assets := make(map[string]market.Asset, 3)
	for _, sym := range m.RequiredAssets() {
		a, err := market.LoadAsset(ctx, r, sym)
		if err != nil {
			return nil, err
		}
		assets[sym] = a
	}
	return &MarketContext{
		Market: m,
		Params: params,
		State:  &st,
		Assets: assets,
		Quotes: quotes,
		Now:    now,
	}, nil
}

// Decimals returns the decimal count of a market asset.
func (mc *MarketContext) Decimals(asset string) int {
	a, ok := mc.Assets[asset]
	if !ok {
		guard.Violatef("asset %s not loaded for market %s", asset, mc.Market.ID)
	}
	return a.Decimals
}

func (mc *MarketContext) IndexQuote() oracle.PriceQuote {
	return mc.Quotes.Must(mc.Market.IndexAsset)
}

// PoolUsd values the pool backing one side at the minimum price.
func (mc *MarketContext) PoolUsd(isLong bool) int64 {
	asset := mc.Market.ShortAsset
	amount := mc.State.PoolAmountShort
	if isLong || mc.Market.SingleToken() {
		asset = mc.Market.LongAsset
		amount = mc.State.PoolAmountLong
	}
	q := mc.Quotes.Must(asset)
	return fpmath.TokenToUsd(amount, q.MinPrice, mc.Decimals(asset), fpmath.RoundDown)
}

// ReservedUsd is the payout the pool must be able to cover for one side:
// long positions are reserved at the index max price, shorts at open interest.
func (mc *MarketContext) ReservedUsd(isLong bool) int64 {
	if !isLong {
		return mc.State.OpenInterestShort
	}
	q := mc.IndexQuote()
	return fpmath.TokenToUsd(mc.State.OpenInterestInTokensLong, q.MaxPrice, mc.Decimals(mc.Market.IndexAsset), fpmath.RoundUp)
}

// CheckReserve enforces reserved payout <= reserveFactor * pool value for
// one side. It runs after anything that grows reserves or shrinks a pool.
func (mc *MarketContext) CheckReserve(isLong bool) error {
	reserved := mc.ReservedUsd(isLong)
	limit := fpmath.ApplyFactor(mc.PoolUsd(isLong), mc.Params.ReserveFactor(isLong), fpmath.RoundDown)
	if reserved > limit {
		return errors.Wrapf(market.ErrInsufficientReserve, "%s reserved %s > limit %s",
			side(isLong), fpmath.FormatUSD(reserved), fpmath.FormatUSD(limit))
	}
	return nil
}

func side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

// PnlUsd is the aggregate unrealized PnL of one side. maximize prices each
// side at the quote most favorable to traders.
func (mc *MarketContext) PnlUsd(isLong bool, maximize bool) int64 {
	q := mc.IndexQuote()
	dec := mc.Decimals(mc.Market.IndexAsset)
	price := q.MinPrice
	if isLong == maximize {
		price = q.MaxPrice
	}
	value := fpmath.TokenToUsd(mc.State.OpenInterestInTokens(isLong), price, dec, fpmath.RoundDown)
	if isLong {
		return value - mc.State.OpenInterestLong
	}
	return mc.State.OpenInterestShort - value
}

// PnlToPoolFactor returns max(pnl, 0) / poolUsd for one side at FactorScale.
func (mc *MarketContext) PnlToPoolFactor(isLong bool, maximize bool) int64 {
	pnl := mc.PnlUsd(isLong, maximize)
	if pnl <= 0 {
		return 0
	}
	pool := mc.PoolUsd(isLong)
	if pool <= 0 {
		return fpmath.FactorScale * 1_000_000
	}
	return fpmath.ToFactor(pnl, pool, fpmath.RoundUp)
}
