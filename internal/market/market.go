// Package market holds market identity, governance parameters and the
// mutable per-market aggregate state the settlement engine maintains.
package market

import (
	"context"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/store"
	"github.com/pkg/errors"
)

var (
	ErrMarketNotFound = errors.New("market: not found")
	ErrAssetNotFound  = errors.New("market: asset not found")
	ErrInvalidParams  = errors.New("market: invalid params")

	ErrInsufficientPoolAmount = errors.New("market: insufficient pool amount")
	ErrInsufficientReserve    = errors.New("market: insufficient reserve for open interest")
)

// Asset is a token with a fixed decimal count.
type Asset struct {
	Symbol   string `json:"symbol" validate:"required"`
	Decimals int    `json:"decimals" validate:"min=0,max=18"`
}

// Market is immutable identity. Created once by configuration.
type Market struct {
	ID         string `json:"id" validate:"required"`
	IndexAsset string `json:"index_asset" validate:"required"`
	LongAsset  string `json:"long_asset" validate:"required"`
	ShortAsset string `json:"short_asset" validate:"required"`
}

// IsCollateral reports whether asset can back positions in this market.
func (m Market) IsCollateral(asset string) bool {
	return asset == m.LongAsset || asset == m.ShortAsset
}

// PoolSide returns which pool bucket holds asset. Single-token markets
// keep everything in the long bucket.
func (m Market) PoolSide(asset string) (isLong bool, ok bool) {
	switch asset {
	case m.LongAsset:
		return true, true
	case m.ShortAsset:
		return false, true
	default:
		return false, false
	}
}

// SingleToken reports whether both sides share one collateral asset.
func (m Market) SingleToken() bool {
	return m.LongAsset == m.ShortAsset
}

// OtherAsset returns the opposite collateral asset for swaps.
func (m Market) OtherAsset(asset string) (string, bool) {
	switch asset {
	case m.LongAsset:
		return m.ShortAsset, m.ShortAsset != asset
	case m.ShortAsset:
		return m.LongAsset, true
	default:
		return "", false
	}
}

// RequiredAssets lists the assets whose prices every market operation needs.
func (m Market) RequiredAssets() []string {
	out := []string{m.IndexAsset}
	for _, a := range []string{m.LongAsset, m.ShortAsset} {
		dup := false
		for _, e := range out {
			if e == a {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

// LoadMarket reads a market record.
func LoadMarket(ctx context.Context, r store.Reader, id string) (Market, error) {
	m, ok, err := store.Load[Market](ctx, r, store.MarketRecordKey(id))
	if err != nil {
		return Market{}, err
	}
	if !ok {
		return Market{}, errors.Wrapf(ErrMarketNotFound, "market %s", id)
	}
	return m, nil
}

// LoadAsset reads an asset record.
func LoadAsset(ctx context.Context, r store.Reader, symbol string) (Asset, error) {
	a, ok, err := store.Load[Asset](ctx, r, store.AssetKey(symbol))
	if err != nil {
		return Asset{}, err
	}
	if !ok {
		return Asset{}, errors.Wrapf(ErrAssetNotFound, "asset %s", symbol)
	}
	if a.Decimals < 0 || a.Decimals > fpmath.MaxTokenDecimals {
		return Asset{}, errors.Wrapf(ErrInvalidParams, "asset %s decimals %d", symbol, a.Decimals)
	}
	return a, nil
}
