package testutil

import (
	"context"
	"crypto/ecdsa"
	"sort"

	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
)

// USD parses a decimal string at USD scale and panics on bad input.
func USD(s string) int64 {
	v, err := fpmath.ParseDecimal(s, fpmath.USDConfig)
	if err != nil {
		panic(err)
	}
	return v
}

// Factor parses a decimal string at FactorScale and panics on bad input.
func Factor(s string) int64 {
	v, err := fpmath.ParseDecimal(s, fpmath.FactorConfig)
	if err != nil {
		panic(err)
	}
	return v
}

// Tokens parses a decimal token amount for the given decimals.
func Tokens(s string, decimals int) int64 {
	v, err := fpmath.ParseTokenAmount(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// MarketFixture is a fully seeded market.
type MarketFixture struct {
	Market market.Market
	Assets []market.Asset
	Params market.Params
	State  market.State
}

// NewMarketFixture returns a fee-free market with reporter 0 authorized.
// USDC has 6 decimals; every other asset has 8.
func NewMarketFixture(id, index, long, short string) MarketFixture {
	assets := map[string]market.Asset{}
	for _, sym := range []string{index, long, short} {
		dec := 8
		if sym == "USDC" {
			dec = 6
		}
		assets[sym] = market.Asset{Symbol: sym, Decimals: dec}
	}
	list := make([]market.Asset, 0, len(assets))
	for _, a := range assets {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })

	params := market.DefaultParams()
	params.Reporters = []common.Address{ReporterAddress(0)}

	return MarketFixture{
		Market: market.Market{ID: id, IndexAsset: index, LongAsset: long, ShortAsset: short},
		Assets: list,
		Params: params,
	}
}

// Decimals returns the fixture decimals for sym.
func (f MarketFixture) Decimals(sym string) int {
	for _, a := range f.Assets {
		if a.Symbol == sym {
			return a.Decimals
		}
	}
	panic("testutil: unknown asset " + sym)
}

// Seed writes the fixture into backend.
func (f MarketFixture) Seed(ctx context.Context, backend store.Backend) error {
	tx := store.Begin(backend)
	for _, a := range f.Assets {
		if err := store.Save(tx, store.AssetKey(a.Symbol), a); err != nil {
			return err
		}
	}
	if err := store.Save(tx, store.MarketRecordKey(f.Market.ID), f.Market); err != nil {
		return err
	}
	if err := market.SaveParams(tx, f.Market.ID, f.Params); err != nil {
		return err
	}
	st := f.State
	if err := market.SaveState(tx, f.Market.ID, &st); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Attest signs one attestation with key.
func Attest(key *ecdsa.PrivateKey, asset string, minPrice, maxPrice, ts int64) oracle.Attestation {
	a := oracle.Attestation{Asset: asset, MinPrice: minPrice, MaxPrice: maxPrice, Timestamp: ts}
	if err := a.Sign(key); err != nil {
		panic(err)
	}
	return a
}

// Prices signs one zero-spread attestation per asset with reporter 0.
func Prices(ts int64, prices map[string]int64) []oracle.Attestation {
	assets := make([]string, 0, len(prices))
	for a := range prices {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	out := make([]oracle.Attestation, 0, len(prices))
	for _, a := range assets {
		out = append(out, Attest(ReporterKey(0), a, prices[a], prices[a], ts))
	}
	return out
}

// Spread signs attestations with distinct min/max per asset using reporter 0.
func Spread(ts int64, prices map[string][2]int64) []oracle.Attestation {
	assets := make([]string, 0, len(prices))
	for a := range prices {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	out := make([]oracle.Attestation, 0, len(prices))
	for _, a := range assets {
		out = append(out, Attest(ReporterKey(0), a, prices[a][0], prices[a][1], ts))
	}
	return out
}
