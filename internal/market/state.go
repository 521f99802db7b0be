package market

import (
	"context"

	"PerpSettle/internal/guard"
	"PerpSettle/internal/store"
)

// State is the mutable aggregate for one market. Accumulators are USD per
// USD of size at FactorScale and never decrease.
type State struct {
	OpenInterestLong          int64 `json:"open_interest_long"`
	OpenInterestShort         int64 `json:"open_interest_short"`
	OpenInterestInTokensLong  int64 `json:"open_interest_in_tokens_long"`
	OpenInterestInTokensShort int64 `json:"open_interest_in_tokens_short"`

	// Token amounts of LongAsset / ShortAsset backing the market.
	PoolAmountLong  int64 `json:"pool_amount_long"`
	PoolAmountShort int64 `json:"pool_amount_short"`
	// Share of the pool earmarked for positive impact rebates.
	ImpactPoolUsd int64 `json:"impact_pool_usd"`

	FundingPaidPerSizeLong   int64 `json:"funding_paid_per_size_long"`
	FundingPaidPerSizeShort  int64 `json:"funding_paid_per_size_short"`
	FundingClaimPerSizeLong  int64 `json:"funding_claim_per_size_long"`
	FundingClaimPerSizeShort int64 `json:"funding_claim_per_size_short"`
	BorrowingPerSizeLong     int64 `json:"borrowing_per_size_long"`
	BorrowingPerSizeShort    int64 `json:"borrowing_per_size_short"`

	LastAccruedAt int64 `json:"last_accrued_at"` // unix seconds
}

func (s *State) OpenInterest(isLong bool) int64 {
	if isLong {
		return s.OpenInterestLong
	}
	return s.OpenInterestShort
}

func (s *State) OpenInterestInTokens(isLong bool) int64 {
	if isLong {
		return s.OpenInterestInTokensLong
	}
	return s.OpenInterestInTokensShort
}

// AddOpenInterest applies signed deltas to one side.
func (s *State) AddOpenInterest(isLong bool, usdDelta, tokenDelta int64) {
	if isLong {
		s.OpenInterestLong += usdDelta
		s.OpenInterestInTokensLong += tokenDelta
	} else {
		s.OpenInterestShort += usdDelta
		s.OpenInterestInTokensShort += tokenDelta
	}
}

func (s *State) PoolAmount(isLongSide bool) int64 {
	if isLongSide {
		return s.PoolAmountLong
	}
	return s.PoolAmountShort
}

// AddPool applies a signed token delta to the pool bucket holding asset.
func (s *State) AddPool(m Market, asset string, delta int64) {
	isLong, ok := m.PoolSide(asset)
	if !ok {
		guard.Violatef("asset %s is not collateral for market %s", asset, m.ID)
	}
	if isLong {
		s.PoolAmountLong += delta
	} else {
		s.PoolAmountShort += delta
	}
}

func (s *State) FundingPaidPerSize(isLong bool) int64 {
	if isLong {
		return s.FundingPaidPerSizeLong
	}
	return s.FundingPaidPerSizeShort
}

func (s *State) FundingClaimPerSize(isLong bool) int64 {
	if isLong {
		return s.FundingClaimPerSizeLong
	}
	return s.FundingClaimPerSizeShort
}

func (s *State) BorrowingPerSize(isLong bool) int64 {
	if isLong {
		return s.BorrowingPerSizeLong
	}
	return s.BorrowingPerSizeShort
}

// CheckInvariants panics on any negative aggregate.
func (s *State) CheckInvariants(marketID string) {
	switch {
	case s.OpenInterestLong < 0, s.OpenInterestShort < 0:
		guard.Violatef("market %s: negative open interest (%d/%d)", marketID, s.OpenInterestLong, s.OpenInterestShort)
	case s.OpenInterestInTokensLong < 0, s.OpenInterestInTokensShort < 0:
		guard.Violatef("market %s: negative open interest in tokens", marketID)
	case s.PoolAmountLong < 0, s.PoolAmountShort < 0:
		guard.Violatef("market %s: negative pool amount (%d/%d)", marketID, s.PoolAmountLong, s.PoolAmountShort)
	case s.ImpactPoolUsd < 0:
		guard.Violatef("market %s: negative impact pool %d", marketID, s.ImpactPoolUsd)
	}
}

// LoadState reads the aggregate state; a missing record is a zero state.
func LoadState(ctx context.Context, r store.Reader, id string) (State, error) {
	s, _, err := store.Load[State](ctx, r, store.MarketStateKey(id))
	return s, err
}

// SaveState writes the aggregate after checking invariants.
func SaveState(tx *store.Tx, id string, s *State) error {
	s.CheckInvariants(id)
	return store.Save(tx, store.MarketStateKey(id), s)
}

// AdlState is the deleveraging gate for one side of a market.
type AdlState struct {
	Enabled         bool  `json:"enabled"`
	PnlToPoolFactor int64 `json:"pnl_to_pool_factor"`
	UpdatedAt       int64 `json:"updated_at"`
}

func LoadAdlState(ctx context.Context, r store.Reader, id string, isLong bool) (AdlState, error) {
	s, _, err := store.Load[AdlState](ctx, r, store.AdlKey(id, isLong))
	return s, err
}

func SaveAdlState(tx *store.Tx, id string, isLong bool, s AdlState) error {
	return store.Save(tx, store.AdlKey(id, isLong), s)
}
