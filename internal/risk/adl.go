package risk

import (
	"context"
	"strings"

	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/pricing"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/pkg/errors"
)

var (
	ErrAdlNotEnabled          = errors.New("risk: adl not enabled")
	ErrInvalidSizeDeltaForAdl = errors.New("risk: invalid size delta for adl")
	ErrNoAdlCandidate         = errors.New("risk: no profitable position to deleverage")
)

// UpdateAdlState recomputes the aggregate PnL-to-pool factor of one side and
// sets the ADL gate. The gate opens above MaxPnlFactorForAdl and only
// closes again at or below MinPnlFactorAfterAdl.
func UpdateAdlState(ctx context.Context, tx *store.Tx, mc *pricing.MarketContext, isLong bool) (market.AdlState, error) {
	st, err := market.LoadAdlState(ctx, tx, mc.Market.ID, isLong)
	if err != nil {
		return market.AdlState{}, err
	}
	factor := mc.PnlToPoolFactor(isLong, true)
	switch {
	case factor > mc.Params.MaxPnlFactorForAdl:
		st.Enabled = true
	case factor <= mc.Params.MinPnlFactorAfterAdl:
		st.Enabled = false
	}
	st.PnlToPoolFactor = factor
	st.UpdatedAt = mc.Now
	if err := market.SaveAdlState(tx, mc.Market.ID, isLong, st); err != nil {
		return market.AdlState{}, err
	}
	return st, nil
}

// AdlResult describes one deleveraging step.
type AdlResult struct {
	PositionKey     string              `json:"position_key"`
	Delta           state.PositionDelta `json:"delta"`
	Payout          state.Payout        `json:"payout"`
	PnlFactorBefore int64               `json:"pnl_factor_before"`
	PnlFactorAfter  int64               `json:"pnl_factor_after"`
	StillEnabled    bool                `json:"still_enabled"`
}

// SelectAdlCandidate returns the position on one side with the highest
// unrealized profit per unit of size. Ties go to the larger position, then
// to the lexicographically smaller key. Positions without profit are never
// selected.
func SelectAdlCandidate(ctx context.Context, r store.Reader, mc *pricing.MarketContext, isLong bool) (*state.Position, error) {
	var best *state.Position
	var bestPnl int64
	err := state.ScanPositions(ctx, r, store.MarketPositionsPrefix(mc.Market.ID), func(p *state.Position) error {
		if p.IsLong != isLong {
			return nil
		}
		pnl := state.UnrealizedPnlUsd(mc, p)
		if pnl <= 0 {
			return nil
		}
		if best == nil || betterAdlCandidate(pnl, p, bestPnl, best) {
			best, bestPnl = p, pnl
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, errors.Wrapf(ErrNoAdlCandidate, "%s %s", mc.Market.ID, sideName(isLong))
	}
	return best, nil
}

func betterAdlCandidate(pnl int64, p *state.Position, bestPnl int64, best *state.Position) bool {
	switch fpmath.CompareRatio(pnl, p.SizeUsd, bestPnl, best.SizeUsd) {
	case 1:
		return true
	case -1:
		return false
	}
	if p.SizeUsd != best.SizeUsd {
		return p.SizeUsd > best.SizeUsd
	}
	return strings.Compare(p.Key, best.Key) < 0
}

// ExecuteAdl decreases the most profitable position on one side by
// sizeDeltaUsd. No execution fee is charged. The gate closes once the
// factor reaches MinPnlFactorAfterAdl.
func (m *Manager) ExecuteAdl(
	ctx context.Context,
	tx *store.Tx,
	mc *pricing.MarketContext,
	isLong bool,
	sizeDeltaUsd int64,
) (AdlResult, error) {
	st, err := market.LoadAdlState(ctx, tx, mc.Market.ID, isLong)
	if err != nil {
		return AdlResult{}, err
	}
	if !st.Enabled {
		return AdlResult{}, errors.Wrapf(ErrAdlNotEnabled, "%s %s", mc.Market.ID, sideName(isLong))
	}

	pos, err := SelectAdlCandidate(ctx, tx, mc, isLong)
	if err != nil {
		return AdlResult{}, err
	}
	if sizeDeltaUsd <= 0 || sizeDeltaUsd > pos.SizeUsd {
		return AdlResult{}, errors.Wrapf(ErrInvalidSizeDeltaForAdl, "size delta %s of %s",
			fpmath.FormatUSD(sizeDeltaUsd), fpmath.FormatUSD(pos.SizeUsd))
	}

	before := mc.PnlToPoolFactor(isLong, true)
	exec, err := pricing.ComputeExecution(mc, pricing.ExecutionInput{
		IsLong:              isLong,
		IsIncrease:          false,
		SizeDeltaUsd:        sizeDeltaUsd,
		SkipAcceptablePrice: true,
		Position:            pos.Snapshot(),
	})
	if err != nil {
		return AdlResult{}, err
	}
	delta, payout, err := m.ledger.Decrease(ctx, tx, mc, pos, state.DecreaseParams{SizeDeltaUsd: sizeDeltaUsd}, exec)
	if err != nil {
		return AdlResult{}, err
	}

	after := mc.PnlToPoolFactor(isLong, true)
	if after <= mc.Params.MinPnlFactorAfterAdl {
		st.Enabled = false
	}
	st.PnlToPoolFactor = after
	st.UpdatedAt = mc.Now
	if err := market.SaveAdlState(tx, mc.Market.ID, isLong, st); err != nil {
		return AdlResult{}, err
	}

	return AdlResult{
		PositionKey:     pos.Key,
		Delta:           delta,
		Payout:          payout,
		PnlFactorBefore: before,
		PnlFactorAfter:  after,
		StillEnabled:    st.Enabled,
	}, nil
}

func sideName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
