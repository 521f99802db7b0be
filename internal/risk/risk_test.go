package risk_test

import (
	"context"
	"testing"

	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/pricing"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"PerpSettle/internal/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const now = int64(1_700_000_000)

var (
	usd   = testutil.USD
	usdc  = func(s string) int64 { return testutil.Tokens(s, 6) }
	alice = testutil.Account("alice")
	bob   = testutil.Account("bob")
)

type riskEnv struct {
	ctx    context.Context
	tx     *store.Tx
	mc     *pricing.MarketContext
	ledger *state.PositionLedger
	risk   *risk.Manager
}

func newRiskEnv(t *testing.T, dogePrice string, dogePool string, mutate func(*market.Params)) *riskEnv {
	t.Helper()
	ctx := context.Background()
	fx := testutil.NewMarketFixture("DOGE-USD", "DOGE", "DOGE", "USDC")
	fx.State.PoolAmountShort = usdc("100000")
	fx.State.PoolAmountLong = testutil.Tokens(dogePool, 8)
	if mutate != nil {
		mutate(&fx.Params)
	}
	backend := store.NewMemoryBackend()
	require.NoError(t, fx.Seed(ctx, backend))

	tx := store.Begin(backend)
	mc, err := pricing.LoadMarketContext(ctx, tx, "DOGE-USD", quotes(usd(dogePrice)), now)
	require.NoError(t, err)
	ledger := state.NewPositionLedger()
	return &riskEnv{ctx: ctx, tx: tx, mc: mc, ledger: ledger, risk: risk.NewManager(ledger)}
}

func quotes(dogePrice int64) oracle.Quotes {
	return oracle.Quotes{
		"DOGE": {Asset: "DOGE", MinPrice: dogePrice, MaxPrice: dogePrice, Timestamp: now},
		"USDC": {Asset: "USDC", MinPrice: usd("1"), MaxPrice: usd("1"), Timestamp: now},
	}
}

func (e *riskEnv) setPrice(p string) {
	e.mc.Quotes = quotes(usd(p))
}

func (e *riskEnv) open(t *testing.T, account common.Address, isLong bool, size, collateral string) *state.Position {
	t.Helper()
	exec, err := pricing.ComputeExecution(e.mc, pricing.ExecutionInput{
		IsLong: isLong, IsIncrease: true, SizeDeltaUsd: usd(size), SkipAcceptablePrice: true,
	})
	require.NoError(t, err)
	pos, _, err := e.ledger.Increase(e.ctx, e.tx, e.mc, state.IncreaseParams{
		Account: account, CollateralAsset: "USDC", IsLong: isLong,
		SizeDeltaUsd: usd(size), CollateralDeposit: usdc(collateral),
	}, exec)
	require.NoError(t, err)
	return pos
}

// ============================================================================
// Liquidation
// ============================================================================

func TestIsLiquidatable_FlipsExactlyAtThreshold(t *testing.T) {
	e := newRiskEnv(t, "0.10", "1000000", nil)
	pos := e.open(t, alice, true, "1000", "100")

	// threshold = max($1, 1000 * 0.5%) = $5; remaining = 100 + 10000*(p - 0.10)
	e.setPrice("0.0905")
	check := risk.CheckLiquidation(e.mc, pos)
	assert.Equal(t, usd("5"), check.ThresholdUsd)
	assert.Equal(t, usd("5"), check.RemainingCollateralUsd)
	assert.False(t, check.Liquidatable, "remaining == threshold is safe")

	e.setPrice("0.09049999")
	assert.True(t, risk.IsLiquidatable(e.mc, pos))
}

func TestIsLiquidatable_PendingFeesCount(t *testing.T) {
	e := newRiskEnv(t, "0.10", "1000000", nil)
	pos := e.open(t, alice, true, "1000", "100")

	e.setPrice("0.0905")
	require.False(t, risk.IsLiquidatable(e.mc, pos))

	e.mc.State.BorrowingPerSizeLong += testutil.Factor("0.00000001")
	assert.True(t, risk.IsLiquidatable(e.mc, pos))
}

func TestLiquidate_PaysCallerFeeAndResidual(t *testing.T) {
	e := newRiskEnv(t, "0.10", "1000000", func(p *market.Params) {
		p.LiquidationFeeFactor = testutil.Factor("0.001")
	})
	pos := e.open(t, alice, true, "1000", "100")

	e.setPrice("0.09049999")
	delta, payout, err := e.risk.Liquidate(e.ctx, e.tx, e.mc, pos)
	require.NoError(t, err)
	assert.True(t, delta.Closed)
	assert.Equal(t, usdc("1"), payout.CallerAmount)
	// 100 - 95.0001 (rounded up to 95.000100) - 1
	assert.Equal(t, int64(3_999_900), payout.Amount)

	_, ok, err := state.LoadPosition(e.ctx, e.tx, pos.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLiquidate_ShortfallFlooredAtZero(t *testing.T) {
	e := newRiskEnv(t, "0.10", "1000000", func(p *market.Params) {
		p.LiquidationFeeFactor = testutil.Factor("0.001")
	})
	pos := e.open(t, alice, true, "1000", "100")

	e.setPrice("0.05")
	_, payout, err := e.risk.Liquidate(e.ctx, e.tx, e.mc, pos)
	require.NoError(t, err)
	assert.Zero(t, payout.Amount)
	assert.Zero(t, payout.CallerAmount)
	assert.Equal(t, usdc("400"), payout.ShortfallAmount)
}

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	e := newRiskEnv(t, "0.10", "1000000", nil)
	pos := e.open(t, alice, true, "1000", "100")

	_, _, err := e.risk.Liquidate(e.ctx, e.tx, e.mc, pos)
	assert.True(t, errors.Is(err, risk.ErrPositionNotLiquidatable), "got %v", err)
}

// ============================================================================
// ADL
// ============================================================================

func adlParams(p *market.Params) {
	p.ReserveFactorLong = testutil.Factor("2")
}

func TestExecuteAdl_ReducesExposure(t *testing.T) {
	e := newRiskEnv(t, "0.10", "100000", adlParams)
	a := e.open(t, alice, true, "10000", "1000")
	e.open(t, bob, true, "5000", "500")

	e.setPrice("0.20")
	_, err := e.risk.ExecuteAdl(e.ctx, e.tx, e.mc, true, usd("1000"))
	assert.True(t, errors.Is(err, risk.ErrAdlNotEnabled), "gate must be opened first: %v", err)

	st, err := risk.UpdateAdlState(e.ctx, e.tx, e.mc, true)
	require.NoError(t, err)
	require.True(t, st.Enabled)
	assert.Equal(t, testutil.Factor("0.75"), st.PnlToPoolFactor)

	res, err := e.risk.ExecuteAdl(e.ctx, e.tx, e.mc, true, usd("8000"))
	require.NoError(t, err)
	assert.Equal(t, a.Key, res.PositionKey, "equal ratios go to the larger position")
	assert.Equal(t, usdc("8000"), res.Payout.Amount)
	assert.LessOrEqual(t, res.PnlFactorAfter, e.mc.Params.MinPnlFactorAfterAdl)
	assert.False(t, res.StillEnabled)

	after, err := state.MustLoadPosition(e.ctx, e.tx, a.Key)
	require.NoError(t, err)
	assert.Less(t, after.SizeUsd, a.SizeUsd)

	gate, err := market.LoadAdlState(e.ctx, e.tx, "DOGE-USD", true)
	require.NoError(t, err)
	assert.False(t, gate.Enabled)
}

func TestExecuteAdl_RepeatedUntilBelowMin(t *testing.T) {
	e := newRiskEnv(t, "0.10", "100000", adlParams)
	e.open(t, alice, true, "10000", "1000")
	e.open(t, bob, true, "5000", "500")

	e.setPrice("0.20")
	_, err := risk.UpdateAdlState(e.ctx, e.tx, e.mc, true)
	require.NoError(t, err)

	steps := 0
	for {
		res, err := e.risk.ExecuteAdl(e.ctx, e.tx, e.mc, true, usd("1000"))
		if errors.Is(err, risk.ErrAdlNotEnabled) {
			break
		}
		require.NoError(t, err)
		steps++
		require.Less(t, steps, 20)
		assert.Less(t, res.PnlFactorAfter, res.PnlFactorBefore)
	}
	assert.LessOrEqual(t, e.mc.PnlToPoolFactor(true, true), e.mc.Params.MinPnlFactorAfterAdl)
}

func TestExecuteAdl_InvalidSizeDelta(t *testing.T) {
	e := newRiskEnv(t, "0.10", "100000", adlParams)
	e.open(t, alice, true, "10000", "1000")

	e.setPrice("0.20")
	_, err := risk.UpdateAdlState(e.ctx, e.tx, e.mc, true)
	require.NoError(t, err)

	_, err = e.risk.ExecuteAdl(e.ctx, e.tx, e.mc, true, usd("10000.00000001"))
	assert.True(t, errors.Is(err, risk.ErrInvalidSizeDeltaForAdl), "got %v", err)
	_, err = e.risk.ExecuteAdl(e.ctx, e.tx, e.mc, true, 0)
	assert.True(t, errors.Is(err, risk.ErrInvalidSizeDeltaForAdl), "got %v", err)
}

func TestSelectAdlCandidate_HighestProfitRatio(t *testing.T) {
	e := newRiskEnv(t, "0.10", "100000", adlParams)
	e.open(t, alice, true, "10000", "1000")
	e.setPrice("0.08")
	b := e.open(t, bob, true, "5000", "500")

	e.setPrice("0.20")
	got, err := risk.SelectAdlCandidate(e.ctx, e.tx, e.mc, true)
	require.NoError(t, err)
	assert.Equal(t, b.Key, got.Key)
}

func TestSelectAdlCandidate_NoProfit(t *testing.T) {
	e := newRiskEnv(t, "0.10", "100000", adlParams)
	e.open(t, alice, true, "1000", "500")

	e.setPrice("0.09")
	_, err := risk.SelectAdlCandidate(e.ctx, e.tx, e.mc, true)
	assert.True(t, errors.Is(err, risk.ErrNoAdlCandidate), "got %v", err)
}

func TestUpdateAdlState_Hysteresis(t *testing.T) {
	e := newRiskEnv(t, "0.10", "100000", adlParams)
	e.open(t, alice, true, "10000", "1000")

	// pnl 10000 / pool 20000 = 0.5 > 0.45
	e.setPrice("0.20")
	st, err := risk.UpdateAdlState(e.ctx, e.tx, e.mc, true)
	require.NoError(t, err)
	require.True(t, st.Enabled)

	// pnl 8600 / pool 18600 ~ 0.462 is still above min, stays enabled
	e.setPrice("0.186")
	st, err = risk.UpdateAdlState(e.ctx, e.tx, e.mc, true)
	require.NoError(t, err)
	assert.True(t, st.Enabled)

	// pnl 5000 / pool 15000 = 0.33 closes the gate
	e.setPrice("0.15")
	st, err = risk.UpdateAdlState(e.ctx, e.tx, e.mc, true)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
}
