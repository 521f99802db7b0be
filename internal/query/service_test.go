package query_test

import (
	"context"
	"testing"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/query"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"PerpSettle/internal/testutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Unix(1_700_000_000, 0)
	alice  = testutil.Account("alice")
	keeper = testutil.Account("keeper")
)

func usdc(s string) int64 { return testutil.Tokens(s, 6) }

type fixture struct {
	ctx     context.Context
	backend *store.MemoryBackend
	clock   *testutil.Clock
	engine  *core.Engine
	svc     *query.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	fx := testutil.NewMarketFixture("DOGE-USD", "DOGE", "DOGE", "USDC")
	fx.State.PoolAmountShort = usdc("100000")
	fx.State.PoolAmountLong = testutil.Tokens("1000000", 8)

	backend := store.NewMemoryBackend()
	require.NoError(t, fx.Seed(ctx, backend))
	tx := store.Begin(backend)
	require.NoError(t, core.GrantRole(tx, core.RoleOrderKeeper, keeper))
	require.NoError(t, tx.Commit(ctx))

	clock := testutil.NewClock(t0)
	eng := core.NewEngine(backend, core.Options{
		Oracle:  oracle.NewValidator(nil, clock.Now),
		Emitter: event.NewEmitter(nil),
		Now:     clock.Now,
	})
	return &fixture{
		ctx:     ctx,
		backend: backend,
		clock:   clock,
		engine:  eng,
		svc:     query.NewService(backend, eng.Vault(), eng.Tip, nil),
	}
}

func (f *fixture) limitOrder(t *testing.T, trigger string) string {
	t.Helper()
	key, err := f.engine.CreateOrder(f.ctx, core.CreateOrderParams{
		Account:               alice,
		Market:                "DOGE-USD",
		Type:                  state.OrderTypeLimitIncrease,
		IsLong:                true,
		CollateralAsset:       "USDC",
		CollateralDeltaAmount: usdc("100"),
		SizeDeltaUsd:          testutil.USD("1000"),
		AcceptablePrice:       testutil.USD("1000"),
		TriggerPrice:          testutil.USD(trigger),
		ExecutionFee:          usdc("1"),
	})
	require.NoError(t, err)
	return key
}

// ============================================================================
// Test: Orders
// ============================================================================

func TestGetOrder_RendersDecimals(t *testing.T) {
	f := newFixture(t)
	key := f.limitOrder(t, "0.09")

	got, err := f.svc.GetOrder(f.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, "1000", got.Size)
	assert.Equal(t, "100", got.Deposit)
	assert.Equal(t, "0.09", got.Trigger)
	assert.Equal(t, usdc("101"), got.Escrowed)
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetOrder(f.ctx, "missing")
	assert.True(t, errors.Is(err, state.ErrOrderNotFound))
}

func TestListAccountOrders_Paginates(t *testing.T) {
	f := newFixture(t)
	want := map[string]bool{}
	for _, trig := range []string{"0.09", "0.08", "0.07"} {
		want[f.limitOrder(t, trig)] = true
	}

	first, err := f.svc.ListAccountOrders(f.ctx, alice, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, first.Items[1].Key, first.Cursor)
	assert.Less(t, first.Items[0].Key, first.Items[1].Key, "key order")

	second, err := f.svc.ListAccountOrders(f.ctx, alice, first.Cursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)

	seen := map[string]bool{}
	for _, o := range append(first.Items, second.Items...) {
		seen[o.Key] = true
	}
	assert.Equal(t, want, seen)
}

func TestListAccountOrders_LimitIsClamped(t *testing.T) {
	f := newFixture(t)
	f.limitOrder(t, "0.09")

	page, err := f.svc.ListAccountOrders(f.ctx, alice, "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	page, err = f.svc.ListAccountOrders(f.ctx, alice, "", 10_000)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
}

func TestListAccountOrders_EmptyAccount(t *testing.T) {
	f := newFixture(t)
	page, err := f.svc.ListAccountOrders(f.ctx, testutil.Account("nobody"), "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.Cursor)
	assert.False(t, page.HasMore)
}

// ============================================================================
// Test: Positions and market
// ============================================================================

func TestPositionAndMarketViews_AfterExecution(t *testing.T) {
	f := newFixture(t)
	key := f.limitOrder(t, "0.11")
	prices := testutil.Prices(f.clock.Now().Unix(), map[string]int64{
		"DOGE": testutil.USD("0.10"),
		"USDC": testutil.USD("1"),
	})
	require.NoError(t, f.engine.ExecuteOrder(f.ctx, keeper, key, prices))

	posKey := store.PositionKey(alice, "DOGE-USD", "USDC", true)
	pos, err := f.svc.GetPosition(f.ctx, posKey)
	require.NoError(t, err)
	assert.Equal(t, "1000", pos.Size)
	assert.Equal(t, "100", pos.Collateral)
	assert.Equal(t, "0.1", pos.Entry)

	page, err := f.svc.ListAccountPositions(f.ctx, alice, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, posKey, page.Items[0].Key)
	assert.Equal(t, posKey, page.Cursor)

	m, err := f.svc.GetMarket(f.ctx, "DOGE-USD")
	require.NoError(t, err)
	assert.Equal(t, "1000", m.OILong)
	assert.Equal(t, "0", m.OIShort)
	assert.Equal(t, "100000", m.PoolShort)
	assert.Equal(t, "1000000", m.PoolLong)
	seq, _ := f.engine.Tip()
	assert.Equal(t, seq, m.AsOfSequence)
	assert.Positive(t, m.AsOfSequence)

	fee, err := f.svc.GetClaimable(f.ctx, keeper, "USDC")
	require.NoError(t, err)
	assert.Equal(t, usdc("1"), fee.Amount)
	assert.Equal(t, "1", fee.Display)
}

func TestGetMarket_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetMarket(f.ctx, "BTC-USD")
	assert.True(t, errors.Is(err, market.ErrMarketNotFound))
}

func TestGetAdlState_DefaultsDisabled(t *testing.T) {
	f := newFixture(t)
	st, err := f.svc.GetAdlState(f.ctx, "DOGE-USD", true)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, "0", st.PnlToPoolFactor)
}

func TestHistory_RequiresDatabase(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetJournalHistory(f.ctx, "x", 10, 0)
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)
	_, err = f.svc.VerifyIntegrity(f.ctx)
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)
	_, err = f.svc.GetBalances(f.ctx, "x")
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)
	_, err = f.svc.GetTrades(f.ctx, testutil.Account("alice"), 10, 0)
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)
}
