package core_test

import (
	"context"
	"testing"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/guard"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"PerpSettle/internal/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Unix(1_700_000_000, 0)
	usd    = testutil.USD
	usdc   = func(s string) int64 { return testutil.Tokens(s, 6) }
	doge   = func(s string) int64 { return testutil.Tokens(s, 8) }
	alice  = testutil.Account("alice")
	bob    = testutil.Account("bob")
	keeper = testutil.Account("keeper")
)

// --- Test helpers ---

type testEnv struct {
	ctx     context.Context
	backend *store.MemoryBackend
	clock   *testutil.Clock
	engine  *core.Engine
	events  <-chan *event.Envelope
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	fx := testutil.NewMarketFixture("DOGE-USD", "DOGE", "DOGE", "USDC")
	fx.State.PoolAmountShort = usdc("100000")
	fx.State.PoolAmountLong = doge("1000000")

	backend := store.NewMemoryBackend()
	require.NoError(t, fx.Seed(ctx, backend))

	tx := store.Begin(backend)
	require.NoError(t, core.GrantRole(tx, core.RoleOrderKeeper, keeper))
	require.NoError(t, core.GrantRole(tx, core.RoleAdlKeeper, keeper))
	require.NoError(t, tx.Commit(ctx))

	clock := testutil.NewClock(t0)
	emitter := event.NewEmitter(nil)
	eng := core.NewEngine(backend, core.Options{
		Oracle:  oracle.NewValidator(nil, clock.Now),
		Emitter: emitter,
		Now:     clock.Now,
	})
	return &testEnv{
		ctx:     ctx,
		backend: backend,
		clock:   clock,
		engine:  eng,
		events:  emitter.Subscribe("test", 1024),
	}
}

func (e *testEnv) prices(doge string) []oracle.Attestation {
	return testutil.Prices(e.clock.Now().Unix(), map[string]int64{
		"DOGE": usd(doge),
		"USDC": usd("1"),
	})
}

func (e *testEnv) create(t *testing.T, p core.CreateOrderParams) string {
	t.Helper()
	if p.Market == "" {
		p.Market = "DOGE-USD"
	}
	if p.CollateralAsset == "" {
		p.CollateralAsset = "USDC"
	}
	key, err := e.engine.CreateOrder(e.ctx, p)
	require.NoError(t, err)
	return key
}

// openLong creates and executes a market increase for account.
func (e *testEnv) openLong(t *testing.T, account common.Address, size, collateral string) string {
	t.Helper()
	key := e.create(t, core.CreateOrderParams{
		Account:               account,
		Type:                  state.OrderTypeMarketIncrease,
		IsLong:                true,
		CollateralDeltaAmount: usdc(collateral),
		SizeDeltaUsd:          usd(size),
		AcceptablePrice:       usd("1000"),
		ExecutionFee:          usdc("1"),
	})
	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10")))
	return store.PositionKey(account, "DOGE-USD", "USDC", true)
}

func (e *testEnv) order(t *testing.T, key string) (*state.Order, bool) {
	t.Helper()
	o, ok, err := state.LoadOrder(e.ctx, e.backend, key)
	require.NoError(t, err)
	return o, ok
}

func (e *testEnv) claimable(t *testing.T, addr common.Address, asset string) int64 {
	t.Helper()
	v, err := e.engine.Vault().Claimable(e.ctx, e.backend, addr, asset)
	require.NoError(t, err)
	return v
}

func (e *testEnv) marketState(t *testing.T) market.State {
	t.Helper()
	st, err := market.LoadState(e.ctx, e.backend, "DOGE-USD")
	require.NoError(t, err)
	return st
}

func (e *testEnv) drain() []*event.Envelope {
	var out []*event.Envelope
	for {
		select {
		case env := <-e.events:
			out = append(out, env)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: Create
// ============================================================================

func TestCreateOrder_RejectsInvalidParams(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		p    core.CreateOrderParams
		want error
	}{
		{"increase without size", core.CreateOrderParams{
			Account: alice, Market: "DOGE-USD", CollateralAsset: "USDC", Type: state.OrderTypeMarketIncrease,
			CollateralDeltaAmount: usdc("10"),
		}, core.ErrInvalidOrderParams},
		{"non-collateral asset", core.CreateOrderParams{
			Account: alice, Market: "DOGE-USD", CollateralAsset: "ETH", Type: state.OrderTypeMarketIncrease,
			SizeDeltaUsd: usd("100"),
		}, core.ErrInvalidOrderParams},
		{"limit without trigger", core.CreateOrderParams{
			Account: alice, Market: "DOGE-USD", CollateralAsset: "USDC", Type: state.OrderTypeLimitIncrease,
			SizeDeltaUsd: usd("100"),
		}, core.ErrInvalidOrderParams},
		{"swap with size", core.CreateOrderParams{
			Account: alice, Market: "DOGE-USD", CollateralAsset: "USDC", Type: state.OrderTypeMarketSwap,
			CollateralDeltaAmount: usdc("10"), SizeDeltaUsd: usd("1"),
		}, core.ErrInvalidOrderParams},
		{"negative fee", core.CreateOrderParams{
			Account: alice, Market: "DOGE-USD", CollateralAsset: "USDC", Type: state.OrderTypeMarketIncrease,
			SizeDeltaUsd: usd("100"), ExecutionFee: -1,
		}, core.ErrInvalidOrderParams},
		{"unknown market", core.CreateOrderParams{
			Account: alice, Market: "BTC-USD", CollateralAsset: "USDC", Type: state.OrderTypeMarketIncrease,
			SizeDeltaUsd: usd("100"),
		}, market.ErrMarketNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.engine.CreateOrder(e.ctx, tt.p)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, core.ClassValidation, core.Classify(err))
		})
	}
	assert.Empty(t, e.drain(), "rejected creates emit nothing")
}

func TestCreateOrder_EscrowsDepositAndFee(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), ExecutionFee: usdc("1"),
	})

	o, ok := e.order(t, key)
	require.True(t, ok)
	assert.Equal(t, state.OrderStatePending, o.State)
	assert.Equal(t, t0.Unix(), o.CreatedAt)
	assert.Equal(t, usdc("101"), o.Escrowed())

	envs := e.drain()
	require.Len(t, envs, 2)
	assert.Equal(t, event.EventTypeOrderCreated, envs[0].Type)
	assert.Equal(t, event.EventTypeTransfer, envs[1].Type)
	assert.Equal(t, key, envs[1].Ref)
}

// ============================================================================
// Test: Execute
// ============================================================================

func TestExecuteOrder_IncreaseOpensPositionAndPaysExecutor(t *testing.T) {
	e := newTestEnv(t)
	posKey := e.openLong(t, alice, "1000", "100")

	pos, err := state.MustLoadPosition(e.ctx, e.backend, posKey)
	require.NoError(t, err)
	assert.Equal(t, usd("1000"), pos.SizeUsd)
	assert.Equal(t, usdc("100"), pos.CollateralAmount)
	assert.Equal(t, usd("0.10"), pos.EntryPrice)
	assert.Equal(t, doge("10000"), pos.SizeInTokens)

	assert.Equal(t, usdc("1"), e.claimable(t, keeper, "USDC"))
	assert.Equal(t, usd("1000"), e.marketState(t).OpenInterestLong)
}

func TestExecuteOrder_SecondExecutionIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
	})
	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10")))
	posKey := store.PositionKey(alice, "DOGE-USD", "USDC", true)
	before := e.marketState(t)
	posBefore, err := state.MustLoadPosition(e.ctx, e.backend, posKey)
	require.NoError(t, err)

	err = e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, state.ErrOrderNotFound), "got %v", err)
	assert.Equal(t, before, e.marketState(t))

	posAfter, err := state.MustLoadPosition(e.ctx, e.backend, posKey)
	require.NoError(t, err)
	assert.Equal(t, posBefore, posAfter)
}

func TestExecuteOrder_RequiresKeeperRole(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
	})

	err := e.engine.ExecuteOrder(e.ctx, bob, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, core.ErrUnauthorized), "got %v", err)
	_, ok := e.order(t, key)
	assert.True(t, ok)
}

func TestExecuteOrder_RiskErrorFreezesOrder(t *testing.T) {
	e := newTestEnv(t)
	// min collateral is max($1, 1% of $1000) = $10
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("5"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
		ExecutionFee: usdc("1"),
	})
	stateBefore := e.marketState(t)
	e.drain()

	err := e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10"))
	require.True(t, errors.Is(err, state.ErrMinCollateralNotMet), "got %v", err)
	assert.Equal(t, core.ClassRisk, core.Classify(err))

	o, ok := e.order(t, key)
	require.True(t, ok)
	assert.Equal(t, state.OrderStateFrozen, o.State)
	assert.Contains(t, o.FrozenReason, "min collateral")

	_, ok, err = state.LoadPosition(e.ctx, e.backend, o.PositionKey())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, stateBefore, e.marketState(t))
	assert.Zero(t, e.claimable(t, keeper, "USDC"), "no fee on a frozen execution")

	envs := e.drain()
	require.Len(t, envs, 1)
	assert.Equal(t, event.EventTypeOrderFrozen, envs[0].Type)

	err = e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, core.ErrOrderFrozen), "got %v", err)
}

func TestExecuteOrder_OracleErrorLeavesOrderUnchanged(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
	})
	orig, _ := e.order(t, key)

	t.Run("stale", func(t *testing.T) {
		stale := e.prices("0.10")
		e.clock.Advance(2 * time.Minute)
		err := e.engine.ExecuteOrder(e.ctx, keeper, key, stale)
		assert.True(t, errors.Is(err, oracle.ErrStaleAttestation), "got %v", err)
		assert.True(t, core.IsRecoverable(err))
	})

	t.Run("missing asset", func(t *testing.T) {
		atts := testutil.Prices(e.clock.Now().Unix(), map[string]int64{"DOGE": usd("0.10")})
		err := e.engine.ExecuteOrder(e.ctx, keeper, key, atts)
		assert.True(t, errors.Is(err, oracle.ErrMissingAttestation), "got %v", err)
	})

	t.Run("predates request", func(t *testing.T) {
		e2 := newTestEnv(t)
		early := e2.prices("0.10")
		e2.clock.Advance(10 * time.Second)
		k := e2.create(t, core.CreateOrderParams{
			Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
			CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
		})
		err := e2.engine.ExecuteOrder(e2.ctx, keeper, k, early)
		assert.True(t, errors.Is(err, oracle.ErrAttestationBeforeRequest), "got %v", err)
	})

	got, ok := e.order(t, key)
	require.True(t, ok)
	assert.Equal(t, orig, got)
}

func TestExecuteOrder_DecreasePaysProfit(t *testing.T) {
	e := newTestEnv(t)
	posKey := e.openLong(t, alice, "1000", "100")

	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketDecrease, IsLong: true,
		SizeDeltaUsd: usd("500"), ExecutionFee: usdc("1"),
	})
	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.12")))

	// 500 * (0.12 - 0.10) / 0.10 = $100 profit
	assert.Equal(t, usdc("100"), e.claimable(t, alice, "USDC"))
	assert.Equal(t, usdc("2"), e.claimable(t, keeper, "USDC"))

	pos, err := state.MustLoadPosition(e.ctx, e.backend, posKey)
	require.NoError(t, err)
	assert.Equal(t, usd("500"), pos.SizeUsd)
	assert.Equal(t, usdc("100"), pos.CollateralAmount)
	assert.Equal(t, usdc("99900"), e.marketState(t).PoolAmountShort)
}

func TestExecuteOrder_MarketSwap(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketSwap, CollateralDeltaAmount: usdc("1000"),
	})
	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10")))

	assert.Equal(t, doge("10000"), e.claimable(t, alice, "DOGE"))
	st := e.marketState(t)
	assert.Equal(t, usdc("101000"), st.PoolAmountShort)
	assert.Equal(t, doge("990000"), st.PoolAmountLong)
}

func TestExecuteOrder_SwapCannotDrainReservedPool(t *testing.T) {
	e := newTestEnv(t)
	// 800,000 DOGE of long open interest reserves $80k of the $100k long pool
	e.openLong(t, alice, "80000", "10000")

	small := e.create(t, core.CreateOrderParams{
		Account: bob, Type: state.OrderTypeMarketSwap, CollateralDeltaAmount: usdc("10000"),
		ExecutionFee: usdc("1"),
	})
	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, small, e.prices("0.10")))
	assert.Equal(t, doge("100000"), e.claimable(t, bob, "DOGE"))

	stateBefore := e.marketState(t)
	big := e.create(t, core.CreateOrderParams{
		Account: bob, Type: state.OrderTypeMarketSwap, CollateralDeltaAmount: usdc("50000"),
		ExecutionFee: usdc("1"),
	})
	err := e.engine.ExecuteOrder(e.ctx, keeper, big, e.prices("0.10"))
	require.True(t, errors.Is(err, market.ErrInsufficientReserve), "got %v", err)
	assert.Equal(t, core.ClassRisk, core.Classify(err))

	o, ok := e.order(t, big)
	require.True(t, ok)
	assert.Equal(t, state.OrderStateFrozen, o.State)
	assert.Equal(t, stateBefore, e.marketState(t))
	assert.Equal(t, doge("100000"), e.claimable(t, bob, "DOGE"))
}

func TestExecuteOrder_DecreaseOfClosedPositionFreezes(t *testing.T) {
	e := newTestEnv(t)
	e.openLong(t, alice, "1000", "100")

	closeAll := func() string {
		return e.create(t, core.CreateOrderParams{
			Account: alice, Type: state.OrderTypeMarketDecrease, IsLong: true,
			SizeDeltaUsd: usd("1000"), ExecutionFee: usdc("1"),
		})
	}
	first, second := closeAll(), closeAll()
	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, first, e.prices("0.10")))

	err := e.engine.ExecuteOrder(e.ctx, keeper, second, e.prices("0.10"))
	require.True(t, errors.Is(err, core.ErrPositionClosed), "got %v", err)
	assert.Equal(t, core.ClassRisk, core.Classify(err))

	o, ok := e.order(t, second)
	require.True(t, ok)
	assert.Equal(t, state.OrderStateFrozen, o.State)

	claimed := e.claimable(t, alice, "USDC")
	require.NoError(t, e.engine.CancelOrder(e.ctx, alice, second))
	assert.Equal(t, claimed+usdc("1"), e.claimable(t, alice, "USDC"), "execution fee refunded")
}

func TestExecuteOrder_LimitSwapBelowMinimumIsRecoverable(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeLimitSwap, CollateralDeltaAmount: usdc("1000"),
		MinOutputAmount: doge("12500"),
	})

	err := e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, core.ErrTriggerPriceNotReached), "got %v", err)
	assert.True(t, core.IsRecoverable(err))
	o, ok := e.order(t, key)
	require.True(t, ok)
	assert.Equal(t, state.OrderStatePending, o.State)

	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.08")))
	assert.Equal(t, doge("12500"), e.claimable(t, alice, "DOGE"))
}

func TestExecuteOrder_LimitIncreaseWaitsForTrigger(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeLimitIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"),
		TriggerPrice: usd("0.09"), AcceptablePrice: usd("0.095"),
	})

	err := e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, core.ErrTriggerPriceNotReached), "got %v", err)
	_, ok := e.order(t, key)
	require.True(t, ok)

	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.09")))
	pos, err := state.MustLoadPosition(e.ctx, e.backend, store.PositionKey(alice, "DOGE-USD", "USDC", true))
	require.NoError(t, err)
	assert.Equal(t, usd("0.09"), pos.EntryPrice)
}

func TestExecuteOrder_StopLossShortFiresAbove(t *testing.T) {
	e := newTestEnv(t)
	open := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: false,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"),
	})
	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, open, e.prices("0.10")))

	stop := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeStopLossDecrease, IsLong: false,
		SizeDeltaUsd: usd("1000"), TriggerPrice: usd("0.105"), AcceptablePrice: usd("1"),
	})
	err := e.engine.ExecuteOrder(e.ctx, keeper, stop, e.prices("0.104"))
	assert.True(t, errors.Is(err, core.ErrTriggerPriceNotReached), "got %v", err)

	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, stop, e.prices("0.105")))
	// 1000 * (0.10 - 0.105) / 0.10 = -$50
	assert.Equal(t, usdc("50"), e.claimable(t, alice, "USDC"))
}

// ============================================================================
// Test: Frozen orders
// ============================================================================

func TestExecuteFrozenOrder_RequiresPrivilege(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("5"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
		ExecutionFee: usdc("1"),
	})
	require.Error(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10")))

	err := e.engine.ExecuteFrozenOrder(e.ctx, keeper, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, core.ErrUnauthorized), "got %v", err)

	require.NoError(t, e.engine.Grant(e.ctx, core.RoleFrozenOrderKeeper, keeper))

	// still under-collateralized: refreezes with the same reason
	err = e.engine.ExecuteFrozenOrder(e.ctx, keeper, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, state.ErrMinCollateralNotMet), "got %v", err)

	tx := store.Begin(e.backend)
	params, err := market.LoadParams(e.ctx, tx, "DOGE-USD")
	require.NoError(t, err)
	params.MinCollateralFactor = testutil.Factor("0.005")
	require.NoError(t, market.SaveParams(tx, "DOGE-USD", params))
	require.NoError(t, tx.Commit(e.ctx))
	e.drain()

	e.clock.Advance(time.Second)
	require.NoError(t, e.engine.ExecuteFrozenOrder(e.ctx, keeper, key, e.prices("0.10")))
	_, ok := e.order(t, key)
	assert.False(t, ok)
	assert.Equal(t, usdc("1"), e.claimable(t, keeper, "USDC"))

	var executed bool
	for _, env := range e.drain() {
		if env.Type == event.EventTypeOrderExecuted {
			executed = true
			assert.Contains(t, string(env.Payload), `"from_frozen":true`)
		}
	}
	assert.True(t, executed)
}

func TestExecuteFrozenOrder_RejectsPendingOrder(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.engine.Grant(e.ctx, core.RoleFrozenOrderKeeper, keeper))
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
	})
	err := e.engine.ExecuteFrozenOrder(e.ctx, keeper, key, e.prices("0.10"))
	assert.True(t, errors.Is(err, core.ErrOrderNotFrozen), "got %v", err)
}

// ============================================================================
// Test: Update and cancel
// ============================================================================

func TestUpdateOrder_OwnerOnlyAndNotMarket(t *testing.T) {
	e := newTestEnv(t)
	limit := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeLimitIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), TriggerPrice: usd("0.09"),
	})
	mkt := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"),
	})
	upd := core.UpdateOrderParams{SizeDeltaUsd: usd("2000"), TriggerPrice: usd("0.08"), AcceptablePrice: usd("0.085")}

	err := e.engine.UpdateOrder(e.ctx, bob, limit, upd)
	assert.True(t, errors.Is(err, core.ErrNotOrderOwner), "got %v", err)

	err = e.engine.UpdateOrder(e.ctx, alice, mkt, upd)
	assert.True(t, errors.Is(err, core.ErrOrderNotUpdatable), "got %v", err)

	e.clock.Advance(5 * time.Second)
	require.NoError(t, e.engine.UpdateOrder(e.ctx, alice, limit, upd))
	o, _ := e.order(t, limit)
	assert.Equal(t, usd("2000"), o.SizeDeltaUsd)
	assert.Equal(t, usd("0.08"), o.TriggerPrice)
	assert.Equal(t, t0.Unix()+5, o.UpdatedAt)
}

func TestCancelOrder_OwnerAnytimeOthersAfterExpiry(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeLimitIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), TriggerPrice: usd("0.09"),
		ExecutionFee: usdc("1"),
	})

	err := e.engine.CancelOrder(e.ctx, bob, key)
	assert.True(t, errors.Is(err, core.ErrOrderNotCancellable), "got %v", err)

	e.clock.Advance(299 * time.Second)
	err = e.engine.CancelOrder(e.ctx, bob, key)
	assert.True(t, errors.Is(err, core.ErrOrderNotCancellable), "got %v", err)

	e.clock.Advance(time.Second)
	require.NoError(t, e.engine.CancelOrder(e.ctx, bob, key))
	assert.Equal(t, usdc("101"), e.claimable(t, alice, "USDC"))
	assert.Zero(t, e.claimable(t, bob, "USDC"))

	err = e.engine.CancelOrder(e.ctx, alice, key)
	assert.True(t, errors.Is(err, state.ErrOrderNotFound), "got %v", err)
}

func TestCancelOrder_OwnerCancelsFrozen(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("5"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
		ExecutionFee: usdc("1"),
	})
	require.Error(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10")))

	require.NoError(t, e.engine.CancelOrder(e.ctx, alice, key))
	assert.Equal(t, usdc("6"), e.claimable(t, alice, "USDC"))

	amount, err := e.engine.Claim(e.ctx, alice, "USDC")
	require.NoError(t, err)
	assert.Equal(t, usdc("6"), amount)
	assert.Zero(t, e.claimable(t, alice, "USDC"))
}

// ============================================================================
// Test: Liquidation and ADL
// ============================================================================

func TestLiquidate_OpenToAnyone(t *testing.T) {
	e := newTestEnv(t)
	posKey := e.openLong(t, alice, "1000", "100")

	err := e.engine.Liquidate(e.ctx, bob, posKey, e.prices("0.10"))
	assert.True(t, errors.Is(err, risk.ErrPositionNotLiquidatable), "got %v", err)

	// remaining = 100 - 96 = $4 < $5
	require.NoError(t, e.engine.Liquidate(e.ctx, bob, posKey, e.prices("0.0904")))
	_, ok, err := state.LoadPosition(e.ctx, e.backend, posKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, usdc("4"), e.claimable(t, alice, "USDC"))
	assert.Zero(t, e.marketState(t).OpenInterestLong)
}

func TestAdl_RequiresRoleAndGate(t *testing.T) {
	e := newTestEnv(t)
	e.openLong(t, alice, "1000", "100")

	_, err := e.engine.UpdateAdlState(e.ctx, bob, "DOGE-USD", true, e.prices("0.10"))
	assert.True(t, errors.Is(err, core.ErrUnauthorized), "got %v", err)

	st, err := e.engine.UpdateAdlState(e.ctx, keeper, "DOGE-USD", true, e.prices("0.10"))
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	_, err = e.engine.ExecuteAdl(e.ctx, keeper, "DOGE-USD", true, usd("100"), e.prices("0.10"))
	assert.True(t, errors.Is(err, risk.ErrAdlNotEnabled), "got %v", err)
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

func TestTransferHook_ReentrantCallRejected(t *testing.T) {
	e := newTestEnv(t)
	key := e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketIncrease, IsLong: true,
		CollateralDeltaAmount: usdc("100"), SizeDeltaUsd: usd("1000"), AcceptablePrice: usd("1"),
		ExecutionFee: usdc("1"),
	})

	var inner []error
	e.engine.SetHook(ledger.TransferHookFunc(func(ctx context.Context, j ledger.Journal) error {
		_, err := e.engine.Claim(ctx, keeper, "USDC")
		inner = append(inner, err)
		inner = append(inner, e.engine.CancelOrder(ctx, alice, key))
		return nil
	}))

	require.NoError(t, e.engine.ExecuteOrder(e.ctx, keeper, key, e.prices("0.10")))
	require.NotEmpty(t, inner)
	for _, err := range inner {
		assert.True(t, errors.Is(err, guard.ErrReentrant), "got %v", err)
	}

	// same end state as without the hook
	assert.Equal(t, usdc("1"), e.claimable(t, keeper, "USDC"))
	pos, err := state.MustLoadPosition(e.ctx, e.backend, store.PositionKey(alice, "DOGE-USD", "USDC", true))
	require.NoError(t, err)
	assert.Equal(t, usdc("100"), pos.CollateralAmount)
	_, ok := e.order(t, key)
	assert.False(t, ok)
}

// ============================================================================
// Test: Event chain
// ============================================================================

func TestEvents_HashChainIsContiguous(t *testing.T) {
	e := newTestEnv(t)
	e.openLong(t, alice, "1000", "100")

	envs := e.drain()
	require.NotEmpty(t, envs)
	for i, env := range envs {
		assert.Equal(t, int64(i+1), env.Sequence)
		if i > 0 {
			assert.Equal(t, envs[i-1].StateHash, env.PrevHash, "envelope %d", i)
		}
	}

	seq, tip := e.engine.Tip()
	assert.Equal(t, envs[len(envs)-1].Sequence, seq)
	assert.Equal(t, envs[len(envs)-1].StateHash, tip)
}

func TestEngine_ResumeContinuesSequence(t *testing.T) {
	e := newTestEnv(t)
	var tip event.Hash
	tip[0] = 0xab
	e.engine.Resume(41, tip)

	e.create(t, core.CreateOrderParams{
		Account: alice, Type: state.OrderTypeMarketSwap, CollateralDeltaAmount: usdc("1"),
	})
	envs := e.drain()
	require.NotEmpty(t, envs)
	assert.Equal(t, int64(42), envs[0].Sequence)
	assert.Equal(t, tip, envs[0].PrevHash)
}
