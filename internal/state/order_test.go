package state_test

import (
	"context"
	"encoding/json"
	"testing"

	"PerpSettle/internal/state"
	"PerpSettle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderState_Transitions(t *testing.T) {
	tests := []struct {
		from, to state.OrderState
		ok       bool
	}{
		{state.OrderStatePending, state.OrderStateExecuted, true},
		{state.OrderStatePending, state.OrderStateCancelled, true},
		{state.OrderStatePending, state.OrderStateFrozen, true},
		{state.OrderStateFrozen, state.OrderStateExecuted, true},
		{state.OrderStateFrozen, state.OrderStateCancelled, true},
		{state.OrderStateFrozen, state.OrderStatePending, false},
		{state.OrderStateExecuted, state.OrderStatePending, false},
		{state.OrderStateCancelled, state.OrderStateFrozen, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestOrderType_Classification(t *testing.T) {
	kinds := map[state.OrderKind]int{}
	for _, ot := range state.AllOrderTypes() {
		kinds[ot.Kind()]++
		if ot.IsMarket() {
			assert.False(t, ot.HasTriggerPrice(), "%s", ot)
		}
	}
	assert.Equal(t, 2, kinds[state.KindSwap])
	assert.Equal(t, 2, kinds[state.KindIncrease])
	assert.Equal(t, 3, kinds[state.KindDecrease])
	assert.False(t, state.OrderTypeLimitSwap.HasTriggerPrice())
	assert.True(t, state.OrderTypeStopLossDecrease.HasTriggerPrice())
}

func TestOrderType_JSONUsesNames(t *testing.T) {
	raw, err := json.Marshal(state.Order{Type: state.OrderTypeLimitDecrease, State: state.OrderStateFrozen})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"LimitDecrease"`)
	assert.Contains(t, string(raw), `"state":"Frozen"`)

	var ot state.OrderType
	assert.Error(t, ot.UnmarshalText([]byte("Bogus")))
}

func TestOrder_SaveRejectsTerminal(t *testing.T) {
	tx := store.Begin(store.NewMemoryBackend())
	o := &state.Order{Key: "k", Account: alice, State: state.OrderStateExecuted}
	assert.Error(t, state.SaveOrder(tx, o))
}

func TestOrder_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	tx := store.Begin(store.NewMemoryBackend())
	o := &state.Order{Key: store.OrderKey(alice, 1), Account: alice, Nonce: 1, Market: "DOGE-USD", Type: state.OrderTypeMarketIncrease}
	require.NoError(t, state.SaveOrder(tx, o))

	got, err := state.MustLoadOrder(ctx, tx, o.Key)
	require.NoError(t, err)
	assert.Equal(t, state.OrderTypeMarketIncrease, got.Type)

	state.DeleteOrder(tx, o)
	_, err = state.MustLoadOrder(ctx, tx, o.Key)
	assert.ErrorIs(t, err, state.ErrOrderNotFound)
	kvs, _ := tx.Scan(ctx, store.AccountOrdersPrefix(alice), "", 10)
	assert.Empty(t, kvs)
}

func TestNextNonce_Increments(t *testing.T) {
	ctx := context.Background()
	tx := store.Begin(store.NewMemoryBackend())
	n1, err := state.NextNonce(ctx, tx)
	require.NoError(t, err)
	n2, err := state.NextNonce(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n1)
	assert.Equal(t, uint64(2), n2)
}

func TestOrder_Escrowed(t *testing.T) {
	inc := state.Order{Type: state.OrderTypeMarketIncrease, CollateralDeltaAmount: 100, ExecutionFee: 3}
	dec := state.Order{Type: state.OrderTypeMarketDecrease, CollateralDeltaAmount: 100, ExecutionFee: 3}
	assert.Equal(t, int64(103), inc.Escrowed())
	assert.Equal(t, int64(3), dec.Escrowed())
}
