package event_test

import (
	"encoding/json"
	"testing"

	"PerpSettle/internal/event"
	"PerpSettle/internal/state"
	"PerpSettle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Envelope
// ============================================================================

func TestNewEnvelope_CarriesRoutingFields(t *testing.T) {
	evt := &event.OrderFrozen{
		OrderKey: "abc",
		Account:  testutil.Account("alice"),
		Market:   "ETH-USD",
		Type:     state.OrderTypeMarketIncrease,
		Reason:   "max open interest exceeded",
	}
	env, err := event.NewEnvelope(evt, 1_700_000_000)
	require.NoError(t, err)

	assert.Equal(t, event.EventTypeOrderFrozen, env.Type)
	assert.Equal(t, "ETH-USD", env.MarketID)
	assert.Equal(t, "abc", env.Ref)
	assert.Equal(t, "OrderFrozen.ETH-USD", env.Subject())

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "MarketIncrease", payload["type"])
}

func TestEnvelope_JSONUsesNamesAndHexHashes(t *testing.T) {
	env := &event.Envelope{Type: event.EventTypeTransfer, StateHash: event.Hash{0xab}}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded event.Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, event.EventTypeTransfer, decoded.Type)
	assert.Equal(t, env.StateHash, decoded.StateHash)
	assert.Contains(t, string(raw), `"type":"Transfer"`)
	assert.Contains(t, string(raw), `"state_hash":"ab00`)
}

func TestEnvelope_SubjectForGlobalEvents(t *testing.T) {
	env := &event.Envelope{Type: event.EventTypeTransfer}
	assert.Equal(t, "Transfer.global", env.Subject())
}

// ============================================================================
// Test: Emitter
// ============================================================================

func TestEmitter_DropsWhenSinkFull(t *testing.T) {
	var dropped []string
	em := event.NewEmitter(func(sink string) { dropped = append(dropped, sink) })
	fast := em.Subscribe("fast", 4)
	slow := em.Subscribe("slow", 1)

	for i := 0; i < 3; i++ {
		em.Publish(&event.Envelope{Sequence: int64(i)})
	}

	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1)
	assert.Equal(t, []string{"slow", "slow"}, dropped)
	assert.Equal(t, int64(0), (<-slow).Sequence)
}

func TestEmitter_CloseEndsSubscribers(t *testing.T) {
	em := event.NewEmitter(nil)
	ch := em.Subscribe("a", 1)
	em.Close()
	em.Publish(&event.Envelope{})

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, ch, em.Subscribe("a", 1))
}
