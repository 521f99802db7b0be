// Package event defines the advisory notifications the settlement engine
// emits after a commit. Nothing in the engine reads them back.
package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderCreated
	EventTypeOrderUpdated
	EventTypeOrderCancelled
	EventTypeOrderExecuted
	EventTypeOrderFrozen
	EventTypePositionIncreased
	EventTypePositionDecreased
	EventTypeSwapExecuted
	EventTypePositionLiquidated
	EventTypeAdlStateUpdated
	EventTypePositionDeleveraged
	EventTypeTransfer
)

var eventTypeNames = map[EventType]string{
	EventTypeOrderCreated:        "OrderCreated",
	EventTypeOrderUpdated:        "OrderUpdated",
	EventTypeOrderCancelled:      "OrderCancelled",
	EventTypeOrderExecuted:       "OrderExecuted",
	EventTypeOrderFrozen:         "OrderFrozen",
	EventTypePositionIncreased:   "PositionIncreased",
	EventTypePositionDecreased:   "PositionDecreased",
	EventTypeSwapExecuted:        "SwapExecuted",
	EventTypePositionLiquidated:  "PositionLiquidated",
	EventTypeAdlStateUpdated:     "AdlStateUpdated",
	EventTypePositionDeleveraged: "PositionDeleveraged",
	EventTypeTransfer:            "Transfer",
}

func (et EventType) String() string {
	if s, ok := eventTypeNames[et]; ok {
		return s
	}
	return "Unknown"
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	for t, name := range eventTypeNames {
		if name == string(b) {
			*et = t
			return nil
		}
	}
	return fmt.Errorf("event: unknown type %q", b)
}

// Event is the interface all event payloads implement.
type Event interface {
	EventType() EventType
	// MarketID returns the market context, empty for account-level events.
	MarketID() string
	// Ref is the order, position or batch key the event is about.
	Ref() string
}

// Hash is a sha256 digest that marshals as hex.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != len(h) {
		return fmt.Errorf("event: hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Envelope wraps every emitted event.
type Envelope struct {
	EventID  uuid.UUID `json:"event_id"`
	Sequence int64     `json:"sequence"` // monotonic per engine
	Type     EventType `json:"type"`
	MarketID string    `json:"market_id,omitempty"`
	Ref      string    `json:"ref"`
	// Settlement time in unix seconds, from the engine clock.
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	// StateHash = sha256(PrevHash || sequence || digest of the commit).
	StateHash Hash `json:"state_hash"`
	PrevHash  Hash `json:"prev_hash"`
}

// NewEnvelope encodes evt. Sequence and hashes are assigned by the caller.
func NewEnvelope(evt Event, ts int64) (*Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", evt.EventType(), err)
	}
	return &Envelope{
		EventID:   uuid.New(),
		Type:      evt.EventType(),
		MarketID:  evt.MarketID(),
		Ref:       evt.Ref(),
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

// Subject is the NATS subject suffix for the envelope: <type>.<market>.
func (e *Envelope) Subject() string {
	m := e.MarketID
	if m == "" {
		m = "global"
	}
	return e.Type.String() + "." + m
}
