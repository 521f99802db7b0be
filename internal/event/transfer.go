package event

import "PerpSettle/internal/ledger"

// Transfer mirrors one journal entry of a committed batch.
type Transfer struct {
	Market  string         `json:"market,omitempty"`
	Journal ledger.Journal `json:"journal"`
}

func (e *Transfer) EventType() EventType { return EventTypeTransfer }
func (e *Transfer) MarketID() string     { return e.Market }
func (e *Transfer) Ref() string          { return e.Journal.Ref }
