package query

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/market"
	"PerpSettle/internal/state"
	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page is one slice of a keyed listing. Cursor is the key of the last
// item and is passed back to fetch the next page.
type Page[T any] struct {
	Items        []T    `json:"items"`
	Cursor       string `json:"cursor,omitempty"`
	HasMore      bool   `json:"has_more"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// MarketResponse is a market with its parameters, aggregate state and
// both ADL gates.
type MarketResponse struct {
	Market   market.Market   `json:"market"`
	Params   market.Params   `json:"params"`
	State    market.State    `json:"state"`
	AdlLong  market.AdlState `json:"adl_long"`
	AdlShort market.AdlState `json:"adl_short"`

	PoolLong  string `json:"pool_long"`
	PoolShort string `json:"pool_short"`
	OILong    string `json:"open_interest_long"`
	OIShort   string `json:"open_interest_short"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionResponse is a stored position plus decimal renderings.
type PositionResponse struct {
	state.Position
	Size       string `json:"size"`
	Collateral string `json:"collateral"`
	Entry      string `json:"entry"`
}

// OrderResponse is a stored order plus decimal renderings.
type OrderResponse struct {
	state.Order
	Size     string `json:"size"`
	Deposit  string `json:"deposit"`
	Trigger  string `json:"trigger,omitempty"`
	Escrowed int64  `json:"escrowed"`
}

// AdlResponse is one side's ADL gate.
type AdlResponse struct {
	Market          string `json:"market"`
	IsLong          bool   `json:"is_long"`
	Enabled         bool   `json:"enabled"`
	PnlToPoolFactor string `json:"pnl_to_pool_factor"`
	UpdatedAt       int64  `json:"updated_at"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry is one persisted journal row.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	Ref           string `json:"ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	HashChainBreaks []int64 `json:"hash_chain_breaks"`
	LastSequence    int64   `json:"last_sequence"`
	TipMatches      bool    `json:"tip_matches"`
	IsHealthy       bool    `json:"is_healthy"`
}

// StatusResponse reports the engine's event tip.
type StatusResponse struct {
	Sequence  int64      `json:"sequence"`
	StateHash event.Hash `json:"state_hash"`
}

// ClaimableResponse is the balance an address may claim in one asset.
type ClaimableResponse struct {
	Account      common.Address `json:"account"`
	Asset        string         `json:"asset"`
	Amount       int64          `json:"amount"`
	Display      string         `json:"display"`
	AsOfSequence int64          `json:"as_of_sequence"`
}
