package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry.
type JournalType int32

const (
	JournalEscrowDeposit JournalType = iota
	JournalRefund
	JournalExecutionFee
	JournalCollateralDeposit
	JournalFeeSettlement
	JournalPositionSettlement
	JournalPayout
	JournalLiquidationFee
	JournalSwapIn
	JournalSwapOut
	JournalClaim
)

var journalTypeNames = [...]string{
	JournalEscrowDeposit:      "escrow_deposit",
	JournalRefund:             "refund",
	JournalExecutionFee:       "execution_fee",
	JournalCollateralDeposit:  "collateral_deposit",
	JournalFeeSettlement:      "fee_settlement",
	JournalPositionSettlement: "position_settlement",
	JournalPayout:             "payout",
	JournalLiquidationFee:     "liquidation_fee",
	JournalSwapIn:             "swap_in",
	JournalSwapOut:            "swap_out",
	JournalClaim:              "claim",
}

func (t JournalType) String() string {
	if t >= 0 && int(t) < len(journalTypeNames) {
		return journalTypeNames[t]
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

func (t JournalType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Journal is a single balanced transfer: Amount leaves Credit and arrives
// at Debit.
type Journal struct {
	JournalID uuid.UUID   `json:"journal_id"`
	BatchID   uuid.UUID   `json:"batch_id"`
	Ref       string      `json:"ref"` // order or position key
	Debit     Account     `json:"debit"`
	Credit    Account     `json:"credit"`
	Asset     string      `json:"asset"`
	Amount    int64       `json:"amount"` // token units, always positive
	Type      JournalType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Validate checks a single entry.
func (j Journal) Validate() error {
	if j.Amount <= 0 {
		return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
	}
	if j.Debit == j.Credit {
		return fmt.Errorf("journal %s has same debit and credit account %s", j.JournalID, j.Debit)
	}
	if j.Debit.Asset != j.Asset || j.Credit.Asset != j.Asset {
		return fmt.Errorf("journal %s moves %s between %s and %s", j.JournalID, j.Asset, j.Credit, j.Debit)
	}
	return nil
}

// Batch groups the journals of one settlement.
type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Ref       string    `json:"ref"`
	Timestamp int64     `json:"timestamp"`
	Journals  []Journal `json:"journals"`
}

func NewBatch(ref string, ts int64) *Batch {
	return &Batch{BatchID: uuid.New(), Ref: ref, Timestamp: ts}
}

// Add appends a transfer of amount from credit to debit. Zero amounts are
// skipped and a negative amount reverses the direction.
func (b *Batch) Add(typ JournalType, debit, credit Account, amount int64) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		debit, credit, amount = credit, debit, -amount
	}
	b.Journals = append(b.Journals, Journal{
		JournalID: uuid.New(),
		BatchID:   b.BatchID,
		Ref:       b.Ref,
		Debit:     debit,
		Credit:    credit,
		Asset:     debit.Asset,
		Amount:    amount,
		Type:      typ,
		Timestamp: b.Timestamp,
	})
}

// Empty reports whether the batch moved nothing.
func (b *Batch) Empty() bool { return b == nil || len(b.Journals) == 0 }

// Validate ensures every entry is well-formed and belongs to the batch.
// Each entry is balanced by construction, so the batch is as well.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if err := j.Validate(); err != nil {
			return err
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
	}
	return nil
}

// NetFlows sums the signed movement per account. Used by callers that
// reconcile a batch against record deltas.
func (b *Batch) NetFlows() map[Account]int64 {
	out := make(map[Account]int64)
	for _, j := range b.Journals {
		out[j.Debit] += j.Amount
		out[j.Credit] -= j.Amount
	}
	return out
}
