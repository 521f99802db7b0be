// Package state holds the persisted order and position records and the
// position ledger that mutates them.
package state

import (
	"context"

	"PerpSettle/internal/guard"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var ErrPositionNotFound = errors.New("state: position not found")

// Position is one (account, market, collateral asset, direction) exposure.
// A position with zero size does not exist; closing deletes the record.
type Position struct {
	Key             string         `json:"key"`
	Account         common.Address `json:"account"`
	Market          string         `json:"market"`
	CollateralAsset string         `json:"collateral_asset"`
	IsLong          bool           `json:"is_long"`

	SizeUsd          int64 `json:"size_usd"`
	SizeInTokens     int64 `json:"size_in_tokens"`
	CollateralAmount int64 `json:"collateral_amount"`
	EntryPrice       int64 `json:"entry_price"`

	// Market accumulator values as of the last touch.
	FundingPaidPerSize  int64 `json:"funding_paid_per_size"`
	FundingClaimPerSize int64 `json:"funding_claim_per_size"`
	BorrowingPerSize    int64 `json:"borrowing_per_size"`

	IncreasedAt int64 `json:"increased_at"`
	DecreasedAt int64 `json:"decreased_at"`
	UpdatedAt   int64 `json:"updated_at"`
}

// SideSign returns +1 for long, -1 for short.
func (p *Position) SideSign() int64 {
	if p.IsLong {
		return 1
	}
	return -1
}

// CheckInvariants panics on negative or inconsistent fields.
func (p *Position) CheckInvariants() {
	switch {
	case p.SizeUsd < 0:
		guard.Violatef("position %s: negative size %d", p.Key, p.SizeUsd)
	case p.SizeInTokens < 0:
		guard.Violatef("position %s: negative size in tokens %d", p.Key, p.SizeInTokens)
	case p.CollateralAmount < 0:
		guard.Violatef("position %s: negative collateral %d", p.Key, p.CollateralAmount)
	case p.SizeUsd > 0 && p.EntryPrice <= 0:
		guard.Violatef("position %s: open with entry price %d", p.Key, p.EntryPrice)
	}
}

// LoadPosition reads a position by key; ok is false when absent.
func LoadPosition(ctx context.Context, r store.Reader, key string) (*Position, bool, error) {
	p, ok, err := store.Load[Position](ctx, r, store.PositionRecordKey(key))
	if err != nil || !ok {
		return nil, ok, err
	}
	return &p, true, nil
}

// MustLoadPosition is LoadPosition with ErrPositionNotFound on a miss.
func MustLoadPosition(ctx context.Context, r store.Reader, key string) (*Position, error) {
	p, ok, err := LoadPosition(ctx, r, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrPositionNotFound, "position %s", key)
	}
	return p, nil
}

// SavePosition writes the record and its account and market index entries.
func SavePosition(tx *store.Tx, p *Position) error {
	p.CheckInvariants()
	if p.SizeUsd == 0 {
		guard.Violatef("position %s: saving zero-size position", p.Key)
	}
	if err := store.Save(tx, store.PositionRecordKey(p.Key), p); err != nil {
		return err
	}
	tx.Put(store.AccountPositionsPrefix(p.Account)+p.Key, []byte(p.Key))
	tx.Put(store.MarketPositionsPrefix(p.Market)+p.Key, []byte(p.Key))
	return nil
}

// DeletePosition removes the record and its index entries.
func DeletePosition(tx *store.Tx, p *Position) {
	tx.Delete(store.PositionRecordKey(p.Key))
	tx.Delete(store.AccountPositionsPrefix(p.Account) + p.Key)
	tx.Delete(store.MarketPositionsPrefix(p.Market) + p.Key)
}

// ScanPositions walks positions whose keys are listed under an index
// prefix, in key order, calling fn for each. Iteration stops on error.
func ScanPositions(ctx context.Context, r store.Reader, indexPrefix string, fn func(*Position) error) error {
	const page = 100
	after := ""
	for {
		kvs, err := r.Scan(ctx, indexPrefix, after, page)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			p, ok, err := LoadPosition(ctx, r, store.IndexMember(kv.Key))
			if err != nil {
				return err
			}
			if !ok {
				guard.Violatef("index %s points at missing position", kv.Key)
			}
			if err := fn(p); err != nil {
				return err
			}
		}
		if len(kvs) < page {
			return nil
		}
		after = kvs[len(kvs)-1].Key
	}
}
