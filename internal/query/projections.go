package query

import (
	"context"
	"strings"

	"PerpSettle/internal/projection"
	"github.com/ethereum/go-ethereum/common"
)

// BalancesResponse lists the projected ledger balances owned by one key
// or address.
type BalancesResponse struct {
	Owner    string                      `json:"owner"`
	Balances []projection.AccountBalance `json:"balances"`
}

// TradesResponse is a page of an account's settled position changes.
type TradesResponse struct {
	Account common.Address                 `json:"account"`
	Trades  []projection.TradeHistoryEntry `json:"trades"`
}

// GetBalances reads the balance projection. Results lag the engine tip
// by however far the projection worker is behind.
func (s *Service) GetBalances(ctx context.Context, owner string) (*BalancesResponse, error) {
	if s.db == nil {
		return nil, ErrHistoryUnavailable
	}
	owner = strings.ToLower(owner)
	balances, err := projection.NewReader(s.db).Balances(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &BalancesResponse{Owner: owner, Balances: balances}, nil
}

// GetTrades reads the trade history projection newest first.
func (s *Service) GetTrades(ctx context.Context, account common.Address, limit int, beforeSequence int64) (*TradesResponse, error) {
	if s.db == nil {
		return nil, ErrHistoryUnavailable
	}
	trades, err := projection.NewReader(s.db).Trades(ctx, strings.ToLower(account.Hex()), clampLimit(limit), beforeSequence)
	if err != nil {
		return nil, err
	}
	return &TradesResponse{Account: account, Trades: trades}, nil
}
