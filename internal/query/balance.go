package query

import (
	"context"

	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"github.com/ethereum/go-ethereum/common"
)

// GetClaimable returns the balance account may claim in asset.
func (s *Service) GetClaimable(ctx context.Context, account common.Address, asset string) (*ClaimableResponse, error) {
	asOf := s.asOf()
	a, err := market.LoadAsset(ctx, s.r, asset)
	if err != nil {
		return nil, err
	}
	amount, err := s.vault.Claimable(ctx, s.r, account, asset)
	if err != nil {
		return nil, err
	}
	return &ClaimableResponse{
		Account:      account,
		Asset:        asset,
		Amount:       amount,
		Display:      fpmath.ToDecimal(amount, a.Decimals).String(),
		AsOfSequence: asOf,
	}, nil
}
