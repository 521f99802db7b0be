package market

import (
	"context"
	"fmt"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Params are the numeric limits governance may update. USD values are
// USD scale; factors, rates and exponents are FactorScale.
type Params struct {
	MinCollateralUsd                  int64 `json:"min_collateral_usd"`
	MinCollateralFactor               int64 `json:"min_collateral_factor"`
	MinCollateralFactorForLiquidation int64 `json:"min_collateral_factor_for_liquidation"`

	MaxOpenInterestLong  int64 `json:"max_open_interest_long"`
	MaxOpenInterestShort int64 `json:"max_open_interest_short"`
	ReserveFactorLong    int64 `json:"reserve_factor_long"`
	ReserveFactorShort   int64 `json:"reserve_factor_short"`

	PositionFeeFactorPositive int64 `json:"position_fee_factor_positive"`
	PositionFeeFactorNegative int64 `json:"position_fee_factor_negative"`
	ImpactFactorPositive      int64 `json:"impact_factor_positive"`
	ImpactFactorNegative      int64 `json:"impact_factor_negative"`
	ImpactExponentPositive    int64 `json:"impact_exponent_positive"`
	ImpactExponentNegative    int64 `json:"impact_exponent_negative"`
	SwapFeeFactor             int64 `json:"swap_fee_factor"`

	FundingFactor        int64 `json:"funding_factor"`
	BorrowingFactorLong  int64 `json:"borrowing_factor_long"`
	BorrowingFactorShort int64 `json:"borrowing_factor_short"`

	LiquidationFeeFactor int64 `json:"liquidation_fee_factor"`
	MaxPnlFactorForAdl   int64 `json:"max_pnl_factor_for_adl"`
	MinPnlFactorAfterAdl int64 `json:"min_pnl_factor_after_adl"`

	RequestExpirationSeconds    int64            `json:"request_expiration_seconds"`
	OracleMaxAgeSeconds         int64            `json:"oracle_max_age_seconds"`
	MaxReferenceDeviationFactor int64            `json:"max_reference_deviation_factor"`
	MinReporters                int              `json:"min_reporters"`
	Reporters                   []common.Address `json:"reporters"`
}

// DefaultParams returns conservative limits for a new market.
func DefaultParams() Params {
	f := fpmath.FactorScale
	return Params{
		MinCollateralUsd:                  1 * fpmath.USDScale,
		MinCollateralFactor:               f / 100, // 100x max leverage
		MinCollateralFactorForLiquidation: f / 200,
		MaxOpenInterestLong:               1_000_000_000 * fpmath.USDScale,
		MaxOpenInterestShort:              1_000_000_000 * fpmath.USDScale,
		ReserveFactorLong:                 f,
		ReserveFactorShort:                f,
		ImpactExponentPositive:            2 * f,
		ImpactExponentNegative:            2 * f,
		LiquidationFeeFactor:              0,
		MaxPnlFactorForAdl:                f * 45 / 100,
		MinPnlFactorAfterAdl:              f * 40 / 100,
		MaxReferenceDeviationFactor:       f * 5 / 100,
		RequestExpirationSeconds:          300,
		OracleMaxAgeSeconds:               60,
		MinReporters:                      1,
	}
}

// IsReporter reports whether addr may sign attestations for this market.
func (p Params) IsReporter(addr common.Address) bool {
	for _, r := range p.Reporters {
		if r == addr {
			return true
		}
	}
	return false
}

func (p Params) MaxOpenInterest(isLong bool) int64 {
	if isLong {
		return p.MaxOpenInterestLong
	}
	return p.MaxOpenInterestShort
}

func (p Params) ReserveFactor(isLong bool) int64 {
	if isLong {
		return p.ReserveFactorLong
	}
	return p.ReserveFactorShort
}

func (p Params) BorrowingFactor(isLong bool) int64 {
	if isLong {
		return p.BorrowingFactorLong
	}
	return p.BorrowingFactorShort
}

// ValidateParams checks ranges and cross-field constraints.
func ValidateParams(p Params) error {
	nonNegative := map[string]int64{
		"min_collateral_usd":                    p.MinCollateralUsd,
		"min_collateral_factor":                 p.MinCollateralFactor,
		"min_collateral_factor_for_liquidation": p.MinCollateralFactorForLiquidation,
		"max_open_interest_long":                p.MaxOpenInterestLong,
		"max_open_interest_short":               p.MaxOpenInterestShort,
		"reserve_factor_long":                   p.ReserveFactorLong,
		"reserve_factor_short":                  p.ReserveFactorShort,
		"position_fee_factor_positive":          p.PositionFeeFactorPositive,
		"position_fee_factor_negative":          p.PositionFeeFactorNegative,
		"impact_factor_positive":                p.ImpactFactorPositive,
		"impact_factor_negative":                p.ImpactFactorNegative,
		"swap_fee_factor":                       p.SwapFeeFactor,
		"funding_factor":                        p.FundingFactor,
		"borrowing_factor_long":                 p.BorrowingFactorLong,
		"borrowing_factor_short":                p.BorrowingFactorShort,
		"liquidation_fee_factor":                p.LiquidationFeeFactor,
		"max_reference_deviation_factor":        p.MaxReferenceDeviationFactor,
		"request_expiration_seconds":            p.RequestExpirationSeconds,
	}
	for name, v := range nonNegative {
		if v < 0 {
			return errors.Wrapf(ErrInvalidParams, "%s must be >= 0, got %d", name, v)
		}
	}
	if p.ImpactExponentPositive < fpmath.FactorScale || p.ImpactExponentNegative < fpmath.FactorScale {
		return errors.Wrap(ErrInvalidParams, "impact exponents must be >= 1")
	}
	if p.PositionFeeFactorPositive > p.PositionFeeFactorNegative {
		return errors.Wrapf(ErrInvalidParams, "position_fee_factor_positive (%d) must be <= negative (%d)",
			p.PositionFeeFactorPositive, p.PositionFeeFactorNegative)
	}
	if p.MinCollateralFactorForLiquidation > p.MinCollateralFactor {
		return errors.Wrap(ErrInvalidParams, "liquidation collateral factor must not exceed initial collateral factor")
	}
	if p.MinPnlFactorAfterAdl > p.MaxPnlFactorForAdl {
		return errors.Wrapf(ErrInvalidParams, "min_pnl_factor_after_adl (%d) must be <= max_pnl_factor_for_adl (%d)",
			p.MinPnlFactorAfterAdl, p.MaxPnlFactorForAdl)
	}
	if p.OracleMaxAgeSeconds <= 0 {
		return errors.Wrap(ErrInvalidParams, "oracle_max_age_seconds must be > 0")
	}
	if p.MinReporters <= 0 {
		return errors.Wrap(ErrInvalidParams, "min_reporters must be > 0")
	}
	if len(p.Reporters) < p.MinReporters {
		return errors.Wrapf(ErrInvalidParams, "%d reporters configured, %d required", len(p.Reporters), p.MinReporters)
	}
	return nil
}

// LoadParams reads the governance parameters for a market.
func LoadParams(ctx context.Context, r store.Reader, id string) (Params, error) {
	p, ok, err := store.Load[Params](ctx, r, store.MarketParamsKey(id))
	if err != nil {
		return Params{}, err
	}
	if !ok {
		return Params{}, errors.Wrapf(ErrMarketNotFound, "params for %s", id)
	}
	return p, nil
}

// SaveParams validates and writes parameters.
func SaveParams(tx *store.Tx, id string, p Params) error {
	if err := ValidateParams(p); err != nil {
		return fmt.Errorf("invalid params for %s: %w", id, err)
	}
	return store.Save(tx, store.MarketParamsKey(id), p)
}
