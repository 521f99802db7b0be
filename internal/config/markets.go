package config

import (
	"context"
	"os"

	"PerpSettle/internal/core"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Catalogue is the YAML market configuration. Decimal values are strings
// so they convert exactly to fixed point.
type Catalogue struct {
	Assets          []AssetSpec         `yaml:"assets" validate:"required,min=1,dive"`
	Markets         []MarketSpec        `yaml:"markets" validate:"required,min=1,dive"`
	Roles           map[string][]string `yaml:"roles" validate:"dive,dive,eth_addr"`
	ReferencePrices map[string]string   `yaml:"reference_prices" validate:"dive,numeric"`
}

type AssetSpec struct {
	Symbol   string `yaml:"symbol" validate:"required,uppercase"`
	Decimals int    `yaml:"decimals" validate:"min=0,max=18"`
}

type MarketSpec struct {
	ID         string     `yaml:"id" validate:"required"`
	IndexAsset string     `yaml:"index_asset" validate:"required"`
	LongAsset  string     `yaml:"long_asset" validate:"required"`
	ShortAsset string     `yaml:"short_asset" validate:"required"`
	Reporters  []string   `yaml:"reporters" validate:"required,min=1,dive,eth_addr"`
	Pool       PoolSpec   `yaml:"pool"`
	Params     ParamsSpec `yaml:"params"`
}

// PoolSpec is the initial liquidity, in whole tokens.
type PoolSpec struct {
	Long  string `yaml:"long" validate:"omitempty,numeric"`
	Short string `yaml:"short" validate:"omitempty,numeric"`
}

// ParamsSpec overrides market.DefaultParams. Empty fields keep the
// default. USD fields are dollars; factors are plain ratios ("0.01").
type ParamsSpec struct {
	MinCollateralUsd                  string `yaml:"min_collateral_usd"`
	MinCollateralFactor               string `yaml:"min_collateral_factor"`
	MinCollateralFactorForLiquidation string `yaml:"min_collateral_factor_for_liquidation"`
	MaxOpenInterestLong               string `yaml:"max_open_interest_long"`
	MaxOpenInterestShort              string `yaml:"max_open_interest_short"`
	ReserveFactorLong                 string `yaml:"reserve_factor_long"`
	ReserveFactorShort                string `yaml:"reserve_factor_short"`
	PositionFeeFactorPositive         string `yaml:"position_fee_factor_positive"`
	PositionFeeFactorNegative         string `yaml:"position_fee_factor_negative"`
	ImpactFactorPositive              string `yaml:"impact_factor_positive"`
	ImpactFactorNegative              string `yaml:"impact_factor_negative"`
	ImpactExponentPositive            string `yaml:"impact_exponent_positive"`
	ImpactExponentNegative            string `yaml:"impact_exponent_negative"`
	SwapFeeFactor                     string `yaml:"swap_fee_factor"`
	FundingFactor                     string `yaml:"funding_factor"`
	BorrowingFactorLong               string `yaml:"borrowing_factor_long"`
	BorrowingFactorShort              string `yaml:"borrowing_factor_short"`
	LiquidationFeeFactor              string `yaml:"liquidation_fee_factor"`
	MaxPnlFactorForAdl                string `yaml:"max_pnl_factor_for_adl"`
	MinPnlFactorAfterAdl              string `yaml:"min_pnl_factor_after_adl"`
	MaxReferenceDeviationFactor       string `yaml:"max_reference_deviation_factor"`

	RequestExpirationSeconds int64 `yaml:"request_expiration_seconds" validate:"min=0"`
	OracleMaxAgeSeconds      int64 `yaml:"oracle_max_age_seconds" validate:"min=0"`
	MinReporters             int   `yaml:"min_reporters" validate:"min=0"`
}

// LoadCatalogue reads and validates a YAML catalogue file.
func LoadCatalogue(path string) (*Catalogue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return ParseCatalogue(raw)
}

// ParseCatalogue decodes and validates a YAML catalogue.
func ParseCatalogue(raw []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrap(err, "config: decode catalogue")
	}
	if err := validate.Struct(c); err != nil {
		return nil, errors.Wrap(err, "config: catalogue")
	}
	for role := range c.Roles {
		if !core.Role(role).Valid() {
			return nil, errors.Errorf("config: unknown role %q", role)
		}
	}
	return &c, nil
}

func (c *Catalogue) decimals(symbol string) (int, bool) {
	for _, a := range c.Assets {
		if a.Symbol == symbol {
			return a.Decimals, true
		}
	}
	return 0, false
}

// ReferencePricesUSD converts reference prices to USD scale.
func (c *Catalogue) ReferencePricesUSD() (map[string]int64, error) {
	out := make(map[string]int64, len(c.ReferencePrices))
	for asset, s := range c.ReferencePrices {
		v, err := fpmath.ParseDecimal(s, fpmath.USDConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "config: reference price %s", asset)
		}
		out[asset] = v
	}
	return out, nil
}

// params resolves a market's parameters over the defaults.
func (m MarketSpec) params() (market.Params, error) {
	p := market.DefaultParams()
	s := m.Params

	usd := []struct {
		name string
		in   string
		out  *int64
	}{
		{"min_collateral_usd", s.MinCollateralUsd, &p.MinCollateralUsd},
		{"max_open_interest_long", s.MaxOpenInterestLong, &p.MaxOpenInterestLong},
		{"max_open_interest_short", s.MaxOpenInterestShort, &p.MaxOpenInterestShort},
	}
	for _, f := range usd {
		if f.in == "" {
			continue
		}
		v, err := fpmath.ParseDecimal(f.in, fpmath.USDConfig)
		if err != nil {
			return p, errors.Wrapf(err, "config: %s.%s", m.ID, f.name)
		}
		*f.out = v
	}

	factors := []struct {
		name string
		in   string
		out  *int64
	}{
		{"min_collateral_factor", s.MinCollateralFactor, &p.MinCollateralFactor},
		{"min_collateral_factor_for_liquidation", s.MinCollateralFactorForLiquidation, &p.MinCollateralFactorForLiquidation},
		{"reserve_factor_long", s.ReserveFactorLong, &p.ReserveFactorLong},
		{"reserve_factor_short", s.ReserveFactorShort, &p.ReserveFactorShort},
		{"position_fee_factor_positive", s.PositionFeeFactorPositive, &p.PositionFeeFactorPositive},
		{"position_fee_factor_negative", s.PositionFeeFactorNegative, &p.PositionFeeFactorNegative},
		{"impact_factor_positive", s.ImpactFactorPositive, &p.ImpactFactorPositive},
		{"impact_factor_negative", s.ImpactFactorNegative, &p.ImpactFactorNegative},
		{"impact_exponent_positive", s.ImpactExponentPositive, &p.ImpactExponentPositive},
		{"impact_exponent_negative", s.ImpactExponentNegative, &p.ImpactExponentNegative},
		{"swap_fee_factor", s.SwapFeeFactor, &p.SwapFeeFactor},
		{"funding_factor", s.FundingFactor, &p.FundingFactor},
		{"borrowing_factor_long", s.BorrowingFactorLong, &p.BorrowingFactorLong},
		{"borrowing_factor_short", s.BorrowingFactorShort, &p.BorrowingFactorShort},
		{"liquidation_fee_factor", s.LiquidationFeeFactor, &p.LiquidationFeeFactor},
		{"max_pnl_factor_for_adl", s.MaxPnlFactorForAdl, &p.MaxPnlFactorForAdl},
		{"min_pnl_factor_after_adl", s.MinPnlFactorAfterAdl, &p.MinPnlFactorAfterAdl},
		{"max_reference_deviation_factor", s.MaxReferenceDeviationFactor, &p.MaxReferenceDeviationFactor},
	}
	for _, f := range factors {
		if f.in == "" {
			continue
		}
		v, err := fpmath.ParseDecimal(f.in, fpmath.FactorConfig)
		if err != nil {
			return p, errors.Wrapf(err, "config: %s.%s", m.ID, f.name)
		}
		*f.out = v
	}

	if s.RequestExpirationSeconds > 0 {
		p.RequestExpirationSeconds = s.RequestExpirationSeconds
	}
	if s.OracleMaxAgeSeconds > 0 {
		p.OracleMaxAgeSeconds = s.OracleMaxAgeSeconds
	}
	if s.MinReporters > 0 {
		p.MinReporters = s.MinReporters
	}
	p.Reporters = make([]common.Address, len(m.Reporters))
	for i, r := range m.Reporters {
		p.Reporters[i] = common.HexToAddress(r)
	}
	return p, nil
}

// Seed writes the catalogue into tx. Assets, markets, params and roles are
// always written; pool amounts seed a market's state only the first time
// so a restart never rewinds live balances.
func (c *Catalogue) Seed(ctx context.Context, tx *store.Tx) error {
	for _, a := range c.Assets {
		if err := store.Save(tx, store.AssetKey(a.Symbol), market.Asset{Symbol: a.Symbol, Decimals: a.Decimals}); err != nil {
			return err
		}
	}

	for _, spec := range c.Markets {
		m := market.Market{
			ID:         spec.ID,
			IndexAsset: spec.IndexAsset,
			LongAsset:  spec.LongAsset,
			ShortAsset: spec.ShortAsset,
		}
		for _, sym := range []string{m.IndexAsset, m.LongAsset, m.ShortAsset} {
			if _, ok := c.decimals(sym); !ok {
				return errors.Wrapf(market.ErrAssetNotFound, "config: market %s references %s", m.ID, sym)
			}
		}
		params, err := spec.params()
		if err != nil {
			return err
		}
		if err := store.Save(tx, store.MarketRecordKey(m.ID), m); err != nil {
			return err
		}
		if err := market.SaveParams(tx, m.ID, params); err != nil {
			return err
		}

		_, exists, err := tx.Get(ctx, store.MarketStateKey(m.ID))
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		st := market.State{}
		if st.PoolAmountLong, err = c.tokens(spec.Pool.Long, m.LongAsset); err != nil {
			return errors.Wrapf(err, "config: %s pool.long", m.ID)
		}
		// Single-token markets keep everything in the long bucket.
		if !m.SingleToken() {
			if st.PoolAmountShort, err = c.tokens(spec.Pool.Short, m.ShortAsset); err != nil {
				return errors.Wrapf(err, "config: %s pool.short", m.ID)
			}
		}
		if err := market.SaveState(tx, m.ID, &st); err != nil {
			return err
		}
	}

	for role, addrs := range c.Roles {
		for _, a := range addrs {
			if err := core.GrantRole(tx, core.Role(role), common.HexToAddress(a)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Catalogue) tokens(s, asset string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	dec, _ := c.decimals(asset)
	return fpmath.ParseTokenAmount(s, dec)
}
