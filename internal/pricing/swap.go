package pricing

import (
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"github.com/pkg/errors"
)

var (
	ErrInvalidSwapAsset       = errors.New("pricing: asset cannot be swapped in this market")
	ErrInsufficientSwapOutput = errors.New("pricing: swap output below minimum")
)

type SwapResult struct {
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  int64  `json:"amount_in"`
	AmountOut int64  `json:"amount_out"`
	FeeUsd    int64  `json:"fee_usd"`
	PriceIn   int64  `json:"price_in"`
	PriceOut  int64  `json:"price_out"`
}

// ComputeSwap prices amountIn of tokenIn into the market's other collateral
// asset. The input is valued at its min price, the output at its max price.
func ComputeSwap(mc *MarketContext, tokenIn string, amountIn, minOut int64) (SwapResult, error) {
	tokenOut, ok := mc.Market.OtherAsset(tokenIn)
	if !ok {
		return SwapResult{}, errors.Wrapf(ErrInvalidSwapAsset, "%s in %s", tokenIn, mc.Market.ID)
	}
	qIn := mc.Quotes.Must(tokenIn)
	qOut := mc.Quotes.Must(tokenOut)

	usdIn := fpmath.TokenToUsd(amountIn, qIn.MinPrice, mc.Decimals(tokenIn), fpmath.RoundDown)
	feeUsd := fpmath.ApplyFactor(usdIn, mc.Params.SwapFeeFactor, fpmath.RoundUp)
	amountOut := fpmath.UsdToToken(usdIn-feeUsd, qOut.MaxPrice, mc.Decimals(tokenOut), fpmath.RoundDown)

	res := SwapResult{
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		FeeUsd:    feeUsd,
		PriceIn:   qIn.MinPrice,
		PriceOut:  qOut.MaxPrice,
	}
	if amountOut < minOut {
		return res, errors.Wrapf(ErrInsufficientSwapOutput, "out %d < min %d", amountOut, minOut)
	}
	return res, nil
}

// ApplySwap moves pool balances for a priced swap. The pool paying out
// must still cover the reserve of the positions it backs.
func ApplySwap(mc *MarketContext, res SwapResult) error {
	outLong, _ := mc.Market.PoolSide(res.TokenOut)
	if mc.State.PoolAmount(outLong) < res.AmountOut {
		return errors.Wrapf(market.ErrInsufficientPoolAmount, "%s pool %d < %d",
			res.TokenOut, mc.State.PoolAmount(outLong), res.AmountOut)
	}
	mc.State.AddPool(mc.Market, res.TokenIn, res.AmountIn)
	mc.State.AddPool(mc.Market, res.TokenOut, -res.AmountOut)
	return mc.CheckReserve(outLong)
}
