package oracle_test

import (
	"context"
	"testing"
	"time"

	"PerpSettle/internal/oracle"
	"PerpSettle/internal/store"
	"PerpSettle/internal/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func newValidator(t *testing.T, refs oracle.ReferenceFeed, mutate func(*testutil.MarketFixture)) (*oracle.Validator, store.Backend) {
	t.Helper()
	fx := testutil.NewMarketFixture("DOGE-USD", "DOGE", "DOGE", "USDC")
	if mutate != nil {
		mutate(&fx)
	}
	backend := store.NewMemoryBackend()
	require.NoError(t, fx.Seed(context.Background(), backend))
	return oracle.NewValidator(refs, func() time.Time { return t0 }), backend
}

// ============================================================================
// Happy path
// ============================================================================

func TestValidate_ReturnsDistinctMinMaxPerAsset(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	atts := testutil.Spread(t0.Unix(), map[string][2]int64{
		"DOGE": {testutil.USD("0.159"), testutil.USD("0.161")},
		"USDC": {testutil.USD("0.999"), testutil.USD("1.001")},
	})

	quotes, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE", "USDC"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	doge := quotes["DOGE"]
	assert.Equal(t, testutil.USD("0.159"), doge.MinPrice)
	assert.Equal(t, testutil.USD("0.161"), doge.MaxPrice)
	assert.Equal(t, t0.Unix(), doge.Timestamp)
}

func TestValidate_MedianAcrossReporters(t *testing.T) {
	v, b := newValidator(t, nil, func(fx *testutil.MarketFixture) {
		fx.Params.Reporters = []common.Address{
			testutil.ReporterAddress(0), testutil.ReporterAddress(1), testutil.ReporterAddress(2), testutil.ReporterAddress(3),
		}
		fx.Params.MinReporters = 3
	})
	ts := t0.Unix()
	atts := []oracle.Attestation{
		testutil.Attest(testutil.ReporterKey(0), "DOGE", 100, 110, ts),
		testutil.Attest(testutil.ReporterKey(1), "DOGE", 104, 108, ts),
		testutil.Attest(testutil.ReporterKey(2), "DOGE", 102, 112, ts-5),
		testutil.Attest(testutil.ReporterKey(3), "DOGE", 101, 109, ts),
	}

	quotes, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	require.NoError(t, err)
	// mins 100,101,102,104 -> lower median 101; maxs 108,109,110,112 -> upper median 110
	assert.Equal(t, int64(101), quotes["DOGE"].MinPrice)
	assert.Equal(t, int64(110), quotes["DOGE"].MaxPrice)
	assert.Equal(t, ts-5, quotes["DOGE"].Timestamp)
}

// ============================================================================
// Rejections
// ============================================================================

func TestValidate_UnauthorizedReporter(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	atts := []oracle.Attestation{testutil.Attest(testutil.ReporterKey(9), "DOGE", 1, 1, t0.Unix())}

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrUnauthorizedReporter), "got %v", err)
}

func TestValidate_ForgedReporterClaim(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	a := testutil.Attest(testutil.ReporterKey(9), "DOGE", 1, 1, t0.Unix())
	a.Reporter = testutil.ReporterAddress(0) // claims an authorized identity

	_, err := v.Validate(context.Background(), b, "DOGE-USD", []oracle.Attestation{a}, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrUnauthorizedReporter), "got %v", err)
}

func TestValidate_TamperedPrice(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	a := testutil.Attest(testutil.ReporterKey(0), "DOGE", 100, 100, t0.Unix())
	a.MaxPrice = 200

	_, err := v.Validate(context.Background(), b, "DOGE-USD", []oracle.Attestation{a}, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrUnauthorizedReporter), "got %v", err)
}

func TestValidate_Stale(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	atts := testutil.Prices(t0.Unix()-61, map[string]int64{"DOGE": 100})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrStaleAttestation), "got %v", err)
}

func TestValidate_MaxAgeBoundaryAccepted(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	atts := testutil.Prices(t0.Unix()-60, map[string]int64{"DOGE": 100})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.NoError(t, err)
}

func TestValidate_Future(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	atts := testutil.Prices(t0.Unix()+1, map[string]int64{"DOGE": 100})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrFutureAttestation), "got %v", err)
}

func TestValidate_MissingRequiredAsset(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	atts := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": 100})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE", "USDC"})
	assert.True(t, errors.Is(err, oracle.ErrMissingAttestation), "got %v", err)
}

func TestValidate_InvertedSpread(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	atts := []oracle.Attestation{testutil.Attest(testutil.ReporterKey(0), "DOGE", 110, 100, t0.Unix())}

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrInvalidAttestation), "got %v", err)
}

func TestValidate_DuplicateReporter(t *testing.T) {
	v, b := newValidator(t, nil, nil)
	ts := t0.Unix()
	atts := []oracle.Attestation{
		testutil.Attest(testutil.ReporterKey(0), "DOGE", 100, 100, ts),
		testutil.Attest(testutil.ReporterKey(0), "DOGE", 101, 101, ts),
	}

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrDuplicateReporter), "got %v", err)
}

func TestValidate_InsufficientReporters(t *testing.T) {
	v, b := newValidator(t, nil, func(fx *testutil.MarketFixture) {
		fx.Params.Reporters = []common.Address{testutil.ReporterAddress(0), testutil.ReporterAddress(1)}
		fx.Params.MinReporters = 2
	})
	atts := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": 100})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrInsufficientReporters), "got %v", err)
}

// ============================================================================
// Reference deviation
// ============================================================================

func TestValidate_ReferenceDeviationExceeded(t *testing.T) {
	refs := oracle.NewStaticReferenceFeed(map[string]int64{"DOGE": testutil.USD("0.16")})
	v, b := newValidator(t, refs, func(fx *testutil.MarketFixture) {
		fx.Params.MaxReferenceDeviationFactor = testutil.Factor("0.05")
	})
	atts := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": testutil.USD("0.30")})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrReferenceDeviationExceeded), "got %v", err)
	assert.True(t, oracle.IsOracleError(err))
	assert.Equal(t, "deviation", oracle.RejectionReason(err))
}

func TestValidate_ReferenceDeviationAtBoundary(t *testing.T) {
	refs := oracle.NewStaticReferenceFeed(map[string]int64{"DOGE": testutil.USD("0.16")})
	v, b := newValidator(t, refs, func(fx *testutil.MarketFixture) {
		fx.Params.MaxReferenceDeviationFactor = testutil.Factor("0.05")
	})
	// exactly 5% above
	atts := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": testutil.USD("0.168")})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.NoError(t, err)
}

func TestValidate_ZeroDeviationFactorStillChecksReference(t *testing.T) {
	refs := oracle.NewStaticReferenceFeed(map[string]int64{"DOGE": testutil.USD("0.16")})
	v, b := newValidator(t, refs, func(fx *testutil.MarketFixture) {
		fx.Params.MaxReferenceDeviationFactor = 0
	})

	off := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": testutil.USD("0.161")})
	_, err := v.Validate(context.Background(), b, "DOGE-USD", off, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrReferenceDeviationExceeded), "got %v", err)

	exact := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": testutil.USD("0.16")})
	_, err = v.Validate(context.Background(), b, "DOGE-USD", exact, []string{"DOGE"})
	assert.NoError(t, err)
}

func TestValidate_DefaultParamsCheckReference(t *testing.T) {
	refs := oracle.NewStaticReferenceFeed(map[string]int64{"DOGE": testutil.USD("0.16")})
	v, b := newValidator(t, refs, nil)
	atts := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": testutil.USD("0.30")})

	_, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	assert.True(t, errors.Is(err, oracle.ErrReferenceDeviationExceeded), "got %v", err)
}

func TestValidate_NoReferenceSkipsDeviationCheck(t *testing.T) {
	refs := oracle.NewStaticReferenceFeed(map[string]int64{"BTC": testutil.USD("60000")})
	v, b := newValidator(t, refs, func(fx *testutil.MarketFixture) {
		fx.Params.MaxReferenceDeviationFactor = testutil.Factor("0.05")
	})
	atts := testutil.Prices(t0.Unix(), map[string]int64{"DOGE": testutil.USD("0.30")})

	quotes, err := v.Validate(context.Background(), b, "DOGE-USD", atts, []string{"DOGE"})
	require.NoError(t, err)
	assert.Equal(t, testutil.USD("0.30"), quotes["DOGE"].MinPrice)
}

func TestChainedReferenceFeed_FirstHit(t *testing.T) {
	a := oracle.NewStaticReferenceFeed(map[string]int64{"ETH": 1})
	b := oracle.NewStaticReferenceFeed(map[string]int64{"ETH": 2, "BTC": 3})
	chain := oracle.ChainedReferenceFeed{a, b}

	p, ok, err := chain.ReferencePrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), p)

	p, ok, _ = chain.ReferencePrice(context.Background(), "BTC")
	assert.True(t, ok)
	assert.Equal(t, int64(3), p)

	_, ok, _ = chain.ReferencePrice(context.Background(), "SOL")
	assert.False(t, ok)
}

// ============================================================================
// Request ordering
// ============================================================================

func TestRequireNotBefore(t *testing.T) {
	q := oracle.Quotes{
		"A": {Asset: "A", MinPrice: 1, MaxPrice: 1, Timestamp: 100},
		"B": {Asset: "B", MinPrice: 1, MaxPrice: 1, Timestamp: 99},
	}
	assert.NoError(t, oracle.RequireNotBefore(q, 99))
	err := oracle.RequireNotBefore(q, 100)
	assert.True(t, errors.Is(err, oracle.ErrAttestationBeforeRequest))
}
