package oracle

import (
	"context"
	"sort"
	"time"

	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrUnauthorizedReporter       = errors.New("oracle: unauthorized reporter")
	ErrStaleAttestation           = errors.New("oracle: stale attestation")
	ErrFutureAttestation          = errors.New("oracle: attestation timestamp in the future")
	ErrReferenceDeviationExceeded = errors.New("oracle: reference deviation exceeded")
	ErrMissingAttestation         = errors.New("oracle: missing attestation")
	ErrInvalidAttestation         = errors.New("oracle: invalid attestation")
	ErrDuplicateReporter          = errors.New("oracle: duplicate reporter for asset")
	ErrInsufficientReporters      = errors.New("oracle: insufficient reporters")
	ErrAttestationBeforeRequest   = errors.New("oracle: attestation predates request")
)

// IsOracleError reports whether err belongs to the oracle class. These are
// recoverable by resubmitting fresh attestations.
func IsOracleError(err error) bool {
	for _, e := range []error{
		ErrUnauthorizedReporter, ErrStaleAttestation, ErrFutureAttestation,
		ErrReferenceDeviationExceeded, ErrMissingAttestation, ErrInvalidAttestation,
		ErrDuplicateReporter, ErrInsufficientReporters, ErrAttestationBeforeRequest,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// RejectionReason maps an oracle error to a short metrics label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorizedReporter):
		return "unauthorized"
	case errors.Is(err, ErrStaleAttestation):
		return "stale"
	case errors.Is(err, ErrFutureAttestation):
		return "future"
	case errors.Is(err, ErrReferenceDeviationExceeded):
		return "deviation"
	case errors.Is(err, ErrMissingAttestation):
		return "missing"
	case errors.Is(err, ErrDuplicateReporter):
		return "duplicate"
	case errors.Is(err, ErrInsufficientReporters):
		return "insufficient_reporters"
	case errors.Is(err, ErrAttestationBeforeRequest):
		return "before_request"
	default:
		return "invalid"
	}
}

// Validator checks attestations against a market's reporter set, freshness
// window and optional reference feed.
type Validator struct {
	refs ReferenceFeed
	now  func() time.Time
}

// NewValidator creates a validator. refs may be nil.
func NewValidator(refs ReferenceFeed, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{refs: refs, now: now}
}

// Validate returns one quote per required asset.
func (v *Validator) Validate(
	ctx context.Context,
	r store.Reader,
	marketID string,
	attestations []Attestation,
	requiredAssets []string,
) (Quotes, error) {
	params, err := market.LoadParams(ctx, r, marketID)
	if err != nil {
		return nil, err
	}

	now := v.now().Unix()
	byAsset := make(map[string][]Attestation)
	for i, a := range attestations {
		if err := v.checkOne(a, params, now); err != nil {
			return nil, errors.Wrapf(err, "attestation %d (%s)", i, a.Asset)
		}
		byAsset[a.Asset] = append(byAsset[a.Asset], a)
	}

	quotes := make(Quotes, len(requiredAssets))
	for _, asset := range requiredAssets {
		group := byAsset[asset]
		if len(group) == 0 {
			return nil, errors.Wrapf(ErrMissingAttestation, "asset %s", asset)
		}
		q, err := aggregate(asset, group, params.MinReporters)
		if err != nil {
			return nil, err
		}
		if err := v.checkReference(ctx, q, params.MaxReferenceDeviationFactor); err != nil {
			return nil, err
		}
		quotes[asset] = q
	}
	return quotes, nil
}

func (v *Validator) checkOne(a Attestation, params market.Params, now int64) error {
	if a.Asset == "" || a.MinPrice <= 0 || a.MaxPrice <= 0 || a.MinPrice > a.MaxPrice {
		return errors.Wrapf(ErrInvalidAttestation, "min=%d max=%d", a.MinPrice, a.MaxPrice)
	}

	signer, err := a.RecoverSigner()
	if err != nil {
		return errors.Wrap(ErrUnauthorizedReporter, err.Error())
	}
	if signer != a.Reporter {
		return errors.Wrapf(ErrUnauthorizedReporter, "signature by %s claims %s", signer.Hex(), a.Reporter.Hex())
	}
	if !params.IsReporter(signer) {
		return errors.Wrapf(ErrUnauthorizedReporter, "%s", signer.Hex())
	}

	if a.Timestamp > now {
		return errors.Wrapf(ErrFutureAttestation, "ts=%d now=%d", a.Timestamp, now)
	}
	if now-a.Timestamp > params.OracleMaxAgeSeconds {
		return errors.Wrapf(ErrStaleAttestation, "age=%ds max=%ds", now-a.Timestamp, params.OracleMaxAgeSeconds)
	}
	return nil
}

// aggregate takes the lower median of mins and the upper median of maxes so
// an even reporter count widens rather than narrows the spread.
func aggregate(asset string, group []Attestation, minReporters int) (PriceQuote, error) {
	seen := make(map[common.Address]struct{}, len(group))
	mins := make([]int64, 0, len(group))
	maxs := make([]int64, 0, len(group))
	var ts int64
	for i, a := range group {
		if _, dup := seen[a.Reporter]; dup {
			return PriceQuote{}, errors.Wrapf(ErrDuplicateReporter, "%s for %s", a.Reporter.Hex(), asset)
		}
		seen[a.Reporter] = struct{}{}
		mins = append(mins, a.MinPrice)
		maxs = append(maxs, a.MaxPrice)
		if i == 0 || a.Timestamp < ts {
			ts = a.Timestamp
		}
	}
	if len(group) < minReporters {
		return PriceQuote{}, errors.Wrapf(ErrInsufficientReporters, "%s: %d of %d", asset, len(group), minReporters)
	}

	sort.Slice(mins, func(i, j int) bool { return mins[i] < mins[j] })
	sort.Slice(maxs, func(i, j int) bool { return maxs[i] < maxs[j] })
	n := len(group)
	q := PriceQuote{
		Asset:     asset,
		MinPrice:  mins[(n-1)/2],
		MaxPrice:  maxs[n/2],
		Timestamp: ts,
	}
	return q, nil
}

// checkReference bounds the quote mid against the reference price. It is
// skipped only when no reference exists for the asset; a zero factor
// requires the mid to match the reference exactly.
func (v *Validator) checkReference(ctx context.Context, q PriceQuote, maxDeviation int64) error {
	if v.refs == nil {
		return nil
	}
	ref, ok, err := v.refs.ReferencePrice(ctx, q.Asset)
	if err != nil {
		return err
	}
	if !ok || ref <= 0 {
		return nil
	}
	deviation := fpmath.ToFactor(fpmath.Abs(q.Mid()-ref), ref, fpmath.RoundUp)
	if deviation > maxDeviation {
		return errors.Wrapf(ErrReferenceDeviationExceeded, "%s mid=%s ref=%s deviation=%s max=%s",
			q.Asset, fpmath.FormatUSD(q.Mid()), fpmath.FormatUSD(ref),
			fpmath.FormatFactor(deviation), fpmath.FormatFactor(maxDeviation))
	}
	return nil
}

// RequireNotBefore fails when any quote predates ts (an order's last update).
func RequireNotBefore(q Quotes, ts int64) error {
	for _, asset := range q.Assets() {
		if q[asset].Timestamp < ts {
			return errors.Wrapf(ErrAttestationBeforeRequest, "%s at %d, request at %d", asset, q[asset].Timestamp, ts)
		}
	}
	return nil
}
