package core

import (
	"PerpSettle/internal/guard"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/pricing"
	"PerpSettle/internal/risk"
	"PerpSettle/internal/state"
	"github.com/pkg/errors"
)

var (
	ErrInvalidOrderParams     = errors.New("core: invalid order params")
	ErrOrderNotCancellable    = errors.New("core: order not cancellable")
	ErrOrderNotUpdatable      = errors.New("core: order not updatable")
	ErrOrderFrozen            = errors.New("core: order is frozen")
	ErrOrderNotFrozen         = errors.New("core: order is not frozen")
	ErrTriggerPriceNotReached = errors.New("core: trigger price not reached")
	ErrUnauthorized           = errors.New("core: caller lacks required role")
	ErrNotOrderOwner          = errors.New("core: caller does not own the order")
	ErrPositionClosed         = errors.New("core: position to decrease no longer exists")
)

// Class is the error taxonomy that drives freeze and retry decisions.
type Class int

const (
	ClassNone Class = iota
	// ClassValidation is a bad request, surfaced to the submitter.
	ClassValidation
	// ClassOracle depends on the supplied prices; retry with fresh ones.
	ClassOracle
	// ClassState means the record is gone or in the wrong state.
	ClassState
	// ClassRisk freezes an order at execution time.
	ClassRisk
	// ClassFatal aborts with no mutation.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassValidation:
		return "validation"
	case ClassOracle:
		return "oracle"
	case ClassState:
		return "state"
	case ClassRisk:
		return "risk"
	default:
		return "fatal"
	}
}

var (
	validationErrors = []error{
		ErrInvalidOrderParams, ErrUnauthorized, ErrNotOrderOwner,
		market.ErrMarketNotFound, market.ErrAssetNotFound, market.ErrInvalidParams,
		pricing.ErrInvalidSwapAsset,
	}
	stateErrors = []error{
		state.ErrOrderNotFound, state.ErrPositionNotFound,
		ErrOrderNotCancellable, ErrOrderNotUpdatable, ErrOrderFrozen, ErrOrderNotFrozen,
		guard.ErrReentrant, ledger.ErrInsufficientClaimable,
	}
	riskErrors = []error{
		state.ErrMinCollateralNotMet, state.ErrMaxOpenInterestExceeded,
		state.ErrInvalidDecreaseAmount, state.ErrWouldLeavePositionUnderCollateralized,
		state.ErrInvalidCollateralDelta, ErrPositionClosed,
		market.ErrInsufficientReserve, market.ErrInsufficientPoolAmount,
		pricing.ErrAcceptablePriceNotMet, pricing.ErrPriceImpactTooLarge, pricing.ErrInsufficientSwapOutput,
		risk.ErrAdlNotEnabled, risk.ErrInvalidSizeDeltaForAdl, risk.ErrNoAdlCandidate,
		risk.ErrPositionNotLiquidatable,
	}
)

// Classify maps err to its class. Unknown errors (store I/O, context
// cancellation) are Fatal: they are propagated and never freeze an order.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, guard.ErrInvariantViolation):
		return ClassFatal
	case oracle.IsOracleError(err), errors.Is(err, ErrTriggerPriceNotReached):
		return ClassOracle
	case isAny(err, validationErrors):
		return ClassValidation
	case isAny(err, stateErrors):
		return ClassState
	case isAny(err, riskErrors):
		return ClassRisk
	default:
		return ClassFatal
	}
}

// IsRecoverable reports whether retrying with fresher attestations may
// succeed with the order left untouched.
func IsRecoverable(err error) bool {
	return Classify(err) == ClassOracle
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
