package ledger

import (
	"errors"
	"fmt"

	"github.com/atmx/pile-engine/internal/fixed"
)

// Kind classifies a ledger error. Every kind is terminal for the call: no
// state is written and the caller has to resubmit.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed or unknown input, rejected before any change.
	KindValidation
	// KindInvariant: the tentative post-state broke a pool rule and was rolled back.
	KindInvariant
	// KindAuthorization: the caller may not perform the operation.
	KindAuthorization
	// KindResource: the caller lacks balance, allowance, stake or rewards.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvariant:
		return "invariant"
	case KindAuthorization:
		return "authorization"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error is a classified ledger error. Two Errors match under errors.Is when
// their codes are equal, so wrapped sentinels keep matching.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Is implements errors.Is by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: "ledger: " + msg}
}

// Validation errors.
var (
	ErrZeroDeposit             = newError(KindValidation, "zero_deposit", "deposit amount is zero")
	ErrZeroAmount              = newError(KindValidation, "zero_amount", "amount is zero")
	ErrBothZero                = newError(KindValidation, "both_zero", "one value should be non-zero")
	ErrBothNonzero             = newError(KindValidation, "both_nonzero", "one value should be zero")
	ErrPoolNotFound            = newError(KindValidation, "pool_not_found", "pool does not exist")
	ErrPoolExists              = newError(KindValidation, "pool_exists", "pool already exists")
	ErrMarketNotFound          = newError(KindValidation, "market_not_found", "market does not exist")
	ErrMarketExists            = newError(KindValidation, "market_exists", "market already exists")
	ErrInvalidSymbol           = newError(KindValidation, "invalid_symbol", "invalid market symbol")
	ErrPositionNotFound        = newError(KindValidation, "position_not_found", "position does not exist")
	ErrOrderNotFound           = newError(KindValidation, "order_not_found", "order does not exist")
	ErrOrderInactive           = newError(KindValidation, "order_inactive", "order inactive")
	ErrOrderExpired            = newError(KindValidation, "order_expired", "order expired")
	ErrWouldTriggerImmediately = newError(KindValidation, "would_trigger_immediately", "order would trigger immediately")
	ErrConditionsNotSatisfied  = newError(KindValidation, "conditions_not_satisfied", "conditions not satisfied")
	ErrInvalidBracket          = newError(KindValidation, "invalid_bracket", "lower price must be below upper price")
	ErrInvalidPrice            = newError(KindValidation, "invalid_price", "invalid price")
	ErrExceedsPosition         = newError(KindValidation, "exceeds_position", "decrease exceeds position")
	ErrConflictingDirection    = newError(KindValidation, "conflicting_direction", "conflicting directions")
	ErrInvalidConfig           = newError(KindValidation, "invalid_config", "invalid configuration")
	ErrInvalidAccount          = newError(KindValidation, "invalid_account", "account is empty or reserved")
)

// Invariant errors.
var (
	ErrLeverageExceeded    = newError(KindInvariant, "leverage_exceeded", "maximum leverage exceeded")
	ErrMaxPositionExceeded = newError(KindInvariant, "max_position_exceeded", "position amount above maximum")
	ErrBelowMinimum        = newError(KindInvariant, "below_minimum", "position amount below minimum")
	ErrLeftoverCollateral  = newError(KindInvariant, "leftover_collateral", "collateral leftover")
	ErrNoCollateralLeft    = newError(KindInvariant, "no_collateral_left", "no collateral left")
	ErrDepositTooSmall     = newError(KindInvariant, "deposit_too_small", "deposit mints zero shares")
	ErrWithdrawTooSmall    = newError(KindInvariant, "withdraw_too_small", "withdrawal pays zero base units")
	ErrNotLiquidatable     = newError(KindInvariant, "not_liquidatable", "position is not liquidatable")
	ErrArithmetic          = newError(KindInvariant, "arithmetic", "arithmetic failure")
)

// Authorization errors.
var (
	ErrUnauthorized = newError(KindAuthorization, "unauthorized", "caller is not the pool owner")
)

// Resource errors.
var (
	ErrInsufficientShares    = newError(KindResource, "insufficient_shares", "insufficient shares")
	ErrInsufficientBalance   = newError(KindResource, "insufficient_balance", "insufficient balance")
	ErrInsufficientStake     = newError(KindResource, "insufficient_stake", "insufficient stake")
	ErrInsufficientClaimable = newError(KindResource, "insufficient_claimable", "insufficient claim balance")
	ErrAssetTransfer         = newError(KindResource, "asset_transfer_failed", "asset transfer failed")
	ErrPriceUnavailable      = newError(KindResource, "price_unavailable", "price unavailable")
)

// KindOf returns the kind of the first ledger error in err's chain.
// Arithmetic failures from package fixed are invariant errors.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, fixed.ErrOverflow) || errors.Is(err, fixed.ErrUnderflow) ||
		errors.Is(err, fixed.ErrDivisionByZero) {
		return KindInvariant
	}
	return KindUnknown
}

// CodeOf returns the stable code of the first ledger error in err's chain.
func CodeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	if KindOf(err) == KindInvariant {
		return ErrArithmetic.Code
	}
	return "internal"
}

// arith wraps a fixed-point failure with the quantity being computed.
func arith(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrArithmetic, what, err)
}
