package domain

import "errors"

// Sentinel errors surfaced by the engine, recoverable at the caller.
// HTTP handlers map these to {detail: string} with the matching status
// code; CLI jobs log them per-item and continue.
var (
	ErrValidation         = errors.New("validation_error")
	ErrSuspendedTrader    = errors.New("suspended_trader")
	ErrOutsideWindow      = errors.New("outside_window")
	ErrDailyCountExceeded = errors.New("daily_count_exceeded")
	ErrDailyAmountExceed  = errors.New("daily_amount_exceeded")
	ErrInsufficientCash   = errors.New("insufficient_cash")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrUnknownInstrument  = errors.New("unknown_instrument")
	ErrUnknownUser        = errors.New("unknown_user")
	ErrInventoryExhausted = errors.New("inventory_exhausted")
	ErrResourceBusy       = errors.New("resource_busy")
	ErrConflict           = errors.New("conflict")
	ErrNoEligibleHoldings = errors.New("no_eligible_holdings")
	ErrAlreadyDisbursed   = errors.New("already_disbursed")
)

// StatusFor maps an engine error to its HTTP status. Handlers should
// errors.Is against the sentinels above rather than string-match.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrUnknownInstrument), errors.Is(err, ErrUnknownUser):
		return 404
	case errors.Is(err, ErrSuspendedTrader),
		errors.Is(err, ErrOutsideWindow),
		errors.Is(err, ErrDailyCountExceeded),
		errors.Is(err, ErrDailyAmountExceed),
		errors.Is(err, ErrInsufficientCash),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrInventoryExhausted),
		errors.Is(err, ErrAlreadyDisbursed),
		errors.Is(err, ErrNoEligibleHoldings):
		return 422
	case errors.Is(err, ErrResourceBusy):
		return 503
	case errors.Is(err, ErrConflict):
		return 409
	default:
		return 500
	}
}
