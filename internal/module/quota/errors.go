package quota

import "errors"

var (
	// ErrNoEligibleRow means no active annual, non-free, in-period
	// subscription row exists for the organization.
	ErrNoEligibleRow = errors.New("no eligible subscription quota row")

	// ErrGuardFailed means a conditional update matched zero rows.
	ErrGuardFailed = errors.New("conditional quota update matched no rows")

	// ErrFallbackUnavailable means the monthly fallback pool cannot be
	// reached (circuit open or Redis down).
	ErrFallbackUnavailable = errors.New("fallback quota pool unavailable")

	// ErrFallbackExhausted means the monthly fallback pool has no balance
	// left for the requested kind.
	ErrFallbackExhausted = errors.New("fallback quota exhausted")
)
