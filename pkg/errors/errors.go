package apperrors

import (
	"errors"
	"strings"
)

// Venue and order errors
var (
	ErrInsufficientBalance    = errors.New("insufficient balance or allowance")
	ErrOrderRejected          = errors.New("order rejected")
	ErrRateLimited            = errors.New("rate limited")
	ErrNetwork                = errors.New("network error")
	ErrInvalidOrderParameter  = errors.New("invalid order parameter")
	ErrDuplicateOrder         = errors.New("duplicate order")
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderAlreadyCanceled   = errors.New("order already canceled")
	ErrCancelRetriesExhausted = errors.New("cancel retries exhausted")
	ErrEmptyBook              = errors.New("order book side empty")
	ErrUnknownInstrument      = errors.New("unknown instrument")
	ErrAuthenticationFailed   = errors.New("authentication failed")
)

// Orchestrator lifecycle errors
var (
	ErrAlreadyRunning = errors.New("strategy already running")
	ErrNotRunning     = errors.New("strategy not running")
	ErrAlreadyStopped = errors.New("strategy already stopped")
)

var balanceMarkers = []string{
	"not enough balance",
	"insufficient balance",
	"insufficient funds",
	"allowance",
}

// IsBalanceMessage reports whether a venue message describes a balance or
// allowance shortfall
func IsBalanceMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range balanceMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsAlreadyCanceledMessage reports whether a venue cancel reply means the
// order is no longer live
func IsAlreadyCanceledMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "already canceled") ||
		strings.Contains(lower, "already cancelled")
}
