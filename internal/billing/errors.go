package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound means no account matches the given API key or
	// account ID.
	ErrAccountNotFound = errors.New("account not found")

	// ErrSubscriptionUnpaid rejects usage against an account whose
	// subscription payment has failed.
	ErrSubscriptionUnpaid = errors.New("subscription payment required")

	// ErrInvalidAmount rejects non-positive credit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrUnknownTier rejects tier names outside the configured set.
	ErrUnknownTier = errors.New("unknown pricing tier")
)

// SpendingLimitError rejects a usage event that would push the account
// past its monthly spending limit. Nothing is mutated when it is
// returned.
type SpendingLimitError struct {
	CurrentSpend  float64
	Limit         float64
	EstimatedCost float64
}

func (e *SpendingLimitError) Error() string {
	return fmt.Sprintf(
		"monthly spending limit ($%.2f) would be exceeded: current $%.2f, this job $%.2f, projected $%.2f",
		e.Limit, e.CurrentSpend, e.EstimatedCost, e.CurrentSpend+e.EstimatedCost)
}
