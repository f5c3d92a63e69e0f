package warmup

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportFailure marks a single failed send or mailbox operation
	ErrTransportFailure = errors.New("transport failure")

	// ErrTransportUnavailable is surfaced when every send attempt of a cycle failed
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrValidation marks malformed account input
	ErrValidation = errors.New("validation failed")

	// ErrAccountNotFound is returned for unknown accounts
	ErrAccountNotFound = errors.New("account not found")

	// ErrDuplicateAccount is returned when registering an existing email
	ErrDuplicateAccount = errors.New("account already registered")

	// ErrConcurrencyConflict is returned when another cycle holds the account lease
	ErrConcurrencyConflict = errors.New("cycle already running for account")

	// ErrCampaignNotFound is returned for unknown campaigns
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrAccountInactive is returned when a cycle is requested for a non-active account
	ErrAccountInactive = errors.New("account is not active")
)

// ValidationError describes an invalid account field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// CycleError carries the account identity of a cycle that failed as a whole
type CycleError struct {
	Email string
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("warmup cycle for %s: %v", e.Email, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}
