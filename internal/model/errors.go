package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransient marks store failures that are safe to retry
	// (timeouts, serialization conflicts, lock contention).
	ErrTransient = errors.New("transient store error")

	// ErrIntegrity is returned when a mutation would break a security's
	// unit invariant or a FIFO position guarantee. Never recoverable.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrTerminalOrder is returned when transitioning an order that is
	// already completed, cancelled or expired.
	ErrTerminalOrder = errors.New("order is in a terminal state")

	// ErrInsufficientFunds is returned when a fill would overdraw the
	// buyback fund.
	ErrInsufficientFunds = errors.New("insufficient buyback funds")

	// ErrReserveExceeded is returned when an issuance would push a reserve
	// pool's used quantity beyond its allocation.
	ErrReserveExceeded = errors.New("reserve allocation exceeded")

	// ErrNotReversible is returned when cancelling a settled or already
	// cancelled reserve issuance.
	ErrNotReversible = errors.New("issuance is not reversible")
)

// Constraint names the binding rule of a rejected sale.
type Constraint string

const (
	ConstraintQuantity    Constraint = "invalid_quantity"
	ConstraintHoldings    Constraint = "insufficient_holdings"
	ConstraintDaily       Constraint = "daily_limit"
	ConstraintWeekly      Constraint = "weekly_limit"
	ConstraintMonthly     Constraint = "monthly_limit"
	ConstraintPercentage  Constraint = "percentage_of_holdings"
	ConstraintReserveType Constraint = "invalid_reserve_type"
	ConstraintIssuedUnits Constraint = "exceeds_issued_units"
)

// ValidationError is a recoverable rejection surfaced verbatim to callers.
// Remaining is the headroom left under the binding constraint.
type ValidationError struct {
	Constraint Constraint
	Remaining  int64
	Reason     string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(c Constraint, remaining int64, format string, args ...any) *ValidationError {
	return &ValidationError{
		Constraint: c,
		Remaining:  remaining,
		Reason:     fmt.Sprintf(format, args...),
	}
}

// ConfigurationError reports missing or disabled settings. The affected
// cycle or submission is skipped with this reason rather than failing.
type ConfigurationError struct {
	SecurityID string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration for %s: %s", e.SecurityID, e.Reason)
}
