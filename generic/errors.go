/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place. The engine never panics on bad input; every
  failure is a value the caller can classify with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Rejections - a valid request that violates a monetary invariant
     (UnknownWorker, OverpaymentRequested). Reported per worker.
  2. Input errors - InvalidAmount, empty request. Raised before any lookup.
  3. Store errors - not found, concurrent modification.

USAGE:
  if errors.Is(err, generic.ErrOverpaymentRequested) {
      var rej *generic.RejectionError
      errors.As(err, &rej) // every failing worker
  }

SEE ALSO:
  - allocation.go: produces rejections
  - api/handlers.go: maps errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnknownWorker: a requested worker has no outstanding records.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrOverpaymentRequested: the amount exceeds what the worker is still owed.
	ErrOverpaymentRequested = errors.New("overpayment requested")

	// ErrInvalidAmount: negative, non-numeric, sub-cent or too large amount.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrEmptyRequest   = errors.New("disbursement request has no lines")
	ErrWorkerRequired = errors.New("worker name is required")

	ErrRecordNotFound       = errors.New("pay record not found")
	ErrDisbursementNotFound = errors.New("disbursement not found")

	// ErrRecordSettled is returned when an operation needs an outstanding record.
	ErrRecordSettled = errors.New("pay record is already settled")

	// ErrOwedBelowPaid is returned when an edit would make owed smaller than paid.
	ErrOwedBelowPaid = errors.New("owed amount cannot be lower than the amount already paid")

	// ErrConcurrentModification is returned when a conditional write finds
	// the record changed since the plan was computed.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrOrganizationRequired = errors.New("organization id is required")
	ErrInvalidOrganization  = errors.New("invalid organization id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnknownWorkerError names a worker with zero outstanding records.
type UnknownWorkerError struct {
	Worker string
}

func (e *UnknownWorkerError) Error() string {
	return fmt.Sprintf("unknown worker %q: no outstanding pay records", e.Worker)
}

func (e *UnknownWorkerError) Unwrap() error { return ErrUnknownWorker }

// OverpaymentError provides details about an amount above the worker's debt.
type OverpaymentError struct {
	Worker      string
	Requested   decimal.Decimal
	Outstanding decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("overpayment requested for %q: requested %s, outstanding %s",
		e.Worker, e.Requested.StringFixed(CurrencyPlaces), e.Outstanding.StringFixed(CurrencyPlaces))
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpaymentRequested }

// InvalidAmountError describes an amount rejected before any lookup.
type InvalidAmountError struct {
	Worker string
	Value  string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	if e.Worker == "" {
		return fmt.Sprintf("invalid amount %q: %s", e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid amount %q for %q: %s", e.Value, e.Worker, e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// RejectionError is a whole batch refused. Violations holds one
// *UnknownWorkerError or *OverpaymentError per failing worker, in request order.
type RejectionError struct {
	Violations []error
}

func (e *RejectionError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return "disbursement rejected: " + strings.Join(msgs, "; ")
}

func (e *RejectionError) Unwrap() []error { return e.Violations }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrEmptyRequest) ||
		errors.Is(err, ErrWorkerRequired) ||
		errors.Is(err, ErrOverpaymentRequested) ||
		errors.Is(err, ErrUnknownWorker) ||
		errors.Is(err, ErrRecordSettled) ||
		errors.Is(err, ErrOwedBelowPaid) ||
		errors.Is(err, ErrOrganizationRequired) ||
		errors.Is(err, ErrInvalidOrganization)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrDisbursementNotFound)
}
