/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is on the sentinels, or errors.As on the
  structured types when they need the offending ID.

ERROR CATEGORIES:
  1. Lookup errors - unknown record, loan or worker
  2. Argument errors - non-positive amounts, malformed status, bad input
  3. State errors - paying an installment on a settled loan

IDEMPOTENT TRANSITIONS:
  Asking for the status a record already has is not an error. The engine
  returns the unchanged record with Transition.Changed == false.

CLAMPING:
  A debit that would push a balance below zero is clamped, never reported.

SEE ALSO:
  - loans.go: Raises NotFound, InvalidArgument, AlreadySettled
  - engine.go: Propagates them unchanged
  - api/handlers.go: Maps them to HTTP statuses
*/
package payroll

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record, loan or worker
	// doesn't exist where one is required.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for non-positive amounts, malformed
	// status targets and invalid payroll input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadySettled is returned when paying an installment on a loan
	// that is already settled.
	ErrAlreadySettled = errors.New("loan already settled")

	// ErrDuplicateRecord is returned when a worker already has a payroll
	// record for the same week and year.
	ErrDuplicateRecord = errors.New("duplicate payroll record for period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the kind and ID that could not be resolved.
type NotFoundError struct {
	Kind string // "loan", "payroll record", "worker"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InvalidArgumentError describes a rejected input field.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

// AlreadySettledError is returned by PayInstallment on a settled loan.
type AlreadySettledError struct {
	LoanID LoanID
	Worker string // display label, may be empty
}

func (e *AlreadySettledError) Error() string {
	if e.Worker != "" {
		return fmt.Sprintf("loan %s of %s is already settled", e.LoanID, e.Worker)
	}
	return fmt.Sprintf("loan %s is already settled", e.LoanID)
}

func (e *AlreadySettledError) Unwrap() error {
	return ErrAlreadySettled
}

// DuplicateRecordError identifies the clashing period.
type DuplicateRecordError struct {
	WorkerID WorkerID
	Week     int
	Year     int
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("worker %s already has a payroll record for week %d/%d", e.WorkerID, e.Week, e.Year)
}

func (e *DuplicateRecordError) Unwrap() error {
	return ErrDuplicateRecord
}

// LoanNotFound, RecordNotFound and WorkerNotFound build the lookup errors
// shared by the engine and store implementations.
func LoanNotFound(id LoanID) error     { return &NotFoundError{Kind: "loan", ID: string(id)} }
func RecordNotFound(id RecordID) error { return &NotFoundError{Kind: "payroll record", ID: string(id)} }
func WorkerNotFound(id WorkerID) error { return &NotFoundError{Kind: "worker", ID: string(id)} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// or a request that conflicts with current state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrDuplicateRecord)
}
