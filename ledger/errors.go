/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores wrap these with additional context; callers classify with errors.Is.

ERROR CATEGORIES:
  1. Business outcomes - SLOT_TAKEN, HOLD_EXPIRED, NOT_FOUND, WRONG_STATE.
     Routine; returned inside structured results, never as Go errors from
     the public operations.
  2. Storage failures - conflicts after exhausted retries, driver errors.
     Returned as Go errors (code INTERNAL).
  3. Caller bugs - missing idempotency key, empty line items.

USAGE:
  res, err := l.CreateHold(ctx, params, key)
  if err != nil {
      // storage failure: retry with backoff or surface a generic failure
  }
  if !res.Success && res.ErrorCode == ledger.CodeSlotTaken {
      // offer another slot
  }

SEE ALSO:
  - ledger.go: Converts business errors into results
  - retry.go: Uses IsRetryable
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR CODES - Stable identifiers exposed to callers
// =============================================================================

type ErrorCode string

const (
	CodeSlotTaken   ErrorCode = "SLOT_TAKEN"
	CodeHoldExpired ErrorCode = "HOLD_EXPIRED"
	CodeNotFound    ErrorCode = "NOT_FOUND"
	CodeWrongState  ErrorCode = "WRONG_STATE"
	CodeInternal    ErrorCode = "INTERNAL"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSlotTaken is returned when an unexpired lock already claims the resource.
	ErrSlotTaken = errors.New("slot taken")

	// ErrHoldExpired is returned when a confirm arrives after the hold lapsed.
	ErrHoldExpired = errors.New("hold expired")

	// ErrNotFound is returned for unknown transaction or request ids.
	ErrNotFound = errors.New("not found")

	// ErrWrongState is returned when the operation is invalid for the current state.
	ErrWrongState = errors.New("wrong state")

	// ErrConcurrentModification is returned by stores when optimistic
	// validation detects a conflicting commit. Retried by the ledger.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAlreadyExists is returned by stores when creating a document that exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIdempotencyKeyRequired is returned when a mutating call omits its key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")

	// ErrInvariantViolation means a write would break a data model invariant.
	ErrInvariantViolation = errors.New("invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OperationError ties an error to the ledger operation and the caller-facing code.
type OperationError struct {
	Op   string
	Code ErrorCode
	Err  error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op string, err error) *OperationError {
	return &OperationError{Op: op, Code: CodeOf(err), Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf maps an error onto the caller-facing taxonomy.
func CodeOf(err error) ErrorCode {
	var opErr *OperationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &opErr) && opErr.Code != "":
		return opErr.Code
	case errors.Is(err, ErrSlotTaken):
		return CodeSlotTaken
	case errors.Is(err, ErrHoldExpired):
		return CodeHoldExpired
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrWrongState):
		return CodeWrongState
	default:
		return CodeInternal
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsBusinessOutcome returns true for routine outcomes reported via results.
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrSlotTaken) ||
		errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrWrongState)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrIdempotencyKeyRequired)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
