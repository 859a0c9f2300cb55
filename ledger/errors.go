/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Business rejections - insufficient balance, no payers, invalid amount.
     Never retried; surfaced to the caller as a structured failure.
  2. Missing entities - NotFoundError, never a nil dereference.
  3. Faults - ledger inconsistency (a bug) and transient store errors.
     Transient store errors are retried by store/retry, not by the core.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientPayerBalance) { ... }

  var nf *ledger.NotFoundError
  if errors.As(err, &nf) { fmt.Println(nf.Entity, nf.ID) }

  code := ledger.CodeFor(ledger.OpSpend, err)
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced user or payer does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientUserBalance is returned when a user cannot cover a debit.
	ErrInsufficientUserBalance = errors.New("insufficient user balance")

	// ErrInsufficientPayerBalance is returned when a payer cannot cover a grant.
	ErrInsufficientPayerBalance = errors.New("insufficient payer balance")

	// ErrNoPayers is returned by the payer balance projection on an empty ledger.
	ErrNoPayers = errors.New("no payers found")

	// ErrInvalidAmount is returned for zero transfers and non-positive spends.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrLedgerInconsistent means active lots do not cover a balance that the
	// user record claims. The enclosing transaction is rolled back.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")

	// ErrStoreUnavailable is a transient storage failure (locked, busy, closed).
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConcurrentModification is a transient write conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateID is returned when provisioning an id that already exists.
	ErrDuplicateID = errors.New("duplicate id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type Entity string

const (
	EntityUser  Entity = "user"
	EntityPayer Entity = "payer"
	EntityLot   Entity = "lot"
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity Entity
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientBalanceError details a shortage on either side of a transfer.
type InsufficientBalanceError struct {
	Entity    Entity
	ID        string
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: %s has %d, requested %d",
		e.Entity, e.ID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	if e.Entity == EntityPayer {
		return ErrInsufficientPayerBalance
	}
	return ErrInsufficientUserBalance
}

// ValidationError describes a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidAmount }

// InvariantViolationError lists everything Audit found wrong.
type InvariantViolationError struct {
	Violations []string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%d invariant violation(s): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

func (e *InvariantViolationError) Unwrap() error { return ErrLedgerInconsistent }

// =============================================================================
// ERROR CODES - Closed set exposed to callers
// =============================================================================

// Code is the closed set of failure codes the ledger reports to callers.
type Code string

const (
	CodeUserNotEnough       Code = "USER_NOT_ENOUGH"
	CodePayerNotEnough      Code = "PAYER_NOT_ENOUGH"
	CodeNotEnoughUserPoints Code = "NOT_ENOUGH_USER_POINTS"
	CodeNoPayersFound       Code = "NO_PAYERS_FOUND"
	CodeNotFound            Code = "NOT_FOUND"
	CodeValidation          Code = "VALIDATION_FAILED"
	CodeConflict            Code = "CONFLICT"
	CodeInternal            Code = "INTERNAL"
)

// Message returns the human readable message for a code.
func (c Code) Message() string {
	switch c {
	case CodeUserNotEnough:
		return "user doesn't have enough points to deduct"
	case CodePayerNotEnough:
		return "payer doesn't have enough points to give"
	case CodeNotEnoughUserPoints:
		return "user doesn't have enough points"
	case CodeNoPayersFound:
		return "no payers found"
	case CodeNotFound:
		return "resource not found"
	case CodeValidation:
		return "invalid request"
	case CodeConflict:
		return "resource already exists"
	default:
		return "internal error"
	}
}

// Operation identifies the caller-facing operation an error came from. The
// same underlying error maps to different codes per operation.
type Operation int

const (
	OpTransfer Operation = iota
	OpSpend
	OpPayerBalances
	OpLookup
)

// CodeFor maps an error returned by the ledger to its caller-facing code.
func CodeFor(op Operation, err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientUserBalance):
		if op == OpSpend {
			return CodeNotEnoughUserPoints
		}
		return CodeUserNotEnough
	case errors.Is(err, ErrInsufficientPayerBalance):
		return CodePayerNotEnough
	case errors.Is(err, ErrNoPayers):
		return CodeNoPayersFound
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidAmount):
		return CodeValidation
	case errors.Is(err, ErrDuplicateID):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is a business-rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientUserBalance) ||
		errors.Is(err, ErrInsufficientPayerBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrNoPayers) ||
		errors.Is(err, ErrDuplicateID)
}

// IsNotFound returns true if the error indicates a missing user or payer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
