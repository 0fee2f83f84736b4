/*
errors.go - Centralized error types for the till engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match kinds with errors.Is against the sentinels, or errors.As
  against the structured types for details.

ERROR CATEGORIES:
  1. Domain errors - returned by Service, one per failure kind:
       ConflictError      double open, duplicate idempotency key, duplicate terminal
       InvalidStateError  movement or close against a session that is not open
       ValidationError    malformed input, missing scope identifiers
       NotFoundError      unknown session or terminal
       ScopeError         cross-tenant or cross-terminal access
  2. Store errors - returned by Store implementations, translated by Service

PROPAGATION:
  Every domain error is terminal for the operation that raised it. Nothing is
  retried by the engine and nothing is partially applied.

SEE ALSO:
  - service.go: Translates store errors into domain errors
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package till

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrScope        = errors.New("outside caller scope")
)

// Store-level sentinels. Implementations return these; Service wraps them.
var (
	// ErrDuplicateOpenTill is returned when inserting an open session for a
	// terminal that already has one. Backed by a unique constraint.
	ErrDuplicateOpenTill = errors.New("terminal already has an open till")

	// ErrDuplicateIdempotencyKey is returned when a movement with the same
	// idempotency key already exists for the till.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateTerminal is returned when registering an existing terminal id.
	ErrDuplicateTerminal = errors.New("terminal already registered")

	ErrSessionNotFound  = errors.New("till session not found")
	ErrTerminalNotFound = errors.New("terminal not found")

	// ErrSessionNotOpen is returned by CloseSession when the row is no longer open.
	ErrSessionNotOpen = errors.New("till session is not open")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError reports a state transition that violates a uniqueness rule.
type ConflictError struct {
	TerminalID     TerminalID
	ExistingTillID TillID
	Reason         string
}

func (e *ConflictError) Error() string {
	if e.ExistingTillID != "" {
		return fmt.Sprintf("conflict: terminal %s already has open till %s", e.TerminalID, e.ExistingTillID)
	}
	return "conflict: " + e.Reason
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidStateError reports an operation against a session in the wrong state.
type InvalidStateError struct {
	TillID TillID
	Status Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: till %s is %s", e.Op, e.TillID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing session or terminal.
type NotFoundError struct {
	Resource string // "till" or "terminal"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ScopeError reports access to a terminal or session outside the caller's scope.
type ScopeError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
}

func (e *ScopeError) Unwrap() error { return ErrScope }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Kind codes returned by KindOf.
const (
	CodeConflict     = "conflict"
	CodeInvalidState = "invalid_state"
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeScope        = "forbidden"
	CodeInternal     = "internal"
)

// KindOf returns the machine-readable code for err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrScope):
		return CodeScope
	default:
		return CodeInternal
	}
}

// IsClientError returns true if the error is caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrScope)
}

// IsNotFound returns true if the error indicates a missing session or terminal.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
