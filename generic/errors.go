/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Missing data - recovered with statutory fallbacks, surfaced as notices
  2. Invalid override - rejected at the edit boundary, prior value retained
  3. Persistence failure - reported to the caller, in-memory state rolled back
  4. Configuration gap - state/method absent from the registry
  5. Not found - the only category that aborts a calculation

USAGE:
    if errors.Is(err, generic.ErrInvalidOverride) {
        // 400 to the client, ledger unchanged
    }

SEE ALSO:
  - ledger.go: Produces InvalidOverrideError and PersistenceError
  - state/evaluator.go: Produces ConfigurationGapError as a status
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingData marks an input that was absent and replaced by a fallback.
	ErrMissingData = errors.New("missing data")

	// ErrInvalidOverride is returned when a manual line value fails validation.
	ErrInvalidOverride = errors.New("invalid override")

	// ErrPersistence is returned when an override or lock write fails.
	ErrPersistence = errors.New("persistence failure")

	// ErrConfigurationGap marks a state/method missing from the formula registry.
	ErrConfigurationGap = errors.New("configuration gap")

	// ErrBusinessYearNotFound aborts a calculation.
	ErrBusinessYearNotFound = errors.New("business year not found")

	// ErrBusinessNotFound is returned when a year references an unknown business.
	ErrBusinessNotFound = errors.New("business not found")

	// ErrLineNotFound is returned for an unknown section/line pair.
	ErrLineNotFound = errors.New("line not found")

	// ErrLineNotEditable is returned when overriding a computed or locked line.
	ErrLineNotEditable = errors.New("line not editable")

	// ErrInvalidLedger is returned when section definitions break the
	// earlier-lines-only dependency rule.
	ErrInvalidLedger = errors.New("invalid ledger definition")

	// ErrNothingToLock is returned when a lock would freeze an empty
	// breakdown over a year whose QRE is only known as a manual total.
	ErrNothingToLock = errors.New("no allocation records to lock")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidOverrideError describes a rejected manual entry.
type InvalidOverrideError struct {
	Section SectionID
	Line    int
	Value   string
	Reason  string
}

func (e *InvalidOverrideError) Error() string {
	return fmt.Sprintf("invalid override for %s line %d (%q): %s", e.Section, e.Line, e.Value, e.Reason)
}

func (e *InvalidOverrideError) Unwrap() error {
	return ErrInvalidOverride
}

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying store error.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// ConfigurationGapError names the missing registry entry.
type ConfigurationGapError struct {
	State  string
	Method string
}

func (e *ConfigurationGapError) Error() string {
	return fmt.Sprintf("no formula configuration for %s/%s", e.State, e.Method)
}

func (e *ConfigurationGapError) Unwrap() error {
	return ErrConfigurationGap
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOverride) ||
		errors.Is(err, ErrLineNotEditable)
}

// IsConflict returns true if the request is valid but the resource's
// current state does not allow it.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNothingToLock)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBusinessYearNotFound) ||
		errors.Is(err, ErrBusinessNotFound) ||
		errors.Is(err, ErrLineNotFound)
}
