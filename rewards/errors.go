/*
errors.go - Centralized error types for the reward engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers wrap these with context via fmt.Errorf("...: %w", err) and
  test with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Input errors      - invalid event, invalid reward definition
  2. Business outcomes - not found, unsatisfied, recurrence exceeded, duplicate
  3. Infrastructure    - concurrent modification, upstream/history unavailable

  Business outcomes are NOT failures of the system. Classify (outcome.go)
  turns any error into a single Outcome so transports can pick a status.

SEE ALSO:
  - outcome.go: Classify
  - ledger.go: produces recurrence / duplicate / concurrency errors
*/
package rewards

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidEvent is returned for a missing or unknown event name.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidUser is returned when no user could be resolved for an event.
	ErrInvalidUser = errors.New("invalid user")

	// ErrRewardNotFound is returned when no active, unexpired reward exists for the event.
	ErrRewardNotFound = errors.New("reward not found")

	// ErrConditionsUnsatisfied is returned when a reward has conditions and none holds.
	ErrConditionsUnsatisfied = errors.New("reward conditions not satisfied")

	// ErrRecurrenceExceeded is returned when the user already claimed the reward
	// the maximum number of times.
	ErrRecurrenceExceeded = errors.New("reward recurrence exceeded")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same
	// idempotency key already exists. Expected under at-least-once delivery.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when two writers raced for the same
	// claim sequence number.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrHistoryUnavailable is returned when the resource history has no versions.
	ErrHistoryUnavailable = errors.New("resource history unavailable")

	// ErrUpstreamUnavailable is returned when the resource server timed out or failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnsupportedResource is returned for resource types with no field mapping.
	ErrUnsupportedResource = errors.New("unsupported resource type")

	ErrDuplicateReward   = errors.New("reward already exists for event")
	ErrConditionNotFound = errors.New("condition not found")
	ErrInvalidReward     = errors.New("invalid reward")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RecurrenceExceededError carries the claim state at rejection time.
type RecurrenceExceededError struct {
	Event           Event
	UserID          string
	RecurrenceCount int
	ClaimCount      int
}

func (e *RecurrenceExceededError) Error() string {
	return fmt.Sprintf("reward %s already claimed %d/%d times by user %s",
		e.Event, e.ClaimCount, e.RecurrenceCount, e.UserID)
}

func (e *RecurrenceExceededError) Unwrap() error {
	return ErrRecurrenceExceeded
}

// ValidationError lists every problem found in a reward definition or request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidReward
}

func (e *ValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Err returns nil when no problem was recorded.
func (e *ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrHistoryUnavailable) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidReward) ||
		errors.Is(err, ErrDuplicateReward) ||
		errors.Is(err, ErrConditionsUnsatisfied)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrConditionNotFound)
}
