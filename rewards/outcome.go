package rewards

import (
	"context"
	"errors"
)

// Outcome is the business classification of one processed event.
// Transports map outcomes to status codes; the engine never does.
type Outcome string

const (
	OutcomeDistributed           Outcome = "distributed"
	OutcomeRewardNotFound        Outcome = "reward_not_found"
	OutcomeConditionsUnsatisfied Outcome = "conditions_unsatisfied"
	OutcomeRecurrenceExceeded    Outcome = "recurrence_exceeded"
	OutcomeDuplicate             Outcome = "duplicate"
	OutcomeIgnored               Outcome = "ignored"
	OutcomeRetryable             Outcome = "retryable"
	OutcomeInternal              Outcome = "internal"
)

// Expected reports whether the outcome is a normal business result
// rather than a failure of the system.
func (o Outcome) Expected() bool {
	switch o {
	case OutcomeRetryable, OutcomeInternal:
		return false
	}
	return true
}

// Classify maps the error returned by event processing to its Outcome.
// A nil error is a distribution.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDistributed
	case errors.Is(err, ErrRewardNotFound):
		return OutcomeRewardNotFound
	case errors.Is(err, ErrConditionsUnsatisfied):
		return OutcomeConditionsUnsatisfied
	case errors.Is(err, ErrRecurrenceExceeded):
		return OutcomeRecurrenceExceeded
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return OutcomeDuplicate
	case errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrUnsupportedResource):
		return OutcomeIgnored
	case IsRetryable(err),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeRetryable
	default:
		return OutcomeInternal
	}
}
