package api

import (
	"errors"
	"net/http"

	"github.com/warp/reward-engine/rewards"
)

// =============================================================================
// OUTCOME -> HTTP STATUS
// =============================================================================
//
// Direct callers (the app, internal services) see every business outcome.
// The webhook sender only sees success or "send it again": any other
// answer makes it redeliver, so business outcomes all collapse to 200.
//
//   outcome                 direct   webhook
//   distributed             201      201
//   reward_not_found        404      200
//   conditions_unsatisfied  400      200
//   recurrence_exceeded     200      200
//   duplicate               200      200
//   ignored                 400      200
//   retryable               503      400 (history missing) / 503
//   internal                500      503

var directStatus = map[rewards.Outcome]int{
	rewards.OutcomeDistributed:           http.StatusCreated,
	rewards.OutcomeRewardNotFound:        http.StatusNotFound,
	rewards.OutcomeConditionsUnsatisfied: http.StatusBadRequest,
	rewards.OutcomeRecurrenceExceeded:    http.StatusOK,
	rewards.OutcomeDuplicate:             http.StatusOK,
	rewards.OutcomeIgnored:               http.StatusBadRequest,
	rewards.OutcomeRetryable:             http.StatusServiceUnavailable,
	rewards.OutcomeInternal:              http.StatusInternalServerError,
}

var webhookStatus = map[rewards.Outcome]int{
	rewards.OutcomeDistributed:           http.StatusCreated,
	rewards.OutcomeRewardNotFound:        http.StatusOK,
	rewards.OutcomeConditionsUnsatisfied: http.StatusOK,
	rewards.OutcomeRecurrenceExceeded:    http.StatusOK,
	rewards.OutcomeDuplicate:             http.StatusOK,
	rewards.OutcomeIgnored:               http.StatusOK,
	rewards.OutcomeRetryable:             http.StatusServiceUnavailable,
	rewards.OutcomeInternal:              http.StatusServiceUnavailable,
}

// DirectStatus maps an event-processing error to the status returned to
// the app and internal services.
func DirectStatus(err error) int {
	return directStatus[rewards.Classify(err)]
}

// WebhookStatus maps an ingestion error to the status returned to the
// FHIR server. A missing history entry is answered with 400, which the
// server treats as "redeliver later".
func WebhookStatus(err error) int {
	if errors.Is(err, rewards.ErrHistoryUnavailable) {
		return http.StatusBadRequest
	}
	return webhookStatus[rewards.Classify(err)]
}

// catalogStatus maps catalog admin errors.
func catalogStatus(err error) int {
	switch {
	case errors.Is(err, rewards.ErrDuplicateReward):
		return http.StatusConflict
	case rewards.IsNotFound(err):
		return http.StatusNotFound
	case rewards.IsClientError(err):
		return http.StatusBadRequest
	case rewards.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
