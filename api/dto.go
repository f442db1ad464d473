/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Events:
    SystemEventRequest, AllocateRequest, DistributionResponse

  Ledger:
    LedgerEntryDTO, HistoryResponse

  Catalog:
    RewardDTO (wraps factory.RewardJSON), RewardListResponse

SEE ALSO:
  - handlers.go: Uses these types
  - factory/reward.go: RewardJSON type
*/
package api

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/warp/reward-engine/factory"
	"github.com/warp/reward-engine/rewards"
)

// =============================================================================
// EVENTS
// =============================================================================

// SystemEventRequest is posted by internal services on behalf of a user.
type SystemEventRequest struct {
	Event          string          `json:"event"`
	UserID         string          `json:"user_id"`
	Data           json.RawMessage `json:"data,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// AllocateRequest is posted by the app for the authenticated user.
type AllocateRequest struct {
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// DistributionResponse reports the outcome of one processed event.
// OK is true only when a ledger entry was written.
type DistributionResponse struct {
	OK      bool            `json:"ok"`
	Outcome rewards.Outcome `json:"outcome"`
	Message string          `json:"message,omitempty"`
	Entry   *LedgerEntryDTO `json:"entry,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntryDTO represents one distribution in API responses.
type LedgerEntryDTO struct {
	ID           string `json:"id"`
	Event        string `json:"event"`
	UserID       string `json:"user_id"`
	ClaimAmount  int64  `json:"claim_amount"`
	ClaimCount   int    `json:"claim_count"`
	Status       string `json:"status"`
	TriggerField string `json:"trigger_field,omitempty"`
	TriggerValue string `json:"trigger_value,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// HistoryResponse is one page of a user's claims. Count is the total
// across all pages.
type HistoryResponse struct {
	Entries []LedgerEntryDTO `json:"entries"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	Count   int              `json:"count"`
}

func toLedgerEntryDTO(e rewards.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:           e.ID,
		Event:        string(e.Event),
		UserID:       e.UserID,
		ClaimAmount:  e.ClaimAmount,
		ClaimCount:   e.ClaimCount,
		Status:       string(e.Status),
		TriggerField: e.TriggerField,
		TriggerValue: e.TriggerValue,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    e.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// RewardDTO represents a catalog entry in API responses. LatestClaim is
// only set on listings that ask for the caller's claims.
type RewardDTO struct {
	factory.RewardJSON
	CreatedAt   string          `json:"created_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
	LatestClaim *LedgerEntryDTO `json:"latest_claim,omitempty"`
}

// RewardListResponse is one page of the catalog.
type RewardListResponse struct {
	Rewards []RewardDTO `json:"rewards"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	Count   int         `json:"count"`
}

func toRewardDTO(f *factory.RewardFactory, r rewards.Reward) RewardDTO {
	dto := RewardDTO{RewardJSON: f.ToJSON(r)}
	if !r.CreatedAt.IsZero() {
		dto.CreatedAt = r.CreatedAt.Format(time.RFC3339)
	}
	if !r.UpdatedAt.IsZero() {
		dto.UpdatedAt = r.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// decodeFields turns an event's data object into a field map. Numbers
// keep their exact decimal text.
func decodeFields(raw json.RawMessage) (rewards.Fields, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return rewards.Fields{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return rewards.FieldsFromMap(m), nil
}
