/*
Package factory provides JSON to Go reward conversion.

PURPOSE:
  Converts JSON reward definitions into rewards.Reward values. The admin
  API and the seed command both go through here, so a reward created by
  hand and one loaded from a file get the same defaults and the same
  validation.

JSON SCHEMA:
  {
    "event": "monitor_heart_rate_daily",
    "title": "Monitor your heart rate",
    "description": "Record a reading from your watch",
    "amount": 50,
    "status": "active",
    "recurrence_count": 1,
    "priority": "medium",
    "origin_resource": "Observation",
    "expires_at": "2026-01-01T00:00:00Z",
    "conditions": [
      {"field": "heart-rate", "comparator": ">=", "value": "40",
       "value_type": "int", "is_value_absolute": true}
    ]
  }

DEFAULTS:
  status draft, priority low, recurrence_count 1,
  value_type text, is_value_absolute true

USAGE:
  f := NewRewardFactory()
  reward, err := f.ParseReward(jsonString)
  catalog, err := f.ParseCatalog(seedFileBytes)

SEE ALSO:
  - rewards/types.go: Reward and its validation
  - rewards/presets.go: Go-based catalog presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/reward-engine/rewards"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RewardJSON is the JSON representation of a reward.
type RewardJSON struct {
	Event           string          `json:"event"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Amount          int64           `json:"amount"`
	Status          string          `json:"status,omitempty"`
	RecurrenceCount *int            `json:"recurrence_count,omitempty"` // -1 = unlimited
	Priority        string          `json:"priority,omitempty"`
	OriginResource  string          `json:"origin_resource,omitempty"`
	ExpiresAt       *string         `json:"expires_at,omitempty"` // RFC3339, "" or "null" clears
	Conditions      []ConditionJSON `json:"conditions,omitempty"`
}

// ConditionJSON represents one reward condition.
type ConditionJSON struct {
	Field           string `json:"field"`
	Comparator      string `json:"comparator"`
	Value           string `json:"value"`
	ValueType       string `json:"value_type,omitempty"`
	IsValueAbsolute *bool  `json:"is_value_absolute,omitempty"`
}

// RewardPatchJSON is a partial update. Conditions are appended to the
// existing list, never replacing it.
type RewardPatchJSON struct {
	Title           *string         `json:"title,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Amount          *int64          `json:"amount,omitempty"`
	Status          *string         `json:"status,omitempty"`
	RecurrenceCount *int            `json:"recurrence_count,omitempty"`
	Priority        *string         `json:"priority,omitempty"`
	OriginResource  *string         `json:"origin_resource,omitempty"`
	ExpiresAt       *string         `json:"expires_at,omitempty"`
	Conditions      []ConditionJSON `json:"conditions,omitempty"`
}

// =============================================================================
// REWARD FACTORY
// =============================================================================

// RewardFactory converts JSON rewards to Go structs.
type RewardFactory struct{}

func NewRewardFactory() *RewardFactory {
	return &RewardFactory{}
}

// ParseReward parses a JSON string into a validated Reward.
func (f *RewardFactory) ParseReward(jsonStr string) (rewards.Reward, error) {
	var rj RewardJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return rewards.Reward{}, fmt.Errorf("failed to parse reward JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// ParseCatalog parses a JSON array of rewards. Every reward is validated
// and an event may appear only once.
func (f *RewardFactory) ParseCatalog(data []byte) ([]rewards.Reward, error) {
	var list []RewardJSON
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}

	out := make([]rewards.Reward, 0, len(list))
	seen := make(map[rewards.Event]bool, len(list))
	for i, rj := range list {
		r, err := f.FromJSON(rj)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if seen[r.Event] {
			return nil, fmt.Errorf("catalog entry %d: %w: %s", i, rewards.ErrDuplicateReward, r.Event)
		}
		seen[r.Event] = true
		out = append(out, r)
	}
	return out, nil
}

// FromJSON converts RewardJSON to a Reward, applying defaults. The error,
// if any, is a *rewards.ValidationError listing every problem found.
func (f *RewardFactory) FromJSON(rj RewardJSON) (rewards.Reward, error) {
	r := rewards.Reward{
		Event:           rewards.Event(strings.TrimSpace(rj.Event)),
		Title:           strings.TrimSpace(rj.Title),
		Description:     rj.Description,
		Amount:          rj.Amount,
		Status:          rewards.StatusDraft,
		RecurrenceCount: 1,
		Priority:        rewards.PriorityLow,
		OriginResource:  rj.OriginResource,
	}
	if rj.Status != "" {
		r.Status = rewards.Status(rj.Status)
	}
	if rj.Priority != "" {
		r.Priority = rewards.Priority(rj.Priority)
	}
	if rj.RecurrenceCount != nil {
		r.RecurrenceCount = *rj.RecurrenceCount
	}

	problems := &rewards.ValidationError{}
	if rj.ExpiresAt != nil {
		expires, err := parseExpiry(*rj.ExpiresAt)
		if err != nil {
			problems.Add("expires_at: %v", err)
		}
		r.ExpiresAt = expires
	}
	for _, cj := range rj.Conditions {
		r.Conditions = append(r.Conditions, parseCondition(cj))
	}

	if err := r.Validate(); err != nil {
		if vErr, ok := err.(*rewards.ValidationError); ok {
			problems.Problems = append(problems.Problems, vErr.Problems...)
		}
	}
	if err := problems.Err(); err != nil {
		return rewards.Reward{}, err
	}
	return r, nil
}

// Patch applies a partial update to r and validates the result.
func (f *RewardFactory) Patch(r rewards.Reward, p RewardPatchJSON) (rewards.Reward, error) {
	if p.Title != nil {
		r.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Amount != nil {
		r.Amount = *p.Amount
	}
	if p.Status != nil {
		r.Status = rewards.Status(*p.Status)
	}
	if p.RecurrenceCount != nil {
		r.RecurrenceCount = *p.RecurrenceCount
	}
	if p.Priority != nil {
		r.Priority = rewards.Priority(*p.Priority)
	}
	if p.OriginResource != nil {
		r.OriginResource = *p.OriginResource
	}

	problems := &rewards.ValidationError{}
	if p.ExpiresAt != nil {
		expires, err := parseExpiry(*p.ExpiresAt)
		if err != nil {
			problems.Add("expires_at: %v", err)
		}
		r.ExpiresAt = expires
	}

	r.Conditions = append(rewards.Conditions(nil), r.Conditions...)
	for _, cj := range p.Conditions {
		r.Conditions = append(r.Conditions, parseCondition(cj))
	}

	if err := r.Validate(); err != nil {
		if vErr, ok := err.(*rewards.ValidationError); ok {
			problems.Problems = append(problems.Problems, vErr.Problems...)
		}
	}
	if err := problems.Err(); err != nil {
		return rewards.Reward{}, err
	}
	return r, nil
}

// ToJSON converts a Reward to RewardJSON.
func (f *RewardFactory) ToJSON(r rewards.Reward) RewardJSON {
	recurrence := r.RecurrenceCount
	rj := RewardJSON{
		Event:           string(r.Event),
		Title:           r.Title,
		Description:     r.Description,
		Amount:          r.Amount,
		Status:          string(r.Status),
		RecurrenceCount: &recurrence,
		Priority:        string(r.Priority),
		OriginResource:  r.OriginResource,
	}
	if r.ExpiresAt != nil {
		s := r.ExpiresAt.UTC().Format(time.RFC3339)
		rj.ExpiresAt = &s
	}
	for _, c := range r.Conditions {
		absolute := c.IsValueAbsolute
		rj.Conditions = append(rj.Conditions, ConditionJSON{
			Field:           c.Field,
			Comparator:      string(c.Comparator),
			Value:           c.Value,
			ValueType:       string(c.ValueType),
			IsValueAbsolute: &absolute,
		})
	}
	return rj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseCondition(cj ConditionJSON) rewards.Condition {
	c := rewards.Condition{
		Field:           strings.TrimSpace(cj.Field),
		Comparator:      rewards.Comparator(strings.TrimSpace(cj.Comparator)),
		Value:           cj.Value,
		ValueType:       rewards.ValueText,
		IsValueAbsolute: true,
	}
	if cj.ValueType != "" {
		c.ValueType = rewards.ValueType(cj.ValueType)
	}
	if cj.IsValueAbsolute != nil {
		c.IsValueAbsolute = *cj.IsValueAbsolute
	}
	return c
}

// parseExpiry accepts RFC3339 or a bare date. Empty and "null" clear the
// expiry.
func parseExpiry(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", s)
}
