/*
Package rewards implements condition-matched reward distribution for
health-app activity events.

PURPOSE:
  Health activity (a heart-rate reading, an answered questionnaire, a daily
  app check-in) arrives as an event name plus a user plus a bag of observed
  fields. The catalog holds at most one reward per event. When the reward
  is active, its conditions hold and the user has claims left, exactly one
  ledger entry is appended and the user is credited.

DATA MODEL:
  Reward:      catalog entry keyed by Event (amount, status, recurrence cap)
  Condition:   one OR-ed rule under a reward (see conditions.go)
  LedgerEntry: append-only record of one granted claim (see ledger.go)

RECURRENCE:
  RecurrenceCount is the lifetime claim cap per (user, event).
  -1 means unlimited. 0 means nobody can ever claim it.

EXAMPLE FLOW:
  1. Reward checkin_app_daily: 10 points, unlimited, timestamp > prevTimeStamp
  2. User opens the app: CheckIn.Claim builds {timestamp, prevTimeStamp}
  3. Engine finds the reward, evaluates, Ledger.Distribute appends claim #N+1

SEE ALSO:
  - engine.go: event processing entry points
  - ledger.go: atomic distribution
  - presets.go: built-in catalog
*/
package rewards

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

// Event names the user action a reward is attached to.
type Event string

// Events raised by the health app and its integrations.
const (
	EventWhatsappVerification    Event = "whatsapp_verification"
	EventSignupHealthID          Event = "signup_healthid"
	EventCheckinAppDaily         Event = "checkin_app_daily"
	EventClickNotification       Event = "click_notification"
	EventLinkPhoneWhatsapp       Event = "link_phone_whatsapp"
	EventAllowNotifications      Event = "allow_notifications"
	EventAllowHealthkit          Event = "allow_healthkit_permissions"
	EventBookHomeTests           Event = "book_home_tests_uwell_events"
	EventGenerateTempLinkSharing Event = "generate_temp_link_sharing"
	EventCompleteAbbyHealth      Event = "complete_abby_health"
	EventDailyVisitWebsite       Event = "daily_rewards_visit_uwell_website"
	EventCompleteQuestionnaire   Event = "complete_dynamic_questionnaire"
	EventProvideFeedback         Event = "provide_feedback_in_app"
	EventInAppPopupQuestions     Event = "dynamic_in-app_popup_questions"
	EventMonitorHeartRateDaily   Event = "monitor_heart_rate_daily"
	EventUploadPDFDocuments      Event = "upload_pdf_documents"
	EventSyncContacts            Event = "sync_contacts"
	EventInviteContacts          Event = "invite_contacts"
	EventVerifyKYC               Event = "verify_kyc"
	EventReferralRegistration    Event = "referral_registration"
	EventZenotiBookingWebhooks   Event = "zenoti_booking_webhooks"
)

var knownEvents = map[Event]bool{
	EventWhatsappVerification:    true,
	EventSignupHealthID:          true,
	EventCheckinAppDaily:         true,
	EventClickNotification:       true,
	EventLinkPhoneWhatsapp:       true,
	EventAllowNotifications:      true,
	EventAllowHealthkit:          true,
	EventBookHomeTests:           true,
	EventGenerateTempLinkSharing: true,
	EventCompleteAbbyHealth:      true,
	EventDailyVisitWebsite:       true,
	EventCompleteQuestionnaire:   true,
	EventProvideFeedback:         true,
	EventInAppPopupQuestions:     true,
	EventMonitorHeartRateDaily:   true,
	EventUploadPDFDocuments:      true,
	EventSyncContacts:            true,
	EventInviteContacts:          true,
	EventVerifyKYC:               true,
	EventReferralRegistration:    true,
	EventZenotiBookingWebhooks:   true,
}

// Known reports whether e is one of the events the platform raises.
func (e Event) Known() bool { return knownEvents[e] }

// KnownEvents returns every known event name.
func KnownEvents() []Event {
	out := make([]Event, 0, len(knownEvents))
	for e := range knownEvents {
		out = append(out, e)
	}
	return out
}

// ParseEvent trims and validates an event name.
func ParseEvent(s string) (Event, error) {
	e := Event(strings.TrimSpace(s))
	if e == "" || !e.Known() {
		return "", ErrInvalidEvent
	}
	return e, nil
}

// =============================================================================
// STATUS AND PRIORITY
// =============================================================================

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived, StatusDraft:
		return true
	}
	return false
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// =============================================================================
// REWARD
// =============================================================================

// UnlimitedRecurrence lifts the per-user claim cap.
const UnlimitedRecurrence = -1

// Reward is the catalog entry for one event.
type Reward struct {
	Event           Event      `json:"event"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Amount          int64      `json:"amount"`
	Status          Status     `json:"status"`
	RecurrenceCount int        `json:"recurrence_count"`
	Priority        Priority   `json:"priority"`
	OriginResource  string     `json:"origin_resource,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Conditions      Conditions `json:"conditions"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the reward can be distributed at now.
func (r Reward) ActiveAt(now time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

func (r Reward) Unlimited() bool { return r.RecurrenceCount == UnlimitedRecurrence }

// Exhausted reports whether a user whose latest entry is prior may not claim again.
func (r Reward) Exhausted(prior *LedgerEntry) bool {
	if r.Unlimited() {
		return false
	}
	claimed := 0
	if prior != nil {
		claimed = prior.ClaimCount
	}
	return claimed >= r.RecurrenceCount
}

// Validate checks invariants every stored reward must satisfy.
func (r Reward) Validate() error {
	v := &ValidationError{}
	if r.Event == "" {
		v.Add("event is required")
	} else if !r.Event.Known() {
		v.Add("unknown event %q", r.Event)
	}
	if strings.TrimSpace(r.Title) == "" {
		v.Add("title is required")
	}
	if r.Amount < 0 {
		v.Add("amount must not be negative")
	}
	if !r.Status.Valid() {
		v.Add("invalid status %q", r.Status)
	}
	if !r.Priority.Valid() {
		v.Add("invalid priority %q", r.Priority)
	}
	if r.RecurrenceCount < UnlimitedRecurrence {
		v.Add("recurrence count must be -1 or greater")
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			v.Add("condition %d: field is required", i)
		}
		if !c.Comparator.Valid() {
			v.Add("condition %d: invalid comparator %q", i, c.Comparator)
		}
		if !c.ValueType.Valid() {
			v.Add("condition %d: invalid value type %q", i, c.ValueType)
		}
		if !c.IsValueAbsolute && strings.TrimSpace(c.Value) == "" {
			v.Add("condition %d: relational condition needs a field name", i)
		}
	}
	return v.Err()
}

// WithoutCondition returns a copy of r without the conditions matching
// (field, comparator, value). ErrConditionNotFound when none match.
func (r Reward) WithoutCondition(field string, comparator Comparator, value string) (Reward, error) {
	kept := make(Conditions, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		if c.Field == field && c.Comparator == comparator && c.Value == value {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == len(r.Conditions) {
		return r, fmt.Errorf("%w: %s %s %s", ErrConditionNotFound, field, comparator, value)
	}
	r.Conditions = kept
	return r, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the read side the engine needs.
type Catalog interface {
	// ActiveReward returns the reward for event when its status is active,
	// otherwise ErrRewardNotFound. Expiry is checked by the caller.
	ActiveReward(ctx context.Context, event Event) (*Reward, error)
}

type RewardFilter struct {
	Status   Status
	Priority Priority
}

// CatalogStore is the full catalog used by admin operations.
type CatalogStore interface {
	Catalog

	// SaveReward inserts a new reward. ErrDuplicateReward if the event exists.
	SaveReward(ctx context.Context, r Reward) error

	// UpdateReward replaces the reward's fields and conditions atomically.
	UpdateReward(ctx context.Context, r Reward) error

	// Reward returns the reward for event regardless of status.
	Reward(ctx context.Context, event Event) (*Reward, error)

	// Rewards lists rewards matching the filter, ordered by event.
	Rewards(ctx context.Context, filter RewardFilter) ([]Reward, error)
}
