/*
engine.go - Event processing for direct system events

PURPOSE:
  Turns an (event, user, fields) triple into at most one ledger entry.
  Both ingestion paths share it: the direct API calls ProcessSystemEvent,
  the webhook path (fhir.Ingestor) calls Prepare, fetches the resource,
  then calls Apply.

FLOW:
  Prepare:  validate -> active reward -> expiry -> recurrence precheck
  Apply:    evaluate conditions -> Ledger.Distribute

  The precheck is only an early exit. The authoritative cap check runs
  again inside the ledger transaction.

SEE ALSO:
  - ledger.go: atomic distribution
  - checkin.go: daily check-in producer
  - outcome.go: classification of the returned errors
*/
package rewards

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// SYSTEM EVENT
// =============================================================================

// SystemEvent is a normalized event ready for evaluation.
type SystemEvent struct {
	Event          Event
	UserID         string
	Data           Fields
	IdempotencyKey string
}

const (
	FieldTimestamp     = "timestamp"
	FieldPrevTimestamp = "prevTimeStamp"
)

// NewDailyLoginEvent builds the check-in event. Both timestamps are
// expected to be truncated to UTC midnight already.
func NewDailyLoginEvent(userID string, timestamp, prev time.Time) SystemEvent {
	return SystemEvent{
		Event:  EventCheckinAppDaily,
		UserID: userID,
		Data: Fields{
			FieldTimestamp:     Time(timestamp),
			FieldPrevTimestamp: Time(prev),
		},
		IdempotencyKey: DailyCheckinKey(userID, timestamp),
	}
}

// DailyCheckinKey allows one check-in ledger row per user per UTC day.
func DailyCheckinKey(userID string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", EventCheckinAppDaily, userID, day.UTC().Format("2006-01-02"))
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Catalog Catalog
	Ledger  *Ledger
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewEngine(catalog Catalog, ledger *Ledger, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Catalog: catalog,
		Ledger:  ledger,
		Logger:  logger,
		Now:     time.Now,
	}
}

// Prepare resolves the reward an event would pay, without evaluating
// conditions. It fails with ErrInvalidEvent, ErrInvalidUser,
// ErrRewardNotFound or a *RecurrenceExceededError.
func (e *Engine) Prepare(ctx context.Context, event Event, userID string) (*Reward, error) {
	if event == "" || !event.Known() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, event)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}

	reward, err := e.Catalog.ActiveReward(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("load reward %s: %w", event, err)
	}
	if !reward.ActiveAt(e.Now()) {
		return nil, fmt.Errorf("reward %s expired: %w", event, ErrRewardNotFound)
	}

	prior, err := e.Ledger.Latest(ctx, userID, event)
	if err != nil {
		return nil, fmt.Errorf("load latest claim: %w", err)
	}
	if reward.Exhausted(prior) {
		return nil, &RecurrenceExceededError{
			Event:           event,
			UserID:          userID,
			RecurrenceCount: reward.RecurrenceCount,
			ClaimCount:      prior.claimCount(),
		}
	}
	return reward, nil
}

// Apply evaluates fields against reward and distributes on a match.
func (e *Engine) Apply(ctx context.Context, reward *Reward, userID string, fields Fields, idempotencyKey string) (*LedgerEntry, error) {
	match := reward.Conditions.Match(fields)
	if !match.OK {
		return nil, ErrConditionsUnsatisfied
	}

	entry, err := e.Ledger.Distribute(ctx, *reward, userID, match, idempotencyKey)
	if err != nil {
		return nil, err
	}

	e.Logger.Info("reward distributed",
		zap.String("event", string(entry.Event)),
		zap.String("user_id", entry.UserID),
		zap.Int("claim_count", entry.ClaimCount),
		zap.Int64("amount", entry.ClaimAmount),
		zap.String("trigger_field", entry.TriggerField),
	)
	return entry, nil
}

// ProcessSystemEvent runs the full direct-event path.
func (e *Engine) ProcessSystemEvent(ctx context.Context, ev SystemEvent) (*LedgerEntry, error) {
	reward, err := e.Prepare(ctx, ev.Event, ev.UserID)
	if err != nil {
		e.logOutcome(ev, err)
		return nil, err
	}

	entry, err := e.Apply(ctx, reward, ev.UserID, ev.Data, ev.IdempotencyKey)
	if err != nil {
		e.logOutcome(ev, err)
		return nil, err
	}
	return entry, nil
}

func (e *Engine) logOutcome(ev SystemEvent, err error) {
	outcome := Classify(err)
	fields := []zap.Field{
		zap.String("event", string(ev.Event)),
		zap.String("user_id", ev.UserID),
		zap.String("outcome", string(outcome)),
	}
	if outcome.Expected() {
		e.Logger.Debug("system event not distributed", fields...)
		return
	}
	e.Logger.Error("system event failed", append(fields, zap.Error(err))...)
}
