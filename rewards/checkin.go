package rewards

import (
	"context"
	"fmt"
	"time"
)

// CheckIn turns "the user opened the app" into a daily login event.
//
// Eligibility works on UTC calendar days, not wall-clock time: today and
// the day of the previous claim are both truncated to midnight, so a
// `timestamp > prevTimeStamp` condition holds at most once per day. The
// per-day idempotency key enforces the same limit for rewards configured
// without conditions.
type CheckIn struct {
	Engine *Engine
}

func NewCheckIn(engine *Engine) *CheckIn {
	return &CheckIn{Engine: engine}
}

// Event builds the daily login event for userID at the engine's clock.
func (c *CheckIn) Event(ctx context.Context, userID string) (SystemEvent, error) {
	today := StartOfDay(c.Engine.Now())

	prior, err := c.Engine.Ledger.Latest(ctx, userID, EventCheckinAppDaily)
	if err != nil {
		return SystemEvent{}, fmt.Errorf("load latest check-in: %w", err)
	}

	prev := today.AddDate(0, 0, -1)
	if prior != nil {
		prev = StartOfDay(prior.UpdatedAt)
	}
	return NewDailyLoginEvent(userID, today, prev), nil
}

// Claim processes today's check-in for userID.
func (c *CheckIn) Claim(ctx context.Context, userID string) (*LedgerEntry, error) {
	ev, err := c.Event(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.Engine.ProcessSystemEvent(ctx, ev)
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
