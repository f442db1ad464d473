/*
ledger.go - Append-only distribution log

PURPOSE:
  The ledger is the source of truth for every reward a user received.
  There is no separate "claims remaining" counter that can drift: the
  latest entry's ClaimCount IS the number of times the user claimed.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted here
  2. CONTIGUOUS: claim counts per (user, event) are 1..N without gaps
  3. CAPPED: N <= RecurrenceCount unless the reward is unlimited
  4. IDEMPOTENT: the same idempotency key is written at most once

DISTRIBUTE (inside one store transaction):
  1. idempotency key already present   -> ErrDuplicateIdempotencyKey
  2. prior := LatestEntry(user, event)
  3. reward exhausted for prior         -> RecurrenceExceededError
  4. insert claim prior.ClaimCount + 1

  A concurrent writer that inserted the same claim number first makes
  step 4 fail with ErrConcurrentModification. Distribute then retries the
  whole transaction; the retry sees the winner's row in step 2 and either
  writes the next number or stops at step 3. Every lost race means some
  other writer committed, so retries continue until the context ends.

SEE ALSO:
  - store.go: uniqueness contract the retry relies on
  - engine.go: evaluation that precedes Distribute
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type DistributionStatus string

const (
	DistributionUnclaimed DistributionStatus = "unclaimed"
	DistributionClaimed   DistributionStatus = "claimed"
)

func (s DistributionStatus) Valid() bool {
	return s == DistributionUnclaimed || s == DistributionClaimed
}

// LedgerEntry records one granted claim.
type LedgerEntry struct {
	ID             string             `json:"id"`
	Event          Event              `json:"event"`
	UserID         string             `json:"user_id"`
	ClaimAmount    int64              `json:"claim_amount"`
	ClaimCount     int                `json:"claim_count"`
	Status         DistributionStatus `json:"status"`
	TriggerField   string             `json:"trigger_field,omitempty"`
	TriggerValue   string             `json:"trigger_value,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store TxStore
	Now   func() time.Time
	NewID func() string
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{
		Store: store,
		Now:   time.Now,
		NewID: func() string { return uuid.NewString() },
	}
}

// Distribute appends the next claim of reward for userID.
func (l *Ledger) Distribute(ctx context.Context, reward Reward, userID string, match Match, idempotencyKey string) (*LedgerEntry, error) {
	for {
		entry, err := l.distributeOnce(ctx, reward, userID, match, idempotencyKey)
		if !errors.Is(err, ErrConcurrentModification) {
			return entry, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (l *Ledger) distributeOnce(ctx context.Context, reward Reward, userID string, match Match, idempotencyKey string) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := l.Store.WithTx(ctx, func(s Store) error {
		if idempotencyKey != "" {
			exists, err := s.Exists(ctx, idempotencyKey)
			if err != nil {
				return fmt.Errorf("check idempotency key: %w", err)
			}
			if exists {
				return ErrDuplicateIdempotencyKey
			}
		}

		prior, err := s.LatestEntry(ctx, userID, reward.Event)
		if err != nil {
			return fmt.Errorf("load latest claim: %w", err)
		}
		if reward.Exhausted(prior) {
			return &RecurrenceExceededError{
				Event:           reward.Event,
				UserID:          userID,
				RecurrenceCount: reward.RecurrenceCount,
				ClaimCount:      prior.claimCount(),
			}
		}

		now := l.Now().UTC()
		entry = LedgerEntry{
			ID:             l.NewID(),
			Event:          reward.Event,
			UserID:         userID,
			ClaimAmount:    reward.Amount,
			ClaimCount:     prior.claimCount() + 1,
			Status:         DistributionUnclaimed,
			TriggerField:   match.Field,
			TriggerValue:   match.TriggerValue(),
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return s.Insert(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (e *LedgerEntry) claimCount() int {
	if e == nil {
		return 0
	}
	return e.ClaimCount
}

// Latest returns the user's most recent claim of event, or nil.
func (l *Ledger) Latest(ctx context.Context, userID string, event Event) (*LedgerEntry, error) {
	return l.Store.LatestEntry(ctx, userID, event)
}

// History returns claim history, newest first.
func (l *Ledger) History(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	return l.Store.Entries(ctx, filter.Normalized())
}

// Count returns how many entries match filter across all pages.
func (l *Ledger) Count(ctx context.Context, filter EntryFilter) (int, error) {
	return l.Store.CountEntries(ctx, filter)
}
