/*
store.go - Persistence interface for reward distributions

PURPOSE:
  Defines the interface between distribution logic and the database.
  Implementations: in-memory (rewards/store), SQLite (store/sqlite),
  PostgreSQL (store/postgres).

APPEND-ONLY CONTRACT:
  Insert() is the only write. No Update, no Delete.

UNIQUENESS (enforced by every implementation, not by callers):
  - (user_id, event, claim_count)  -> ErrConcurrentModification
  - idempotency_key (when set)     -> ErrDuplicateIdempotencyKey

  The first constraint is what makes distribution atomic: two writers
  that both read claim #3 and both try to write claim #4 cannot both win.

SEE ALSO:
  - ledger.go: Distribute runs its read-check-insert inside WithTx
*/
package rewards

import "context"

// =============================================================================
// STORE - Interface for ledger persistence (append-only)
// =============================================================================

// Store handles persistence of ledger entries.
type Store interface {
	// Insert appends an entry. Returns ErrDuplicateIdempotencyKey or
	// ErrConcurrentModification on a uniqueness violation.
	Insert(ctx context.Context, e LedgerEntry) error

	// LatestEntry returns the entry with the highest claim count for
	// (userID, event), or nil when the user never claimed it.
	LatestEntry(ctx context.Context, userID string, event Event) (*LedgerEntry, error)

	// Entries lists entries matching the filter, newest first.
	Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)

	// CountEntries counts entries matching the filter, ignoring paging.
	CountEntries(ctx context.Context, filter EntryFilter) (int, error)

	// Exists checks if an idempotency key was already written.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// EntryFilter selects ledger entries for claim history.
type EntryFilter struct {
	UserID string
	Event  Event
	Status DistributionStatus
	Limit  int
	Offset int
}

// Page sizes for claim history and catalog listings.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Normalized applies the default page size.
func (f EntryFilter) Normalized() EntryFilter {
	if f.Limit <= 0 || f.Limit > MaxHistoryLimit {
		f.Limit = DefaultHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether e passes the filter (ignores paging).
func (f EntryFilter) Matches(e LedgerEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
