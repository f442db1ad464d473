/*
Package sqlite provides a SQLite-backed implementation of the reward stores.

PURPOSE:
  Implements rewards.TxStore (distribution ledger) and rewards.CatalogStore
  (reward definitions with their ordered conditions) on a single SQLite
  database. Suitable for a single-instance deployment; multi-instance
  deployments use store/postgres.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on reward_distribution_logs
  - No DELETE statements on reward_distribution_logs

KEY TABLES:
  rewards:                  catalog, one row per event
  reward_conditions:        ordered conditions, (event, position)
  reward_distribution_logs: append-only ledger

CONSTRAINTS (the atomicity of distribution rests on these):
  uq_ledger_claim:           UNIQUE(user_id, event, claim_count)
  uq_ledger_idempotency_key: UNIQUE(idempotency_key)

CONCURRENCY:
  One open connection plus sync.RWMutex. Writers are serialized by the
  mutex; a transaction view queries through its own *sql.Tx so it never
  waits on the pool it already holds.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := rewards.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - rewards/store.go: Interface definitions
  - rewards/store/memory.go: In-memory implementation for testing
  - store/postgres: shared-database implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/warp/reward-engine/rewards"
)

// timeLayout sorts lexicographically in the same order as the instants.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements the ledger and catalog interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rewards (
		event TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		recurrence_count INTEGER NOT NULL DEFAULT 1,
		priority TEXT NOT NULL DEFAULT 'low',
		origin_resource TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reward_conditions (
		event TEXT NOT NULL REFERENCES rewards(event) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		field TEXT NOT NULL,
		comparator TEXT NOT NULL,
		value TEXT NOT NULL,
		value_type TEXT NOT NULL DEFAULT 'text',
		is_value_absolute INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (event, position)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS reward_distribution_logs (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		user_id TEXT NOT NULL,
		claim_amount INTEGER NOT NULL,
		claim_count INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'unclaimed',
		trigger_field TEXT NOT NULL DEFAULT '',
		trigger_value TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one row per claim number, so concurrent writers cannot both
	-- insert claim N+1 or both slip under a recurrence cap
	CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_claim
		ON reward_distribution_logs(user_id, event, claim_count);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_idempotency_key
		ON reward_distribution_logs(idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON reward_distribution_logs(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER (rewards.Store interface)
// =============================================================================

// Insert appends a ledger entry.
func (s *Store) Insert(ctx context.Context, e rewards.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertEntry(ctx, s.db, e)
}

func insertEntry(ctx context.Context, db querier, e rewards.LedgerEntry) error {
	query := `
		INSERT INTO reward_distribution_logs
		(id, event, user_id, claim_amount, claim_count, status,
		 trigger_field, trigger_value, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.Event,
		e.UserID,
		e.ClaimAmount,
		e.ClaimCount,
		e.Status,
		e.TriggerField,
		e.TriggerValue,
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idempotency_key") {
				return rewards.ErrDuplicateIdempotencyKey
			}
			return rewards.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

const entryColumns = `
	id, event, user_id, claim_amount, claim_count, status,
	trigger_field, trigger_value, idempotency_key, created_at, updated_at`

// LatestEntry returns the highest claim for (userID, event).
func (s *Store) LatestEntry(ctx context.Context, userID string, event rewards.Event) (*rewards.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return latestEntry(ctx, s.db, userID, event)
}

func latestEntry(ctx context.Context, db querier, userID string, event rewards.Event) (*rewards.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM reward_distribution_logs
		WHERE user_id = ? AND event = ?
		ORDER BY claim_count DESC
		LIMIT 1`

	entries, err := queryEntries(ctx, db, query, userID, event)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Entries lists ledger entries, newest first.
func (s *Store) Entries(ctx context.Context, filter rewards.EntryFilter) ([]rewards.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return listEntries(ctx, s.db, filter)
}

// CountEntries counts ledger entries matching the filter, ignoring paging.
func (s *Store) CountEntries(ctx context.Context, filter rewards.EntryFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return countEntries(ctx, s.db, filter)
}

func countEntries(ctx context.Context, db querier, filter rewards.EntryFilter) (int, error) {
	where, args := entryWhere(filter)
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reward_distribution_logs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func entryWhere(filter rewards.EntryFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, filter.Event)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func listEntries(ctx context.Context, db querier, filter rewards.EntryFilter) ([]rewards.LedgerEntry, error) {
	where, args := entryWhere(filter)

	query := `SELECT ` + entryColumns + ` FROM reward_distribution_logs` + where
	query += " ORDER BY created_at DESC, claim_count DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	args = append(args, limit, filter.Offset)

	return queryEntries(ctx, db, query, args...)
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return keyExists(ctx, s.db, idempotencyKey)
}

func keyExists(ctx context.Context, db querier, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reward_distribution_logs WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]rewards.LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []rewards.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (rewards.LedgerEntry, error) {
	var (
		e              rewards.LedgerEntry
		idempotencyKey sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := rows.Scan(
		&e.ID, &e.Event, &e.UserID, &e.ClaimAmount, &e.ClaimCount, &e.Status,
		&e.TriggerField, &e.TriggerValue, &idempotencyKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (rewards.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store rewards.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Insert(ctx context.Context, e rewards.LedgerEntry) error {
	return insertEntry(ctx, ts.tx, e)
}

func (ts *txStore) LatestEntry(ctx context.Context, userID string, event rewards.Event) (*rewards.LedgerEntry, error) {
	return latestEntry(ctx, ts.tx, userID, event)
}

func (ts *txStore) Entries(ctx context.Context, filter rewards.EntryFilter) ([]rewards.LedgerEntry, error) {
	return listEntries(ctx, ts.tx, filter)
}

func (ts *txStore) CountEntries(ctx context.Context, filter rewards.EntryFilter) (int, error) {
	return countEntries(ctx, ts.tx, filter)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, ts.tx, idempotencyKey)
}

// =============================================================================
// CATALOG (rewards.CatalogStore interface)
// =============================================================================

const rewardColumns = `
	event, title, description, amount, status, recurrence_count, priority,
	origin_resource, expires_at, created_at, updated_at`

// ActiveReward returns the reward for event if its status is active.
func (s *Store) ActiveReward(ctx context.Context, event rewards.Event) (*rewards.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getReward(ctx, `WHERE event = ? AND status = 'active'`, event)
}

// Reward returns the reward for event regardless of status.
func (s *Store) Reward(ctx context.Context, event rewards.Event) (*rewards.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getReward(ctx, `WHERE event = ?`, event)
}

func (s *Store) getReward(ctx context.Context, where string, event rewards.Event) (*rewards.Reward, error) {
	list, err := s.queryRewards(ctx, `SELECT `+rewardColumns+` FROM rewards `+where, event)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, rewards.ErrRewardNotFound
	}
	return &list[0], nil
}

// Rewards lists rewards ordered by event.
func (s *Store) Rewards(ctx context.Context, filter rewards.RewardFilter) ([]rewards.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, filter.Priority)
	}

	query := `SELECT ` + rewardColumns + ` FROM rewards`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event"

	return s.queryRewards(ctx, query, args...)
}

func (s *Store) queryRewards(ctx context.Context, query string, args ...any) ([]rewards.Reward, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}

	var list []rewards.Reward
	for rows.Next() {
		var (
			r         rewards.Reward
			expiresAt sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(
			&r.Event, &r.Title, &r.Description, &r.Amount, &r.Status, &r.RecurrenceCount,
			&r.Priority, &r.OriginResource, &expiresAt, &createdAt, &updatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			r.ExpiresAt = &t
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		list = append(list, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// conditions are loaded after the reward cursor is closed: one connection
	for i := range list {
		conds, err := loadConditions(ctx, s.db, list[i].Event)
		if err != nil {
			return nil, err
		}
		list[i].Conditions = conds
	}
	return list, nil
}

func loadConditions(ctx context.Context, db querier, event rewards.Event) (rewards.Conditions, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT field, comparator, value, value_type, is_value_absolute
		FROM reward_conditions
		WHERE event = ?
		ORDER BY position ASC`, event)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()

	conds := rewards.Conditions{}
	for rows.Next() {
		var c rewards.Condition
		if err := rows.Scan(&c.Field, &c.Comparator, &c.Value, &c.ValueType, &c.IsValueAbsolute); err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		conds = append(conds, c)
	}
	return conds, rows.Err()
}

// SaveReward inserts a reward and its conditions.
func (s *Store) SaveReward(ctx context.Context, r rewards.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rewards (`+rewardColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Event, r.Title, r.Description, r.Amount, r.Status, r.RecurrenceCount,
			r.Priority, r.OriginResource, nullTime(r.ExpiresAt),
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return rewards.ErrDuplicateReward
			}
			return fmt.Errorf("failed to insert reward: %w", err)
		}
		return replaceConditions(ctx, tx, r.Event, r.Conditions)
	})
}

// UpdateReward replaces a reward's fields and conditions.
func (s *Store) UpdateReward(ctx context.Context, r rewards.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rewards SET
				title = ?, description = ?, amount = ?, status = ?, recurrence_count = ?,
				priority = ?, origin_resource = ?, expires_at = ?, updated_at = ?
			WHERE event = ?`,
			r.Title, r.Description, r.Amount, r.Status, r.RecurrenceCount,
			r.Priority, r.OriginResource, nullTime(r.ExpiresAt),
			formatTime(time.Now().UTC()), r.Event,
		)
		if err != nil {
			return fmt.Errorf("failed to update reward: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return rewards.ErrRewardNotFound
		}
		return replaceConditions(ctx, tx, r.Event, r.Conditions)
	})
}

func replaceConditions(ctx context.Context, tx *sql.Tx, event rewards.Event, conds rewards.Conditions) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM reward_conditions WHERE event = ?`, event); err != nil {
		return fmt.Errorf("failed to clear conditions: %w", err)
	}
	for i, c := range conds {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reward_conditions
			(event, position, field, comparator, value, value_type, is_value_absolute)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			event, i, c.Field, c.Comparator, c.Value, c.ValueType, c.IsValueAbsolute,
		)
		if err != nil {
			return fmt.Errorf("failed to insert condition %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var (
	_ rewards.TxStore      = (*Store)(nil)
	_ rewards.CatalogStore = (*Store)(nil)
)
