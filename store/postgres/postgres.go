/*
Package postgres provides a PostgreSQL-backed implementation of the reward stores.

PURPOSE:
  Same contract as store/sqlite, for deployments where several engine
  instances share one database. There is no in-process lock: concurrent
  distributions from different instances are serialized by the unique
  index on (user_id, event, claim_count) and resolved by the ledger's
  retry.

ERROR MAPPING (pgconn.PgError):
  23505 on uq_ledger_idempotency_key -> rewards.ErrDuplicateIdempotencyKey
  23505 on uq_ledger_claim           -> rewards.ErrConcurrentModification
  23505 on rewards_pkey              -> rewards.ErrDuplicateReward
  40001 serialization failure        -> rewards.ErrConcurrentModification

SEE ALSO:
  - store/sqlite: embedded implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/reward-engine/rewards"
)

const schema = `
CREATE TABLE IF NOT EXISTS rewards (
	event            TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	amount           BIGINT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'draft',
	recurrence_count INTEGER NOT NULL DEFAULT 1,
	priority         TEXT NOT NULL DEFAULT 'low',
	origin_resource  TEXT NOT NULL DEFAULT '',
	expires_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS reward_conditions (
	event             TEXT NOT NULL REFERENCES rewards(event) ON DELETE CASCADE,
	position          INTEGER NOT NULL,
	field             TEXT NOT NULL,
	comparator        TEXT NOT NULL,
	value             TEXT NOT NULL,
	value_type        TEXT NOT NULL DEFAULT 'text',
	is_value_absolute BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (event, position)
);

CREATE TABLE IF NOT EXISTS reward_distribution_logs (
	id              TEXT PRIMARY KEY,
	event           TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	claim_amount    BIGINT NOT NULL,
	claim_count     INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'unclaimed',
	trigger_field   TEXT NOT NULL DEFAULT '',
	trigger_value   TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_claim
	ON reward_distribution_logs(user_id, event, claim_count);

CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_idempotency_key
	ON reward_distribution_logs(idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_ledger_user_created
	ON reward_distribution_logs(user_id, created_at DESC);
`

// Store implements the ledger and catalog interfaces on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// New wraps pool and applies the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate reward schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) Insert(ctx context.Context, e rewards.LedgerEntry) error {
	return insertEntry(ctx, s.pool, e)
}

func insertEntry(ctx context.Context, q querier, e rewards.LedgerEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO reward_distribution_logs
		(id, event, user_id, claim_amount, claim_count, status,
		 trigger_field, trigger_value, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, string(e.Event), e.UserID, e.ClaimAmount, e.ClaimCount, string(e.Status),
		e.TriggerField, e.TriggerValue, nullable(e.IdempotencyKey), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "insert ledger entry")
	}
	return nil
}

const entryColumns = `id, event, user_id, claim_amount, claim_count, status,
	trigger_field, trigger_value, COALESCE(idempotency_key, ''), created_at, updated_at`

func (s *Store) LatestEntry(ctx context.Context, userID string, event rewards.Event) (*rewards.LedgerEntry, error) {
	return latestEntry(ctx, s.pool, userID, event)
}

func latestEntry(ctx context.Context, q querier, userID string, event rewards.Event) (*rewards.LedgerEntry, error) {
	entries, err := queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM reward_distribution_logs
		WHERE user_id = $1 AND event = $2
		ORDER BY claim_count DESC
		LIMIT 1`, userID, string(event))
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *Store) Entries(ctx context.Context, filter rewards.EntryFilter) ([]rewards.LedgerEntry, error) {
	return listEntries(ctx, s.pool, filter)
}

func (s *Store) CountEntries(ctx context.Context, filter rewards.EntryFilter) (int, error) {
	return countEntries(ctx, s.pool, filter)
}

func countEntries(ctx context.Context, q querier, filter rewards.EntryFilter) (int, error) {
	where, args := entryWhere(filter)
	var n int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM reward_distribution_logs`+where, args...).Scan(&n); err != nil {
		return 0, mapError(err, "count entries")
	}
	return n, nil
}

func entryWhere(filter rewards.EntryFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Event != "" {
		add("event = $%d", string(filter.Event))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func listEntries(ctx context.Context, q querier, filter rewards.EntryFilter) ([]rewards.LedgerEntry, error) {
	where, args := entryWhere(filter)

	query := `SELECT ` + entryColumns + ` FROM reward_distribution_logs` + where
	query += " ORDER BY created_at DESC, claim_count DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return queryEntries(ctx, q, query, args...)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, s.pool, idempotencyKey)
}

func keyExists(ctx context.Context, q querier, idempotencyKey string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM reward_distribution_logs WHERE idempotency_key = $1)`,
		idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, mapError(err, "check idempotency key")
	}
	return exists, nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]rewards.LedgerEntry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query ledger")
	}
	defer rows.Close()

	var entries []rewards.LedgerEntry
	for rows.Next() {
		var (
			e      rewards.LedgerEntry
			event  string
			status string
		)
		if err := rows.Scan(&e.ID, &event, &e.UserID, &e.ClaimAmount, &e.ClaimCount, &status,
			&e.TriggerField, &e.TriggerValue, &e.IdempotencyKey, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Event = rewards.Event(event)
		e.Status = rewards.DistributionStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit transaction")
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
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
// CATALOG
// =============================================================================

const rewardColumns = `event, title, description, amount, status, recurrence_count, priority,
	origin_resource, expires_at, created_at, updated_at`

func (s *Store) ActiveReward(ctx context.Context, event rewards.Event) (*rewards.Reward, error) {
	return s.getReward(ctx, `WHERE event = $1 AND status = 'active'`, event)
}

func (s *Store) Reward(ctx context.Context, event rewards.Event) (*rewards.Reward, error) {
	return s.getReward(ctx, `WHERE event = $1`, event)
}

func (s *Store) getReward(ctx context.Context, where string, event rewards.Event) (*rewards.Reward, error) {
	list, err := s.queryRewards(ctx, `SELECT `+rewardColumns+` FROM rewards `+where, string(event))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, rewards.ErrRewardNotFound
	}
	return &list[0], nil
}

func (s *Store) Rewards(ctx context.Context, filter rewards.RewardFilter) ([]rewards.Reward, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, string(filter.Priority))
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}

	query := `SELECT ` + rewardColumns + ` FROM rewards`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event"

	return s.queryRewards(ctx, query, args...)
}

func (s *Store) queryRewards(ctx context.Context, query string, args ...any) ([]rewards.Reward, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query rewards")
	}

	var list []rewards.Reward
	for rows.Next() {
		var (
			r                       rewards.Reward
			event, status, priority string
		)
		if err := rows.Scan(&event, &r.Title, &r.Description, &r.Amount, &status, &r.RecurrenceCount,
			&priority, &r.OriginResource, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		r.Event = rewards.Event(event)
		r.Status = rewards.Status(status)
		r.Priority = rewards.Priority(priority)
		list = append(list, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range list {
		conds, err := loadConditions(ctx, s.pool, list[i].Event)
		if err != nil {
			return nil, err
		}
		list[i].Conditions = conds
	}
	return list, nil
}

func loadConditions(ctx context.Context, q querier, event rewards.Event) (rewards.Conditions, error) {
	rows, err := q.Query(ctx, `
		SELECT field, comparator, value, value_type, is_value_absolute
		FROM reward_conditions
		WHERE event = $1
		ORDER BY position ASC`, string(event))
	if err != nil {
		return nil, mapError(err, "query conditions")
	}
	defer rows.Close()

	conds := rewards.Conditions{}
	for rows.Next() {
		var (
			c              rewards.Condition
			cmp, valueType string
		)
		if err := rows.Scan(&c.Field, &cmp, &c.Value, &valueType, &c.IsValueAbsolute); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		c.Comparator = rewards.Comparator(cmp)
		c.ValueType = rewards.ValueType(valueType)
		conds = append(conds, c)
	}
	return conds, rows.Err()
}

func (s *Store) SaveReward(ctx context.Context, r rewards.Reward) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rewards (`+rewardColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			string(r.Event), r.Title, r.Description, r.Amount, string(r.Status), r.RecurrenceCount,
			string(r.Priority), r.OriginResource, r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return mapError(err, "insert reward")
		}
		return replaceConditions(ctx, tx, r.Event, r.Conditions)
	})
}

func (s *Store) UpdateReward(ctx context.Context, r rewards.Reward) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rewards SET
				title = $2, description = $3, amount = $4, status = $5, recurrence_count = $6,
				priority = $7, origin_resource = $8, expires_at = $9, updated_at = NOW()
			WHERE event = $1`,
			string(r.Event), r.Title, r.Description, r.Amount, string(r.Status), r.RecurrenceCount,
			string(r.Priority), r.OriginResource, r.ExpiresAt,
		)
		if err != nil {
			return mapError(err, "update reward")
		}
		if tag.RowsAffected() == 0 {
			return rewards.ErrRewardNotFound
		}
		return replaceConditions(ctx, tx, r.Event, r.Conditions)
	})
}

func replaceConditions(ctx context.Context, tx pgx.Tx, event rewards.Event, conds rewards.Conditions) error {
	if _, err := tx.Exec(ctx, `DELETE FROM reward_conditions WHERE event = $1`, string(event)); err != nil {
		return mapError(err, "clear conditions")
	}
	if len(conds) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, c := range conds {
		batch.Queue(`
			INSERT INTO reward_conditions
			(event, position, field, comparator, value, value_type, is_value_absolute)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(event), i, c.Field, string(c.Comparator), c.Value, string(c.ValueType), c.IsValueAbsolute)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapError(err, "insert conditions")
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case "uq_ledger_idempotency_key":
				return rewards.ErrDuplicateIdempotencyKey
			case "uq_ledger_claim":
				return rewards.ErrConcurrentModification
			case "rewards_pkey":
				return rewards.ErrDuplicateReward
			}
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", op, rewards.ErrConcurrentModification)
		}
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, rewards.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ rewards.TxStore      = (*Store)(nil)
	_ rewards.CatalogStore = (*Store)(nil)
)
