// Package store provides in-memory implementations of the reward stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/reward-engine/rewards"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     []rewards.LedgerEntry
	claims      map[claimKey]int // claim -> index into entries
	idempotency map[string]bool
	catalog     map[rewards.Event]rewards.Reward
}

type claimKey struct {
	UserID     string
	Event      rewards.Event
	ClaimCount int
}

func NewMemory() *Memory {
	return &Memory{
		claims:      make(map[claimKey]int),
		idempotency: make(map[string]bool),
		catalog:     make(map[rewards.Event]rewards.Reward),
	}
}

// Insert appends a ledger entry. Append-only.
func (m *Memory) Insert(_ context.Context, e rewards.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

func (m *Memory) insertLocked(e rewards.LedgerEntry) error {
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return rewards.ErrDuplicateIdempotencyKey
	}
	k := claimKey{UserID: e.UserID, Event: e.Event, ClaimCount: e.ClaimCount}
	if _, taken := m.claims[k]; taken {
		return rewards.ErrConcurrentModification
	}

	m.entries = append(m.entries, e)
	m.claims[k] = len(m.entries) - 1
	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) LatestEntry(_ context.Context, userID string, event rewards.Event) (*rewards.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(userID, event), nil
}

func (m *Memory) latestLocked(userID string, event rewards.Event) *rewards.LedgerEntry {
	var latest *rewards.LedgerEntry
	for i := range m.entries {
		e := m.entries[i]
		if e.UserID != userID || e.Event != event {
			continue
		}
		if latest == nil || e.ClaimCount > latest.ClaimCount {
			latest = &e
		}
	}
	return latest
}

func (m *Memory) Entries(_ context.Context, filter rewards.EntryFilter) ([]rewards.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(filter), nil
}

func (m *Memory) entriesLocked(filter rewards.EntryFilter) []rewards.LedgerEntry {
	var matched []rewards.LedgerEntry
	for _, e := range m.entries {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []rewards.LedgerEntry{}
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

func (m *Memory) CountEntries(_ context.Context, filter rewards.EntryFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(filter), nil
}

func (m *Memory) countLocked(filter rewards.EntryFilter) int {
	n := 0
	for _, e := range m.entries {
		if filter.Matches(e) {
			n++
		}
	}
	return n
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) ActiveReward(_ context.Context, event rewards.Event) (*rewards.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.catalog[event]
	if !ok || r.Status != rewards.StatusActive {
		return nil, rewards.ErrRewardNotFound
	}
	return cloneReward(r), nil
}

func (m *Memory) SaveReward(_ context.Context, r rewards.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.catalog[r.Event]; exists {
		return rewards.ErrDuplicateReward
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.catalog[r.Event] = *cloneReward(r)
	return nil
}

func (m *Memory) UpdateReward(_ context.Context, r rewards.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.catalog[r.Event]
	if !ok {
		return rewards.ErrRewardNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	m.catalog[r.Event] = *cloneReward(r)
	return nil
}

func (m *Memory) Reward(_ context.Context, event rewards.Event) (*rewards.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.catalog[event]
	if !ok {
		return nil, rewards.ErrRewardNotFound
	}
	return cloneReward(r), nil
}

func (m *Memory) Rewards(_ context.Context, filter rewards.RewardFilter) ([]rewards.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]rewards.Reward, 0, len(m.catalog))
	for _, r := range m.catalog {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && r.Priority != filter.Priority {
			continue
		}
		out = append(out, *cloneReward(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out, nil
}

func cloneReward(r rewards.Reward) *rewards.Reward {
	r.Conditions = append(rewards.Conditions(nil), r.Conditions...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	return &r
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn while holding the write lock.
// Writes go straight to the store and are rolled back from a snapshot on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries     []rewards.LedgerEntry
	claims      map[claimKey]int
	idempotency map[string]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	claims := make(map[claimKey]int, len(tm.claims))
	for k, v := range tm.claims {
		claims[k] = v
	}
	idemp := make(map[string]bool, len(tm.idempotency))
	for k, v := range tm.idempotency {
		idemp[k] = v
	}
	return memorySnapshot{
		entries:     append([]rewards.LedgerEntry(nil), tm.entries...),
		claims:      claims,
		idempotency: idemp,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.claims = s.claims
	tm.idempotency = s.idempotency
}

// txMemoryView reads and writes without locking; WithTx holds the lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Insert(_ context.Context, e rewards.LedgerEntry) error {
	return tv.parent.insertLocked(e)
}

func (tv *txMemoryView) LatestEntry(_ context.Context, userID string, event rewards.Event) (*rewards.LedgerEntry, error) {
	return tv.parent.latestLocked(userID, event), nil
}

func (tv *txMemoryView) Entries(_ context.Context, filter rewards.EntryFilter) ([]rewards.LedgerEntry, error) {
	return tv.parent.entriesLocked(filter), nil
}

func (tv *txMemoryView) CountEntries(_ context.Context, filter rewards.EntryFilter) (int, error) {
	return tv.parent.countLocked(filter), nil
}

func (tv *txMemoryView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}

var (
	_ rewards.TxStore      = (*TxMemory)(nil)
	_ rewards.CatalogStore = (*TxMemory)(nil)
)
