package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-engine/rewards"
	"github.com/warp/reward-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var created = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func entry(id, user string, event rewards.Event, claim int, key string) rewards.LedgerEntry {
	return rewards.LedgerEntry{
		ID:             id,
		Event:          event,
		UserID:         user,
		ClaimAmount:    10,
		ClaimCount:     claim,
		Status:         rewards.DistributionUnclaimed,
		IdempotencyKey: key,
		CreatedAt:      created.Add(time.Duration(claim) * time.Minute),
		UpdatedAt:      created.Add(time.Duration(claim) * time.Minute),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestInsert_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := entry("e1", "u1", rewards.EventVerifyKYC, 1, "kyc:u1")
	e.TriggerField = "level"
	e.TriggerValue = "2"
	require.NoError(t, store.Insert(ctx, e))

	latest, err := store.LatestEntry(ctx, "u1", rewards.EventVerifyKYC)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, e, *latest)

	exists, err := store.Exists(ctx, "kyc:u1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLatestEntry_None(t *testing.T) {
	store := newTestStore(t)
	latest, err := store.LatestEntry(context.Background(), "u1", rewards.EventVerifyKYC)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestInsert_UniqueClaimNumber(t *testing.T) {
	// GIVEN: claim #1 for (u1, invite_contacts)
	// WHEN: another writer inserts claim #1 again
	// THEN: ErrConcurrentModification
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, entry("e1", "u1", rewards.EventInviteContacts, 1, "")))
	err := store.Insert(ctx, entry("e2", "u1", rewards.EventInviteContacts, 1, ""))
	assert.ErrorIs(t, err, rewards.ErrConcurrentModification)

	// same claim number for another user is fine
	assert.NoError(t, store.Insert(ctx, entry("e3", "u2", rewards.EventInviteContacts, 1, "")))
}

func TestInsert_DuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, entry("e1", "u1", rewards.EventInviteContacts, 1, "k")))
	err := store.Insert(ctx, entry("e2", "u1", rewards.EventInviteContacts, 2, "k"))
	assert.ErrorIs(t, err, rewards.ErrDuplicateIdempotencyKey)
}

func TestEntries_FilterAndPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Insert(ctx, entry("inv"+string(rune('0'+i)), "u1", rewards.EventInviteContacts, i, "")))
	}
	require.NoError(t, store.Insert(ctx, entry("sync1", "u1", rewards.EventSyncContacts, 1, "")))
	require.NoError(t, store.Insert(ctx, entry("other", "u2", rewards.EventInviteContacts, 1, "")))

	all, err := store.Entries(ctx, rewards.EntryFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	page, err := store.Entries(ctx, rewards.EntryFilter{UserID: "u1", Event: rewards.EventInviteContacts, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 3, page[0].ClaimCount)
	assert.Equal(t, 2, page[1].ClaimCount)

	claimed, err := store.Entries(ctx, rewards.EntryFilter{Status: rewards.DistributionClaimed})
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestCountEntries_IgnoresPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Insert(ctx, entry("inv"+string(rune('0'+i)), "u1", rewards.EventInviteContacts, i, "")))
	}
	require.NoError(t, store.Insert(ctx, entry("other", "u2", rewards.EventInviteContacts, 1, "")))

	n, err := store.CountEntries(ctx, rewards.EntryFilter{UserID: "u1", Limit: 1, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.CountEntries(ctx, rewards.EntryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = store.CountEntries(ctx, rewards.EntryFilter{Status: rewards.DistributionClaimed})
	require.NoError(t, err)
	assert.Zero(t, n)

	// counts inside a transaction see its own writes
	err = store.WithTx(ctx, func(s rewards.Store) error {
		require.NoError(t, s.Insert(ctx, entry("inv4", "u1", rewards.EventInviteContacts, 4, "")))
		n, err := s.CountEntries(ctx, rewards.EntryFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTx_RollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s rewards.Store) error {
		require.NoError(t, s.Insert(ctx, entry("e1", "u1", rewards.EventInviteContacts, 1, "k1")))

		// reads inside the transaction see its own writes
		latest, err := s.LatestEntry(ctx, "u1", rewards.EventInviteContacts)
		require.NoError(t, err)
		require.NotNil(t, latest)

		return rewards.ErrConditionsUnsatisfied
	})
	assert.ErrorIs(t, err, rewards.ErrConditionsUnsatisfied)

	exists, err := store.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDistribute_ConcurrentCap(t *testing.T) {
	// GIVEN: recurrence 1
	// WHEN: 10 goroutines distribute for the same user
	// THEN: exactly one ledger row exists
	store := newTestStore(t)
	ctx := context.Background()
	ledger := rewards.NewLedger(store)

	reward := rewards.OneTimeReward(rewards.EventVerifyKYC, "KYC", 150)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ledger.Distribute(ctx, reward, "u1", rewards.Match{OK: true}, "")
		}()
	}
	wg.Wait()

	entries, err := store.Entries(ctx, rewards.EntryFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].ClaimCount)
	assert.Equal(t, int64(150), entries[0].ClaimAmount)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expires := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	r := rewards.HeartRateReward(50, "heart-rate", 40)
	r.ExpiresAt = &expires
	r.Conditions = append(r.Conditions, rewards.Condition{
		Field: "resting", Comparator: rewards.CmpLess, Value: "max", ValueType: rewards.ValueInt, IsValueAbsolute: false,
	})
	require.NoError(t, store.SaveReward(ctx, r))

	got, err := store.ActiveReward(ctx, rewards.EventMonitorHeartRateDaily)
	require.NoError(t, err)
	assert.Equal(t, r.Title, got.Title)
	assert.Equal(t, r.RecurrenceCount, got.RecurrenceCount)
	assert.Equal(t, r.Conditions, got.Conditions, "conditions keep catalog order")
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.False(t, got.CreatedAt.IsZero())

	err = store.SaveReward(ctx, r)
	assert.ErrorIs(t, err, rewards.ErrDuplicateReward)
}

func TestCatalog_ActiveOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := rewards.OneTimeReward(rewards.EventSyncContacts, "Sync", 5)
	r.Status = rewards.StatusInactive
	require.NoError(t, store.SaveReward(ctx, r))

	_, err := store.ActiveReward(ctx, rewards.EventSyncContacts)
	assert.ErrorIs(t, err, rewards.ErrRewardNotFound)

	got, err := store.Reward(ctx, rewards.EventSyncContacts)
	require.NoError(t, err)
	assert.Equal(t, rewards.StatusInactive, got.Status)
}

func TestCatalog_UpdateReplacesConditions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := rewards.DailyCheckinReward(10)
	require.NoError(t, store.SaveReward(ctx, r))

	r.Amount = 15
	r.Conditions = rewards.Conditions{}
	require.NoError(t, store.UpdateReward(ctx, r))

	got, err := store.Reward(ctx, rewards.EventCheckinAppDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.Amount)
	assert.Empty(t, got.Conditions)

	missing := rewards.OneTimeReward(rewards.EventVerifyKYC, "KYC", 1)
	assert.ErrorIs(t, store.UpdateReward(ctx, missing), rewards.ErrRewardNotFound)
}

func TestCatalog_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, r := range rewards.DefaultCatalog() {
		require.NoError(t, store.SaveReward(ctx, r))
	}
	draft := rewards.OneTimeReward(rewards.EventSyncContacts, "Sync", 5)
	draft.Status = rewards.StatusDraft
	require.NoError(t, store.SaveReward(ctx, draft))

	all, err := store.Rewards(ctx, rewards.RewardFilter{})
	require.NoError(t, err)
	assert.Len(t, all, len(rewards.DefaultCatalog())+1)

	drafts, err := store.Rewards(ctx, rewards.RewardFilter{Status: rewards.StatusDraft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, rewards.EventSyncContacts, drafts[0].Event)

	high, err := store.Rewards(ctx, rewards.RewardFilter{Priority: rewards.PriorityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, rewards.EventCompleteQuestionnaire, high[0].Event)
}
