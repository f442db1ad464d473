package factory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-engine/factory"
	"github.com/warp/reward-engine/rewards"
)

func TestParseReward_Defaults(t *testing.T) {
	// GIVEN: a reward with only event, title, amount and one bare condition
	// WHEN: parsed
	// THEN: the catalog defaults are applied
	r, err := factory.NewRewardFactory().ParseReward(`{
		"event": "complete_dynamic_questionnaire",
		"title": "Answer the questionnaire",
		"amount": 100,
		"conditions": [{"field": "consent", "comparator": "==", "value": "true"}]
	}`)
	require.NoError(t, err)

	assert.Equal(t, rewards.StatusDraft, r.Status)
	assert.Equal(t, rewards.PriorityLow, r.Priority)
	assert.Equal(t, 1, r.RecurrenceCount)
	assert.Nil(t, r.ExpiresAt)
	require.Len(t, r.Conditions, 1)
	assert.Equal(t, rewards.ValueText, r.Conditions[0].ValueType)
	assert.True(t, r.Conditions[0].IsValueAbsolute)
}

func TestParseReward_Full(t *testing.T) {
	r, err := factory.NewRewardFactory().ParseReward(`{
		"event": "checkin_app_daily",
		"title": "Daily check-in",
		"amount": 10,
		"status": "active",
		"recurrence_count": -1,
		"priority": "medium",
		"expires_at": "2026-01-01",
		"conditions": [{"field": "timestamp", "comparator": ">", "value": "prevTimeStamp",
			"value_type": "date", "is_value_absolute": false}]
	}`)
	require.NoError(t, err)

	assert.True(t, r.Unlimited())
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), *r.ExpiresAt)
	assert.Equal(t, rewards.DailyCheckinReward(10).Conditions, r.Conditions)
}

func TestParseReward_CollectsProblems(t *testing.T) {
	_, err := factory.NewRewardFactory().ParseReward(`{
		"event": "not_an_event",
		"title": "",
		"amount": 5,
		"expires_at": "next tuesday",
		"conditions": [{"field": "x", "comparator": "~=", "value": "1"}]
	}`)

	var vErr *rewards.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.True(t, rewards.IsClientError(err))
	assert.Len(t, vErr.Problems, 4)
}

func TestParseReward_BadJSON(t *testing.T) {
	_, err := factory.NewRewardFactory().ParseReward(`{"event":`)
	assert.Error(t, err)
}

func TestParseCatalog(t *testing.T) {
	f := factory.NewRewardFactory()

	list, err := f.ParseCatalog([]byte(`[
		{"event": "verify_kyc", "title": "KYC", "amount": 150, "status": "active"},
		{"event": "sync_contacts", "title": "Sync", "amount": 5}
	]`))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, rewards.EventVerifyKYC, list[0].Event)

	_, err = f.ParseCatalog([]byte(`[
		{"event": "verify_kyc", "title": "KYC", "amount": 150},
		{"event": "verify_kyc", "title": "KYC again", "amount": 10}
	]`))
	assert.ErrorIs(t, err, rewards.ErrDuplicateReward)
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := factory.NewRewardFactory()
	expires := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	want := rewards.HeartRateReward(50, "heart-rate", 40)
	want.ExpiresAt = &expires

	got, err := f.FromJSON(f.ToJSON(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPatch(t *testing.T) {
	// GIVEN: an existing heart-rate reward
	// WHEN: patched with a new amount, cleared expiry and one more condition
	// THEN: untouched fields survive and the condition is appended
	f := factory.NewRewardFactory()
	expires := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	base := rewards.HeartRateReward(50, "heart-rate", 40)
	base.ExpiresAt = &expires

	amount := int64(75)
	clear := "null"
	patched, err := f.Patch(base, factory.RewardPatchJSON{
		Amount:     &amount,
		ExpiresAt:  &clear,
		Conditions: []factory.ConditionJSON{{Field: "resting", Comparator: "<", Value: "90", ValueType: "int"}},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(75), patched.Amount)
	assert.Equal(t, base.Title, patched.Title)
	assert.Nil(t, patched.ExpiresAt)
	require.Len(t, patched.Conditions, 2)
	assert.Equal(t, "heart-rate", patched.Conditions[0].Field)
	assert.Equal(t, "resting", patched.Conditions[1].Field)
	assert.Len(t, base.Conditions, 1, "base untouched")

	bad := "paused"
	_, err = f.Patch(base, factory.RewardPatchJSON{Status: &bad})
	assert.ErrorIs(t, err, rewards.ErrInvalidReward)
}
