package fhir_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-engine/fhir"
	"github.com/warp/reward-engine/rewards"
	"github.com/warp/reward-engine/rewards/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeHistory struct {
	latest map[string]*fhir.Resource
	err    error
	calls  int
}

func (h *fakeHistory) LatestVersion(_ context.Context, resourceType, id string) (*fhir.Resource, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	res, ok := h.latest[resourceType+"/"+id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", rewards.ErrHistoryUnavailable, resourceType, id)
	}
	return res, nil
}

type ingestFixture struct {
	store    *store.TxMemory
	history  *fakeHistory
	ingestor *fhir.Ingestor
}

func newIngestFixture(t *testing.T, catalog ...rewards.Reward) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		store:   store.NewTxMemory(),
		history: &fakeHistory{latest: map[string]*fhir.Resource{}},
	}
	for _, r := range catalog {
		require.NoError(t, f.store.SaveReward(context.Background(), r))
	}
	engine := rewards.NewEngine(f.store, rewards.NewLedger(f.store), nil)
	f.ingestor = fhir.NewIngestor(engine, f.history, nil)
	return f
}

func (f *ingestFixture) entries(t *testing.T) []rewards.LedgerEntry {
	t.Helper()
	entries, err := f.store.Entries(context.Background(), rewards.EntryFilter{})
	require.NoError(t, err)
	return entries
}

func heartRate(version string, bpm int64) *fhir.Resource {
	return &fhir.Resource{
		ResourceType: fhir.TypeObservation,
		ID:           "o1",
		Meta:         &fhir.Meta{VersionID: version},
		Subject:      &fhir.Reference{Reference: "Patient/p1"},
		Component:    []fhir.Component{{ID: "heart-rate", ValueInteger: &bpm}},
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestHandleResourceChange_Distributes(t *testing.T) {
	// GIVEN: a heart-rate reward (>= 40) and a stored observation at 72
	// WHEN: the webhook arrives
	// THEN: one ledger row with the trigger recorded
	f := newIngestFixture(t, rewards.HeartRateReward(50, "heart-rate", 40))
	f.history.latest["Observation/o1"] = heartRate("1", 72)

	entry, err := f.ingestor.HandleResourceChange(context.Background(), rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	require.NoError(t, err)
	assert.Equal(t, "p1", entry.UserID)
	assert.Equal(t, int64(50), entry.ClaimAmount)
	assert.Equal(t, "heart-rate", entry.TriggerField)
	assert.Equal(t, "72", entry.TriggerValue)
	assert.Equal(t, "monitor_heart_rate_daily:Observation/o1/_history/1", entry.IdempotencyKey)
}

func TestHandleResourceChange_UsesLatestVersion(t *testing.T) {
	// GIVEN: the notification says 72 but the stored latest version says 30
	// WHEN: the webhook arrives
	// THEN: the stored version is evaluated and nothing is paid
	f := newIngestFixture(t, rewards.HeartRateReward(50, "heart-rate", 40))
	f.history.latest["Observation/o1"] = heartRate("2", 30)

	_, err := f.ingestor.HandleResourceChange(context.Background(), rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	assert.ErrorIs(t, err, rewards.ErrConditionsUnsatisfied)
	assert.Empty(t, f.entries(t))
}

func TestHandleResourceChange_Redelivery(t *testing.T) {
	// GIVEN: an unlimited reward and a notification already processed
	// WHEN: the same notification is delivered again
	// THEN: the duplicate is recognised and no second row is written
	r := rewards.HeartRateReward(50, "heart-rate", 40)
	r.RecurrenceCount = rewards.UnlimitedRecurrence
	f := newIngestFixture(t, r)
	f.history.latest["Observation/o1"] = heartRate("1", 72)

	ctx := context.Background()
	_, err := f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	require.NoError(t, err)

	_, err = f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	assert.ErrorIs(t, err, rewards.ErrDuplicateIdempotencyKey)
	assert.Equal(t, rewards.OutcomeDuplicate, rewards.Classify(err))
	assert.Len(t, f.entries(t), 1)

	// a new version is a new change
	f.history.latest["Observation/o1"] = heartRate("2", 75)
	entry, err := f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("2", 75))
	require.NoError(t, err)
	assert.Equal(t, 2, entry.ClaimCount)
}

func TestHandleResourceChange_StaleNotificationPaysOnce(t *testing.T) {
	// GIVEN: an unlimited reward and a server that already stores version 2
	r := rewards.HeartRateReward(50, "heart-rate", 40)
	r.RecurrenceCount = rewards.UnlimitedRecurrence
	f := newIngestFixture(t, r)
	f.history.latest["Observation/o1"] = heartRate("2", 72)

	// WHEN: the late notification for version 1 arrives, then version 2's own
	ctx := context.Background()
	entry, err := f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("1", 60))
	require.NoError(t, err)
	_, err = f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("2", 72))

	// THEN: version 2 is paid exactly once, keyed by the evaluated version
	assert.ErrorIs(t, err, rewards.ErrDuplicateIdempotencyKey)
	assert.Equal(t, "monitor_heart_rate_daily:Observation/o1/_history/2", entry.IdempotencyKey)
	assert.Equal(t, "72", entry.TriggerValue)
	assert.Len(t, f.entries(t), 1)
}

func TestHandleResourceChange_NoRewardSkipsHistory(t *testing.T) {
	f := newIngestFixture(t)

	_, err := f.ingestor.HandleResourceChange(context.Background(), rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	assert.ErrorIs(t, err, rewards.ErrRewardNotFound)
	assert.Zero(t, f.history.calls)
}

func TestHandleResourceChange_RecurrencePrecheckSkipsHistory(t *testing.T) {
	f := newIngestFixture(t, rewards.HeartRateReward(50, "heart-rate", 40))
	f.history.latest["Observation/o1"] = heartRate("1", 72)

	ctx := context.Background()
	_, err := f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	require.NoError(t, err)

	_, err = f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("2", 90))
	assert.ErrorIs(t, err, rewards.ErrRecurrenceExceeded)
	assert.Equal(t, 1, f.history.calls)
}

func TestHandleResourceChange_MissingUser(t *testing.T) {
	f := newIngestFixture(t, rewards.HeartRateReward(50, "heart-rate", 40))
	res := heartRate("1", 72)
	res.Subject = nil

	_, err := f.ingestor.HandleResourceChange(context.Background(), rewards.EventMonitorHeartRateDaily, *res)
	assert.ErrorIs(t, err, rewards.ErrInvalidUser)
	assert.Equal(t, rewards.OutcomeIgnored, rewards.Classify(err))
}

func TestHandleResourceChange_HistoryMissing(t *testing.T) {
	f := newIngestFixture(t, rewards.HeartRateReward(50, "heart-rate", 40))

	_, err := f.ingestor.HandleResourceChange(context.Background(), rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	assert.ErrorIs(t, err, rewards.ErrHistoryUnavailable)
	assert.Equal(t, rewards.OutcomeRetryable, rewards.Classify(err))
	assert.Empty(t, f.entries(t))
}

func TestHandleResourceChange_UpstreamTimeout(t *testing.T) {
	f := newIngestFixture(t, rewards.HeartRateReward(50, "heart-rate", 40))
	f.history.err = fmt.Errorf("%w: %v", rewards.ErrUpstreamUnavailable, context.DeadlineExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.ingestor.HandleResourceChange(ctx, rewards.EventMonitorHeartRateDaily, *heartRate("1", 72))
	assert.Equal(t, rewards.OutcomeRetryable, rewards.Classify(err))
	assert.Empty(t, f.entries(t))
}

func TestHandleResourceChange_UnsupportedType(t *testing.T) {
	f := newIngestFixture(t, rewards.OneTimeReward(rewards.EventUploadPDFDocuments, "Upload", 5))
	doc := &fhir.Resource{ResourceType: "DocumentReference", ID: "d1", Subject: &fhir.Reference{ID: "p1"}}
	f.history.latest["DocumentReference/d1"] = doc

	_, err := f.ingestor.HandleResourceChange(context.Background(), rewards.EventUploadPDFDocuments, *doc)
	assert.ErrorIs(t, err, rewards.ErrUnsupportedResource)
	assert.Equal(t, rewards.OutcomeIgnored, rewards.Classify(err))
	assert.Empty(t, f.entries(t))
}

func TestHandleResourceChange_Questionnaire(t *testing.T) {
	f := newIngestFixture(t, rewards.QuestionnaireReward(100, "consent", "true"))
	yes := true
	qr := &fhir.Resource{
		ResourceType: fhir.TypeQuestionnaireResponse,
		ID:           "qr1",
		Meta:         &fhir.Meta{VersionID: "1"},
		Source:       &fhir.Reference{ID: "p9"},
		Item:         []fhir.Item{{LinkID: "consent", Answer: []fhir.Answer{{ValueBoolean: &yes}}}},
	}
	f.history.latest["QuestionnaireResponse/qr1"] = qr

	entry, err := f.ingestor.HandleResourceChange(context.Background(), rewards.EventCompleteQuestionnaire, *qr)
	require.NoError(t, err)
	assert.Equal(t, "p9", entry.UserID)
	assert.Equal(t, "consent", entry.TriggerField)
	assert.Equal(t, "true", entry.TriggerValue)
}
