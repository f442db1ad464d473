/*
handlers.go - HTTP API handlers for the reward engine

PURPOSE:
  Exposes reward distribution via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine, the check-in normalizer,
  the FHIR ingestor and the catalog.

ENDPOINTS:
  Events:
    POST   /api/system-events                 Event on behalf of a user (internal)
    POST   /api/rewards/allocate              Event for the calling user
    GET    /api/rewards/daily-checkin         Daily check-in for the calling user
    POST   /api/rewards/daily-checkin         (same)
    GET    /api/rewards/claims/history        Calling user's claims

  Catalog:
    GET    /api/rewards                       List rewards (?status=&priority=&limit=&offset=
                                              &get_reward_rules=&with_user_claims=)
    POST   /api/rewards                       Create reward from JSON
    GET    /api/rewards/{event}               Get reward
    PATCH  /api/rewards/{event}               Patch fields, append conditions
    DELETE /api/rewards/{event}/conditions    Remove a condition (?field=&comparator=&value=)

  Webhooks:
    POST   /api/webhooks/rewards/fhir         FHIR resource changed (X-Event header)

REQUEST FLOW:
  1. Parse HTTP request
  2. Resolve the caller (UserDirectory) where the route needs one
  3. Call domain logic
  4. Map the outcome to a status (status.go)

SECURITY NOTE:
  Authentication is done by the proxy in front of the service. The catalog
  and system-event routes must only be reachable from the internal network.

SEE ALSO:
  - dto.go: Request/response data structures
  - status.go: Outcome to HTTP status tables
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/reward-engine/factory"
	"github.com/warp/reward-engine/fhir"
	"github.com/warp/reward-engine/rewards"
	"go.uber.org/zap"
)

const (
	EventHeader = "X-Event"

	maxWebhookBody = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *rewards.Engine
	CheckIn       *rewards.CheckIn
	Ingestor      *fhir.Ingestor
	Catalog       rewards.CatalogStore
	RewardFactory *factory.RewardFactory
	Users         UserDirectory
	Health        Pinger
	Logger        *zap.Logger
}

// NewHandler wires handlers around an engine. The engine's ledger and
// catalog are shared by every route.
func NewHandler(engine *rewards.Engine, catalog rewards.CatalogStore, ingestor *fhir.Ingestor, users UserDirectory, logger *zap.Logger) *Handler {
	if users == nil {
		users = HeaderDirectory{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:        engine,
		CheckIn:       rewards.NewCheckIn(engine),
		Ingestor:      ingestor,
		Catalog:       catalog,
		RewardFactory: factory.NewRewardFactory(),
		Users:         users,
		Logger:        logger,
	}
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// SystemEvent processes an event posted by an internal service.
func (h *Handler) SystemEvent(w http.ResponseWriter, r *http.Request) {
	var req SystemEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	fields, err := decodeFields(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data must be a JSON object", err)
		return
	}

	entry, err := h.Engine.ProcessSystemEvent(r.Context(), rewards.SystemEvent{
		Event:          rewards.Event(strings.TrimSpace(req.Event)),
		UserID:         strings.TrimSpace(req.UserID),
		Data:           fields,
		IdempotencyKey: req.IdempotencyKey,
	})
	writeDistribution(w, entry, err)
}

// Allocate processes an event raised by the calling user.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	fields, err := decodeFields(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data must be a JSON object", err)
		return
	}

	entry, err := h.Engine.ProcessSystemEvent(r.Context(), rewards.SystemEvent{
		Event:          rewards.Event(strings.TrimSpace(req.Event)),
		UserID:         userID,
		Data:           fields,
		IdempotencyKey: req.IdempotencyKey,
	})
	writeDistribution(w, entry, err)
}

// DailyCheckin claims today's check-in for the calling user.
func (h *Handler) DailyCheckin(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	entry, err := h.CheckIn.Claim(r.Context(), userID)
	writeDistribution(w, entry, err)
}

// ClaimHistory lists the calling user's claims, newest first.
func (h *Handler) ClaimHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := rewards.EntryFilter{UserID: userID}
	if s := q.Get("event"); s != "" {
		event, err := rewards.ParseEvent(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid event", err)
			return
		}
		filter.Event = event
	}
	if s := q.Get("status"); s != "" {
		status := rewards.DistributionStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status", nil)
			return
		}
		filter.Status = status
	}
	if filter.Limit, filter.Offset, ok = pageParams(w, q); !ok {
		return
	}

	entries, err := h.Engine.Ledger.History(r.Context(), filter)
	if err != nil {
		h.Logger.Error("load claim history", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}
	count, err := h.Engine.Ledger.Count(r.Context(), filter)
	if err != nil {
		h.Logger.Error("count claim history", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: dtos, Limit: filter.Limit, Offset: filter.Offset, Count: count})
}

// =============================================================================
// WEBHOOK HANDLER
// =============================================================================

// FHIRWebhook processes a resource-change notification. Business outcomes
// are all acknowledged; only transient failures ask for redelivery.
func (h *Handler) FHIRWebhook(w http.ResponseWriter, r *http.Request) {
	event := strings.TrimSpace(r.Header.Get(EventHeader))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	res, err := fhir.Decode(body)
	if err != nil || res.ResourceType == "" || event == "" {
		writeError(w, http.StatusBadRequest, "A FHIR resource and the X-Event header are required", err)
		return
	}

	entry, err := h.Ingestor.HandleResourceChange(r.Context(), rewards.Event(event), res)
	resp := DistributionResponse{
		OK:      entry != nil,
		Outcome: rewards.Classify(err),
	}
	if entry != nil {
		dto := toLedgerEntryDTO(*entry)
		resp.Entry = &dto
	}
	if err != nil {
		resp.Message = err.Error()
	}
	writeJSON(w, WebhookStatus(err), resp)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListRewards returns one page of the catalog.
//
// Query: status, priority, limit, offset,
// get_reward_rules=true (include conditions),
// with_user_claims=true (attach the caller's latest claim; needs a caller).
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	withRules := q.Get("get_reward_rules") == "true"

	var userID string
	if q.Get("with_user_claims") == "true" {
		var ok bool
		if userID, ok = h.currentUser(w, r); !ok {
			return
		}
	}

	filter := rewards.RewardFilter{
		Status:   rewards.Status(q.Get("status")),
		Priority: rewards.Priority(q.Get("priority")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid priority", nil)
		return
	}
	limit, offset, ok := pageParams(w, q)
	if !ok {
		return
	}

	// One row per known event at most, so the page is cut in memory.
	list, err := h.Catalog.Rewards(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rewards", err)
		return
	}
	count := len(list)
	start := min(offset, count)
	list = list[start:min(start+limit, count)]

	dtos := make([]RewardDTO, len(list))
	for i, rw := range list {
		dtos[i] = toRewardDTO(h.RewardFactory, rw)
		if !withRules {
			dtos[i].Conditions = nil
		}
		if userID == "" {
			continue
		}
		latest, err := h.Engine.Ledger.Latest(r.Context(), userID, rw.Event)
		if err != nil {
			h.Logger.Error("load latest claim", zap.String("user_id", userID), zap.String("event", string(rw.Event)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to list rewards", err)
			return
		}
		if latest != nil {
			dto := toLedgerEntryDTO(*latest)
			dtos[i].LatestClaim = &dto
		}
	}
	writeJSON(w, http.StatusOK, RewardListResponse{Rewards: dtos, Limit: limit, Offset: offset, Count: count})
}

// CreateReward adds a reward to the catalog.
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req factory.RewardJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	reward, err := h.RewardFactory.FromJSON(req)
	if err != nil {
		writeCatalogError(w, "Invalid reward configuration", err)
		return
	}
	if err := h.Catalog.SaveReward(r.Context(), reward); err != nil {
		writeCatalogError(w, "Failed to create reward", err)
		return
	}

	h.respondWithReward(w, r, reward.Event, http.StatusCreated)
}

// GetReward returns one reward regardless of status.
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	h.respondWithReward(w, r, rewards.Event(chi.URLParam(r, "event")), http.StatusOK)
}

// UpdateReward patches a reward. Conditions in the body are appended.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	event := rewards.Event(chi.URLParam(r, "event"))

	var req factory.RewardPatchJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	existing, err := h.Catalog.Reward(r.Context(), event)
	if err != nil {
		writeCatalogError(w, "Failed to load reward", err)
		return
	}
	patched, err := h.RewardFactory.Patch(*existing, req)
	if err != nil {
		writeCatalogError(w, "Invalid reward configuration", err)
		return
	}
	if err := h.Catalog.UpdateReward(r.Context(), patched); err != nil {
		writeCatalogError(w, "Failed to update reward", err)
		return
	}

	h.respondWithReward(w, r, event, http.StatusOK)
}

// DeleteCondition removes every condition matching field, comparator and
// value from a reward.
func (h *Handler) DeleteCondition(w http.ResponseWriter, r *http.Request) {
	event := rewards.Event(chi.URLParam(r, "event"))
	q := r.URL.Query()
	comparator := rewards.Comparator(q.Get("comparator"))
	if q.Get("field") == "" || !comparator.Valid() || !q.Has("value") {
		writeError(w, http.StatusBadRequest, "field, comparator and value are required", nil)
		return
	}

	existing, err := h.Catalog.Reward(r.Context(), event)
	if err != nil {
		writeCatalogError(w, "Failed to load reward", err)
		return
	}
	trimmed, err := existing.WithoutCondition(q.Get("field"), comparator, q.Get("value"))
	if err != nil {
		writeCatalogError(w, "Condition not found", err)
		return
	}
	if err := h.Catalog.UpdateReward(r.Context(), trimmed); err != nil {
		writeCatalogError(w, "Failed to update reward", err)
		return
	}

	h.respondWithReward(w, r, event, http.StatusOK)
}

func (h *Handler) respondWithReward(w http.ResponseWriter, r *http.Request, event rewards.Event, status int) {
	reward, err := h.Catalog.Reward(r.Context(), event)
	if err != nil {
		writeCatalogError(w, "Failed to load reward", err)
		return
	}
	writeJSON(w, status, toRewardDTO(h.RewardFactory, *reward))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthcheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.Users.CurrentUser(r)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnauthenticated) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, "Unable to resolve the current user", err)
		return "", false
	}
	return userID, true
}

func writeDistribution(w http.ResponseWriter, entry *rewards.LedgerEntry, err error) {
	outcome := rewards.Classify(err)
	resp := DistributionResponse{OK: entry != nil, Outcome: outcome}
	if entry != nil {
		dto := toLedgerEntryDTO(*entry)
		resp.Entry = &dto
	}
	if err != nil && outcome != rewards.OutcomeInternal {
		resp.Message = err.Error()
	}
	writeJSON(w, DirectStatus(err), resp)
}

func writeCatalogError(w http.ResponseWriter, message string, err error) {
	status := catalogStatus(err)
	var vErr *rewards.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, status, ErrorResponse{Error: message, Code: "invalid_reward", Details: vErr.Problems})
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// pageParams reads limit and offset with the history page defaults.
func pageParams(w http.ResponseWriter, q url.Values) (limit, offset int, ok bool) {
	var err error
	if limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return 0, 0, false
	}
	if offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return 0, 0, false
	}
	page := rewards.EntryFilter{Limit: limit, Offset: offset}.Normalized()
	return page.Limit, page.Offset, true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
