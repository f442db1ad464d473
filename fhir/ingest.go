package fhir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/reward-engine/rewards"
	"go.uber.org/zap"
)

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// IdempotencyKey identifies one stored resource version for one event:
//
//	<event>:<Type>/<id>/_history/<versionId>
//
// Without a versionId the lastUpdated instant stands in for it. Without
// either, the key is a hash of the resource content.
func IdempotencyKey(event rewards.Event, res Resource) string {
	var version string
	if res.Meta != nil {
		version = strings.TrimSpace(res.Meta.VersionID)
		if version == "" {
			version = strings.TrimSpace(res.Meta.LastUpdated)
		}
	}
	if version == "" {
		version = contentHash(res)
	}
	return fmt.Sprintf("%s:%s/%s/_history/%s", event, res.ResourceType, res.ID, version)
}

func contentHash(res Resource) string {
	raw, err := json.Marshal(res)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "sha256-" + hex.EncodeToString(sum[:16])
}

// =============================================================================
// INGESTOR
// =============================================================================

// Ingestor processes resource-change webhooks.
//
// FLOW:
//  1. user id from subject | source | action
//  2. Engine.Prepare: active reward, expiry, recurrence precheck
//  3. latest version from the history service
//  4. MapFields on the latest version
//  5. Engine.Apply keyed by the evaluated version, so a redelivered or
//     stale notification that resolves to the same stored version pays once
//
// The reward is resolved before the history fetch so that events nobody
// pays for never reach the FHIR server.
type Ingestor struct {
	Engine  *rewards.Engine
	History HistoryClient
	Logger  *zap.Logger
}

func NewIngestor(engine *rewards.Engine, history HistoryClient, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{Engine: engine, History: history, Logger: logger}
}

// HandleResourceChange processes one notification. Every error it
// returns classifies through rewards.Classify; the caller decides which
// outcomes are worth a redelivery.
func (in *Ingestor) HandleResourceChange(ctx context.Context, event rewards.Event, res Resource) (*rewards.LedgerEntry, error) {
	entry, err := in.handle(ctx, event, res)
	in.logOutcome(event, res, entry, err)
	return entry, err
}

func (in *Ingestor) handle(ctx context.Context, event rewards.Event, res Resource) (*rewards.LedgerEntry, error) {
	if res.ResourceType == "" || res.ID == "" {
		return nil, fmt.Errorf("%w: resource type and id are required", rewards.ErrUnsupportedResource)
	}

	userID := res.UserID()
	if userID == "" {
		return nil, fmt.Errorf("%w: no subject, source or action reference", rewards.ErrInvalidUser)
	}

	reward, err := in.Engine.Prepare(ctx, event, userID)
	if err != nil {
		return nil, err
	}

	latest, err := in.History.LatestVersion(ctx, res.ResourceType, res.ID)
	if err != nil {
		return nil, err
	}

	fields, ok := MapFields(*latest)
	if !ok {
		return nil, fmt.Errorf("%w: %s", rewards.ErrUnsupportedResource, latest.ResourceType)
	}

	return in.Engine.Apply(ctx, reward, userID, fields, IdempotencyKey(event, keyedVersion(res, *latest)))
}

// keyedVersion is the fetched version addressed by the notification's
// type and id. History entries do not always repeat them.
func keyedVersion(notified, latest Resource) Resource {
	latest.ResourceType = notified.ResourceType
	latest.ID = notified.ID
	return latest
}

func (in *Ingestor) logOutcome(event rewards.Event, res Resource, entry *rewards.LedgerEntry, err error) {
	outcome := rewards.Classify(err)
	fields := []zap.Field{
		zap.String("event", string(event)),
		zap.String("user_id", res.UserID()),
		zap.String("resource_type", res.ResourceType),
		zap.String("resource_id", res.ID),
		zap.String("outcome", string(outcome)),
	}

	switch {
	case entry != nil:
		in.Logger.Info("webhook reward distributed", append(fields, zap.Int("claim_count", entry.ClaimCount))...)
	case outcome.Expected():
		in.Logger.Info("webhook event not distributed", append(fields, zap.Error(err))...)
	case outcome == rewards.OutcomeRetryable:
		in.Logger.Warn("webhook event will be redelivered", append(fields, zap.Error(err))...)
	default:
		in.Logger.Error("webhook event failed", append(fields, zap.Error(err))...)
	}
}
