package caching

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/reward-engine/rewards"
	"go.uber.org/zap"
)

const DefaultCatalogTTL = 5 * time.Minute

// CatalogCache decorates a CatalogStore with a read-through cache of
// active rewards. Writes go to the store first and then drop the
// cached entry.
//
// Expiry is not cached state: ActiveReward only filters on status, and
// the engine checks ExpiresAt against its own clock on every event.
type CatalogCache struct {
	rewards.CatalogStore

	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCatalogCache(store rewards.CatalogStore, c Cache, ttl time.Duration, logger *zap.Logger) *CatalogCache {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogCache{CatalogStore: store, cache: c, ttl: ttl, logger: logger}
}

func activeKey(event rewards.Event) string {
	return fmt.Sprintf("rewards:active:%s", event)
}

// ActiveReward serves from the cache. ErrRewardNotFound is never cached,
// so a reward created through another instance becomes visible as soon
// as it is saved.
func (c *CatalogCache) ActiveReward(ctx context.Context, event rewards.Event) (*rewards.Reward, error) {
	r, err := UseCache(ctx, c.cache, activeKey(event), c.ttl, func() (rewards.Reward, error) {
		r, err := c.CatalogStore.ActiveReward(ctx, event)
		if err != nil {
			return rewards.Reward{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *CatalogCache) SaveReward(ctx context.Context, r rewards.Reward) error {
	if err := c.CatalogStore.SaveReward(ctx, r); err != nil {
		return err
	}
	c.Invalidate(ctx, r.Event)
	return nil
}

func (c *CatalogCache) UpdateReward(ctx context.Context, r rewards.Reward) error {
	if err := c.CatalogStore.UpdateReward(ctx, r); err != nil {
		return err
	}
	c.Invalidate(ctx, r.Event)
	return nil
}

// Invalidate drops the cached reward for event. Other instances keep
// their local copy until the local TTL runs out.
func (c *CatalogCache) Invalidate(ctx context.Context, event rewards.Event) {
	if err := c.cache.Delete(ctx, activeKey(event)); err != nil {
		c.logger.Warn("catalog cache invalidation failed",
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

var _ rewards.CatalogStore = (*CatalogCache)(nil)
