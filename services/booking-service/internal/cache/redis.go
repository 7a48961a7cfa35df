package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Redis is a SlotCache shared by all replicas. Failures are logged and treated as misses.
type Redis struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration, prefix string, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "slots"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, ttl: ttl, prefix: prefix, logger: logger}
}

func (c *Redis) generationKey(providerID string) string {
	return c.prefix + ":gen:" + providerID
}

func (c *Redis) Resolve(ctx context.Context, k SlotKey) string {
	gen, err := c.rdb.Get(ctx, c.generationKey(k.ProviderID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("slot cache generation lookup failed", "provider_id", k.ProviderID, "err", err)
		return ""
	}
	return fmt.Sprintf("%s:%s:%d:%s:%s:%d:%s", c.prefix, k.ProviderID, gen, k.ServiceID, k.StaffID, k.Length, k.Date)
}

func (c *Redis) Get(ctx context.Context, key string) ([]model.TimeSlot, bool) {
	if key == "" {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("slot cache read failed", "key", key, "err", err)
		}
		return nil, false
	}
	var slots []model.TimeSlot
	if err := json.Unmarshal(raw, &slots); err != nil {
		c.logger.Warn("slot cache entry corrupt", "key", key, "err", err)
		return nil, false
	}
	return slots, true
}

func (c *Redis) Set(ctx context.Context, key string, slots []model.TimeSlot) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		c.logger.Warn("slot cache encode failed", "key", key, "err", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("slot cache write failed", "key", key, "err", err)
	}
}

func (c *Redis) Invalidate(ctx context.Context, providerID string) {
	if err := c.rdb.Incr(ctx, c.generationKey(providerID)).Err(); err != nil {
		c.logger.Warn("slot cache invalidation failed", "provider_id", providerID, "err", err)
	}
}
