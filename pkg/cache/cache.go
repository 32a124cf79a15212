// Package cache provides the two-tier resolution cache: a small in-process
// LRU with TTL in front of an optional shared Redis layer. It implements both
// the resolver's read-through cache and the membership store's invalidation
// hook, so a mutation clears both tiers before the call returns.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/propwise/accessd/pkg/access"
	"github.com/propwise/accessd/pkg/observability"
)

const (
	defaultLocalSize = 4096
	defaultTTL       = 5 * time.Minute
)

// Config controls cache sizing and the optional Redis tier.
type Config struct {
	// LocalSize is the max number of decisions held in process.
	LocalSize int
	// TTL bounds staleness for both tiers.
	TTL time.Duration
	// Redis, when set, shares decisions across engine instances. Nil keeps
	// the cache in-process only.
	Redis  *redis.Client
	Logger *observability.Logger
}

// Cache caches access decisions per (principal, resource) pair.
type Cache struct {
	local  *expirable.LRU[string, access.Decision]
	redis  *redis.Client
	ttl    time.Duration
	logger *observability.Logger
}

// New creates a cache from the given config, applying defaults for zero
// values.
func New(cfg Config) *Cache {
	size := cfg.LocalSize
	if size <= 0 {
		size = defaultLocalSize
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		local:  expirable.NewLRU[string, access.Decision](size, nil, ttl),
		redis:  cfg.Redis,
		ttl:    ttl,
		logger: cfg.Logger,
	}
}

func decisionKey(principalID, resourceID string) string {
	return fmt.Sprintf("accessd:decision:%s:%s", principalID, resourceID)
}

// GetDecision returns the cached decision for the pair, checking the local
// tier first. A Redis hit repopulates the local tier.
func (c *Cache) GetDecision(ctx context.Context, principalID, resourceID string) (*access.Decision, bool) {
	key := decisionKey(principalID, resourceID)

	if d, ok := c.local.Get(key); ok {
		return &d, true
	}

	if c.redis == nil {
		return nil, false
	}

	raw, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		// redis.Nil is a plain miss; anything else degrades to a miss too
		if err != redis.Nil && c.logger != nil {
			c.logger.WithError(err).Warn("redis get failed, treating as cache miss")
		}
		return nil, false
	}

	var d access.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Warn("corrupt cached decision, dropping")
		}
		c.redis.Del(ctx, key)
		return nil, false
	}

	c.local.Add(key, d)
	return &d, true
}

// SetDecision stores a decision in both tiers. Redis failures are logged and
// ignored; the cache never fails a resolution.
func (c *Cache) SetDecision(ctx context.Context, principalID, resourceID string, d *access.Decision) {
	if d == nil {
		return
	}
	key := decisionKey(principalID, resourceID)
	c.local.Add(key, *d)

	if c.redis == nil {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("redis set failed, decision cached locally only")
	}
}

// InvalidateResolution drops the pair's decision from both tiers. Called by
// the membership store and invitation manager after every mutation.
func (c *Cache) InvalidateResolution(ctx context.Context, principalID, resourceID string) {
	key := decisionKey(principalID, resourceID)
	c.local.Remove(key)

	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("redis del failed, entry expires by TTL")
	}
}

// Purge empties the local tier. Redis entries expire by TTL.
func (c *Cache) Purge() {
	c.local.Purge()
}

// Close releases the Redis connection if one was configured.
func (c *Cache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}
