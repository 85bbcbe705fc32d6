// Package cache provides a Redis-backed read-through cache for resource
// reads. Values are stored as JSON under "<kind>:<id>" and
// "<kind>:filter:<fingerprint>" style keys so a whole kind can be
// invalidated by prefix after any mutation.
//
// The cache always fails open: any Redis or decode error is logged as a
// structured warning and treated as a miss. A nil *Cache behaves like a
// disabled one, so callers never have to guard their reads.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache wraps a Redis client with a fixed TTL and JSON encoding.
type Cache struct {
	rdb     *redis.Client
	ttl     time.Duration
	enabled bool
	log     zerolog.Logger
}

// New builds a Cache. Pass enabled=false to wire in a no-op cache without
// changing call sites.
func New(rdb *redis.Client, ttl time.Duration, enabled bool, log zerolog.Logger) *Cache {
	return &Cache{
		rdb:     rdb,
		ttl:     ttl,
		enabled: enabled,
		log:     log.With().Str("subsystem", "cache").Logger(),
	}
}

func (c *Cache) active() bool {
	return c != nil && c.enabled && c.rdb != nil
}

// Get loads the value under key into dest. It reports true only on a clean
// hit; misses, Redis errors and decode errors all report false.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.active() {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry undecodable")
		return false
	}
	return true
}

// Set stores value under key with the configured TTL. Failures are logged
// and otherwise ignored.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	if !c.active() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Delete removes specific keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if !c.active() || len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

// InvalidatePrefix removes every key belonging to kind, covering both
// per-id entries and filter result entries. SCAN keeps this safe against
// large keyspaces.
func (c *Cache) InvalidatePrefix(ctx context.Context, kind string) error {
	if !c.active() {
		return nil
	}
	match := kind + ":*"
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return fmt.Errorf("cache scan %s: %w", match, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache delete %s: %w", match, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
