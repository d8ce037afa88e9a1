package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrMiss is returned when a key is absent; callers fall through to storage.
var ErrMiss = errors.New("cache: miss")

// Cache is a read-through JSON cache in front of the query endpoints. A nil
// *Cache is valid and behaves as always-miss, so wiring stays unconditional
// when no Redis address is configured.
type Cache struct {
	c   *redis.Client
	ttl time.Duration
}

// New connects to Redis at addr. An empty addr returns nil, which disables
// caching without branching at the call sites.
func New(addr string, ttl time.Duration) *Cache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{
		c:   redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

// Get unmarshals the cached value for key into dst.
func (c *Cache) Get(ctx context.Context, key string, dst any) error {
	if c == nil {
		return ErrMiss
	}
	raw, err := c.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache read failed")
		return ErrMiss
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ErrMiss
	}
	return nil
}

// Set stores val under key for the configured TTL. Failures are logged and
// swallowed; the cache never gates a response.
func (c *Cache) Set(ctx context.Context, key string, val any) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.c.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// VersionedKey builds a cache key that embeds the family's current
// generation, so bumping the generation invalidates every key in the family
// at once regardless of the suffix (limits, hour windows). Stale generations
// age out through the TTL.
func (c *Cache) VersionedKey(ctx context.Context, family, suffix string) string {
	var gen int64
	if c != nil {
		if v, err := c.c.Get(ctx, genKey(family)).Int64(); err == nil {
			gen = v
		}
	}
	return versionedKey(family, gen, suffix)
}

// Bump advances the family's generation after an ingest, orphaning every
// cached read in the family.
func (c *Cache) Bump(ctx context.Context, family string) {
	if c == nil {
		return
	}
	if err := c.c.Incr(ctx, genKey(family)).Err(); err != nil {
		log.Debug().Err(err).Str("family", family).Msg("cache generation bump failed")
	}
}

func genKey(family string) string {
	return "gen:" + family
}

func versionedKey(family string, gen int64, suffix string) string {
	return fmt.Sprintf("%s:%d:%s", family, gen, suffix)
}

// Invalidate drops keys after an ingest so readers see fresh rows.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.c.Del(ctx, keys...).Err(); err != nil {
		log.Debug().Err(err).Msg("cache invalidate failed")
	}
}

// Close releases the client connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.c.Close()
}
