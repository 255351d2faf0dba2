package performance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roomledger/roomledger/internal/period"
)

const (
	cacheVersionKey = "perf:summary:version"
	cacheMissMarker = "miss"
)

// CacheObserver receives one event per cache lookup: hit, miss or error.
type CacheObserver interface {
	CacheLookup(cache, result string)
}

// CachedStore fronts a Store with a versioned Redis read-through cache.
type CachedStore struct {
	next     Store
	client   *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
	observer CacheObserver
}

// NewCachedStore wraps next; a nil client disables caching.
func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{next: next, client: client, ttl: ttl, logger: logger}
}

// WithObserver reports lookup outcomes to observer.
func (c *CachedStore) WithObserver(observer CacheObserver) *CachedStore {
	c.observer = observer
	return c
}

func (c *CachedStore) observe(result string) {
	if c.observer != nil {
		c.observer.CacheLookup("summary", result)
	}
}

// Version returns the current cache generation, initialising when missing.
func (c *CachedStore) Version(ctx context.Context) (int64, error) {
	if c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

func (c *CachedStore) cacheKey(ctx context.Context, key Key) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("perf:summary:%s:v%d", key, ver), nil
}

// Find serves from Redis when possible and populates it on a store read.
// Misses are cached as a marker value.
func (c *CachedStore) Find(ctx context.Context, key Key) (Summary, bool, error) {
	if c.client == nil {
		return c.next.Find(ctx, key)
	}
	if err := key.Validate(); err != nil {
		return Summary{}, false, err
	}
	ck, err := c.cacheKey(ctx, key)
	if err != nil {
		c.log().Warn("summary cache unavailable", slog.Any("error", err))
		c.observe("error")
		return c.next.Find(ctx, key)
	}
	epoch, err := c.epoch(ctx, c.client, key)
	if err != nil {
		c.log().Warn("summary cache read failed", slog.String("key", ck), slog.Any("error", err))
		c.observe("error")
		return c.next.Find(ctx, key)
	}
	payload, err := c.client.Get(ctx, ck).Bytes()
	switch {
	case err == nil:
		if string(payload) == cacheMissMarker {
			c.observe("hit")
			return Summary{}, false, nil
		}
		var s Summary
		if jsonErr := json.Unmarshal(payload, &s); jsonErr == nil {
			c.observe("hit")
			return s, true, nil
		}
		c.log().Warn("discarding corrupt summary cache entry", slog.String("key", ck))
	case !errors.Is(err, redis.Nil):
		c.log().Warn("summary cache read failed", slog.String("key", ck), slog.Any("error", err))
		c.observe("error")
		return c.next.Find(ctx, key)
	}
	c.observe("miss")

	s, found, err := c.next.Find(ctx, key)
	if err != nil {
		return Summary{}, false, err
	}
	raw := []byte(cacheMissMarker)
	if found {
		if raw, err = json.Marshal(s); err != nil {
			return s, found, nil
		}
	}
	if err := c.fill(ctx, key, ck, epoch, raw); err != nil {
		c.log().Warn("summary cache write failed", slog.String("key", ck), slog.Any("error", err))
	}
	return s, found, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func epochKey(key Key) string {
	return "perf:summary:epoch:" + key.String()
}

// epoch returns the write counter of key; Upsert increments it.
func (c *CachedStore) epoch(ctx context.Context, cmd getter, key Key) (int64, error) {
	n, err := cmd.Get(ctx, epochKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// fill stores raw only when no Upsert of key landed since the store read.
func (c *CachedStore) fill(ctx context.Context, key Key, ck string, epoch int64, raw []byte) error {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.epoch(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != epoch {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, ck, raw, c.ttl)
			return nil
		})
		return err
	}, epochKey(key))
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Upsert writes through to the store and evicts the cached entry.
func (c *CachedStore) Upsert(ctx context.Context, key Key, spec UpdateSpec) (Summary, error) {
	s, err := c.next.Upsert(ctx, key, spec)
	if err != nil {
		return Summary{}, err
	}
	c.evict(ctx, key)
	return s, nil
}

// OwnerCoverage is not cached; the planner needs the durable answer.
func (c *CachedStore) OwnerCoverage(ctx context.Context, ownerID int64, periodType period.Type, periodKey string) (Coverage, error) {
	return c.next.OwnerCoverage(ctx, ownerID, periodType, periodKey)
}

// Purge deletes from the store and invalidates every cached entry by bumping the version.
func (c *CachedStore) Purge(ctx context.Context, ownerID int64, periodType period.Type, periodKey string) (int64, error) {
	n, err := c.next.Purge(ctx, ownerID, periodType, periodKey)
	if err != nil {
		return 0, err
	}
	if err := c.Bump(ctx); err != nil {
		c.log().Warn("summary cache bump failed", slog.Any("error", err))
	}
	return n, nil
}

// Bump invalidates all cached summaries.
func (c *CachedStore) Bump(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *CachedStore) evict(ctx context.Context, key Key) {
	if c.client == nil {
		return
	}
	ck, err := c.cacheKey(ctx, key)
	if err == nil {
		_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, epochKey(key))
			pipe.Expire(ctx, epochKey(key), 2*c.ttl)
			pipe.Del(ctx, ck)
			return nil
		})
	}
	if err != nil {
		c.log().Warn("summary cache evict failed", slog.String("summary", key.String()), slog.Any("error", err))
	}
}

func (c *CachedStore) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}
