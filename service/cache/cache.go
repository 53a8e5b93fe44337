package cache

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"IMGateway/logger"
	"IMGateway/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Placeholder values cached for empty loads, so a missing row does not
// turn into a stampede of database reads.
const (
	nullPlaceholder      = "__CACHE_NULL__"
	emptyHashPlaceholder = "__CACHE_EMPTY_HASH__"

	placeholderTTL = 60 * time.Second
	lockRetries    = 3
	lockHold       = 10 * time.Second
)

// Client implements cache-aside over redis with per-key build locks.
type Client struct {
	rdb    redis.Cmdable
	locker Locker
	ttl    time.Duration
}

// Locker is the subset of the distributed lock the cache needs.
type Locker interface {
	TryLock(ctx context.Context, key string, wait, hold time.Duration) (func(), error)
}

func New(rdb redis.Cmdable, locker Locker, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Client{rdb: rdb, locker: locker, ttl: ttl}
}

// jitterTTL spreads expirations so hot keys built together do not all
// fall out together.
func (c *Client) jitterTTL() time.Duration {
	j := time.Duration(rand.Int63n(int64(c.ttl / 5)))
	return c.ttl + j
}

// GetOrLoad reads key from redis, and on a miss builds it under a lock
// via load. A nil result from load is cached as a null placeholder and
// surfaced as errs.ErrNotFound.
func GetOrLoad[T any](ctx context.Context, c *Client, key string, load func(ctx context.Context) (*T, error)) (*T, error) {
	if v, ok, err := getCached[T](ctx, c, key); err != nil || ok {
		return v, err
	}

	lockKey := "lock:cache:" + key
	for i := 1; i <= lockRetries; i++ {
		unlock, err := c.locker.TryLock(ctx, lockKey, 0, lockHold)
		if err == nil {
			defer unlock()
			// someone may have built it while we waited
			if v, ok, err := getCached[T](ctx, c, key); err != nil || ok {
				return v, err
			}
			return buildAndSet(ctx, c, key, load)
		}
		if !errs.ErrLockBusy.Is(err) {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(i) * 50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if v, ok, err := getCached[T](ctx, c, key); err != nil || ok {
			return v, err
		}
	}

	// last chance before giving up: the builder may just have finished
	if v, ok, err := getCached[T](ctx, c, key); err != nil || ok {
		return v, err
	}
	return nil, errs.ErrCacheLockExhausted.WrapMsg("key", key)
}

func getCached[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.WrapMsg(err, "cache get", "key", key)
	}
	if raw == nullPlaceholder {
		return nil, true, errs.ErrNotFound.WrapMsg("cached null", "key", key)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// corrupt entry, drop it and treat as miss
		logger.Warnf("cache entry unreadable, evicting key=%s err=%v", key, err)
		_ = c.rdb.Del(ctx, key).Err()
		return nil, false, nil
	}
	return &v, true, nil
}

func buildAndSet[T any](ctx context.Context, c *Client, key string, load func(ctx context.Context) (*T, error)) (*T, error) {
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := c.rdb.Set(ctx, key, nullPlaceholder, placeholderTTL).Err(); err != nil {
			logger.Warnf("cache set placeholder failed key=%s err=%v", key, err)
		}
		return nil, errs.ErrNotFound.WrapMsg("loaded nil", "key", key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.WrapMsg(err, "cache marshal", "key", key)
	}
	if err := c.rdb.Set(ctx, key, b, c.jitterTTL()).Err(); err != nil {
		logger.Warnf("cache set failed key=%s err=%v", key, err)
	}
	return v, nil
}

// GetOrLoadHash is GetOrLoad for map-shaped values stored as redis
// hashes. Empty maps are cached with a sentinel field.
func (c *Client) GetOrLoadHash(ctx context.Context, key string, load func(ctx context.Context) (map[string]string, error)) (map[string]string, error) {
	if m, ok, err := c.getHash(ctx, key); err != nil || ok {
		return m, err
	}

	lockKey := "lock:cache:" + key
	for i := 1; i <= lockRetries; i++ {
		unlock, err := c.locker.TryLock(ctx, lockKey, 0, lockHold)
		if err == nil {
			defer unlock()
			if m, ok, err := c.getHash(ctx, key); err != nil || ok {
				return m, err
			}
			return c.buildHash(ctx, key, load)
		}
		if !errs.ErrLockBusy.Is(err) {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(i) * 50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if m, ok, err := c.getHash(ctx, key); err != nil || ok {
			return m, err
		}
	}

	if m, ok, err := c.getHash(ctx, key); err != nil || ok {
		return m, err
	}
	return nil, errs.ErrCacheLockExhausted.WrapMsg("key", key)
}

func (c *Client) getHash(ctx context.Context, key string) (map[string]string, bool, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, errs.WrapMsg(err, "cache hgetall", "key", key)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	if _, empty := m[emptyHashPlaceholder]; empty {
		return map[string]string{}, true, nil
	}
	return m, true, nil
}

func (c *Client) buildHash(ctx context.Context, key string, load func(ctx context.Context) (map[string]string, error)) (map[string]string, error) {
	m, err := load(ctx)
	if err != nil {
		return nil, err
	}
	pipe := c.rdb.TxPipeline()
	if len(m) == 0 {
		pipe.HSet(ctx, key, emptyHashPlaceholder, "1")
		pipe.Expire(ctx, key, placeholderTTL)
	} else {
		kv := make(map[string]any, len(m))
		for k, v := range m {
			kv[k] = v
		}
		pipe.HSet(ctx, key, kv)
		pipe.Expire(ctx, key, c.jitterTTL())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("cache hash set failed key=%s err=%v", key, err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

// Evict drops a cached entry after the source of truth changed.
func (c *Client) Evict(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
