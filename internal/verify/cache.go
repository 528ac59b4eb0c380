package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"eventsync/internal/model"
)

// Cache stores analyzer results by image hash.
type Cache interface {
	Get(ctx context.Context, hash string) (model.VerificationResult, bool, error)
	Set(ctx context.Context, hash string, res model.VerificationResult) error
}

type cacheEntry struct {
	res     model.VerificationResult
	expires time.Time
}

// MemoryCache is a TTL map. Expired entries are dropped on read and swept
// when the map reaches maxEntries.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &MemoryCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, hash string) (model.VerificationResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return model.VerificationResult{}, false, nil
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.entries, hash)
		return model.VerificationResult{}, false, nil
	}
	return e.res, true, nil
}

func (c *MemoryCache) Set(_ context.Context, hash string, res model.VerificationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if c.ttl > 0 && now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		// still full: evict an arbitrary entry
		for k := range c.entries {
			if len(c.entries) < c.maxEntries {
				break
			}
			delete(c.entries, k)
		}
	}
	c.entries[hash] = cacheEntry{res: res, expires: now.Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache keeps results as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, hash string) (model.VerificationResult, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.VerificationResult{}, false, nil
	}
	if err != nil {
		return model.VerificationResult{}, false, fmt.Errorf("cache get: %w", err)
	}
	var res model.VerificationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.VerificationResult{}, false, fmt.Errorf("cache decode: %w", err)
	}
	return res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, hash string, res model.VerificationResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+hash, raw, c.ttl).Err()
}
