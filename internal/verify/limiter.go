package verify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Ticket identifies one admitted call so it can be handed back.
type Ticket struct {
	Key string
	ID  string
}

// Limiter admits at most a fixed number of calls per key within a sliding
// window.
type Limiter interface {
	// Allow reports whether a call for key may proceed now.
	Allow(ctx context.Context, key string) (Ticket, bool, error)
	// Release returns the slot taken by t, as if the call never happened.
	Release(ctx context.Context, t Ticket) error
}

type attempt struct {
	id string
	at time.Time
}

// SlidingWindow keeps per-key attempt history in memory.
type SlidingWindow struct {
	mu       sync.Mutex
	history  map[string][]attempt
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewSlidingWindow(limit int, interval time.Duration) *SlidingWindow {
	return &SlidingWindow{
		history:  make(map[string][]attempt),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *SlidingWindow) Allow(_ context.Context, key string) (Ticket, bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := make([]attempt, 0, len(attempts)+1)
	for _, a := range attempts {
		if a.at.After(windowStart) {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) >= rl.limit {
		rl.store(key, fresh)
		return Ticket{}, false, nil
	}

	t := Ticket{Key: key, ID: uuid.NewString()}
	rl.history[key] = append(fresh, attempt{id: t.ID, at: now})
	return t, true, nil
}

func (rl *SlidingWindow) Release(_ context.Context, t Ticket) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	attempts := rl.history[t.Key]
	for i, a := range attempts {
		if a.id == t.ID {
			rl.store(t.Key, append(attempts[:i:i], attempts[i+1:]...))
			break
		}
	}
	return nil
}

func (rl *SlidingWindow) store(key string, attempts []attempt) {
	if len(attempts) == 0 {
		delete(rl.history, key)
		return
	}
	rl.history[key] = attempts
}

// slidingWindowScript trims the sorted set to the window, then admits the
// member when the remaining count is under the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisLimiter shares the window across API replicas using one sorted set
// per key, scored by admission time in milliseconds.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	limit    int
	interval time.Duration
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, interval time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, interval: interval}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Ticket, bool, error) {
	t := Ticket{Key: key, ID: uuid.NewString()}
	now := time.Now().UnixMilli()
	ok, err := slidingWindowScript.Run(ctx, rl.client, []string{rl.prefix + key},
		strconv.FormatInt(now, 10), rl.interval.Milliseconds(), rl.limit, t.ID).Int()
	if err != nil {
		return Ticket{}, false, fmt.Errorf("limiter: %w", err)
	}
	return t, ok == 1, nil
}

func (rl *RedisLimiter) Release(ctx context.Context, t Ticket) error {
	return rl.client.ZRem(ctx, rl.prefix+t.Key, t.ID).Err()
}
