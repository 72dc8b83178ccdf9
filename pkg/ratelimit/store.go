package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists State between requests.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// MemoryStore keeps state in process. It is the default when no Redis
// address is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored state.
func (m *MemoryStore) Load(_ context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

// Save replaces the stored state.
func (m *MemoryStore) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

// Redis key suffixes for rate limit state storage.
const (
	redisKeyLimit         = "rate_limit:limit"
	redisKeyRemaining     = "rate_limit:remaining"
	redisKeyCooldownUntil = "rate_limit:cooldown_until"
	redisKeyLastUpdate    = "rate_limit:last_update"
)

// RedisStateTTL bounds how long state survives without updates.
const RedisStateTTL = 10 * time.Minute

// RedisStore shares state between exporter processes talking to the same
// helpdesk account.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store whose keys are namespaced by account, e.g.
// "helpdesk:acme:rate_limit:remaining".
func NewRedisStore(redisClient *redis.Client, account string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: "helpdesk:" + account + ":",
	}
}

// Key returns the full Redis key for a suffix.
func (r *RedisStore) Key(suffix string) string {
	return r.prefix + suffix
}

// Load reads state from Redis. Missing keys yield the zero State.
func (r *RedisStore) Load(ctx context.Context) (State, error) {
	values, err := r.redis.MGet(ctx,
		r.Key(redisKeyLimit),
		r.Key(redisKeyRemaining),
		r.Key(redisKeyCooldownUntil),
		r.Key(redisKeyLastUpdate),
	).Result()
	if err != nil {
		return State{}, fmt.Errorf("get rate limit state: %w", err)
	}

	var state State
	if v, ok := values[0].(string); ok {
		if state.Limit, err = strconv.Atoi(v); err != nil {
			return State{}, fmt.Errorf("parse limit: %w", err)
		}
	}
	if v, ok := values[1].(string); ok {
		if state.Remaining, err = strconv.Atoi(v); err != nil {
			return State{}, fmt.Errorf("parse remaining: %w", err)
		}
		state.QuotaKnown = true
	}
	if v, ok := values[2].(string); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("parse cooldown: %w", err)
		}
		state.CooldownUntil = time.UnixMilli(ms)
	}
	if v, ok := values[3].(string); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("parse last update: %w", err)
		}
		state.LastUpdate = time.UnixMilli(ms)
	}

	return state, nil
}

// Save writes state atomically with a pipeline.
func (r *RedisStore) Save(ctx context.Context, state State) error {
	pipe := r.redis.TxPipeline()
	if state.QuotaKnown {
		pipe.Set(ctx, r.Key(redisKeyLimit), state.Limit, RedisStateTTL)
		pipe.Set(ctx, r.Key(redisKeyRemaining), state.Remaining, RedisStateTTL)
	}
	if !state.CooldownUntil.IsZero() {
		pipe.Set(ctx, r.Key(redisKeyCooldownUntil), state.CooldownUntil.UnixMilli(), RedisStateTTL)
	}
	pipe.Set(ctx, r.Key(redisKeyLastUpdate), state.LastUpdate.UnixMilli(), RedisStateTTL)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}
