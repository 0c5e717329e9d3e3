package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisStore implements Store over a single Redis endpoint.
// MaxRetries is disabled on the client: transient failures surface
// immediately as ErrUnavailable and the caller applies its own policy.
type RedisStore struct {
	client *redis.Client

	mu      sync.Mutex
	scripts map[*Script]*redis.Script
}

// NewRedisStore creates a Redis store from config.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = cfg.ReadTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   -1, // caller owns retry policy
	})

	return NewRedisStoreFromClient(client)
}

// NewRedisStoreFromClient wraps an existing client (tests use this
// with miniredis).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		scripts: make(map[*Script]*redis.Script),
	}
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Unavailable(err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, Unavailable(err)
	}
	return res, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	if err := s.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, Unavailable(err)
	}
	return n, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

// Eval runs a script, caching the compiled redis.Script per Script so
// EVALSHA is used after the first call.
func (s *RedisStore) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	s.mu.Lock()
	rs, ok := s.scripts[script]
	if !ok {
		rs = redis.NewScript(script.Source)
		s.scripts[script] = rs
	}
	s.mu.Unlock()

	res, err := rs.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, Unavailable(err)
	}
	return res, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]any, error) {
	res, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, Unavailable(err)
	}
	return res, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// formatScore renders a sorted-set score bound. Scores here are
// millisecond timestamps, so integer formatting is exact.
func formatScore(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
