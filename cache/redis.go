package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"category-engine/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBackend stores entries and group versions in redis. Entries use
// SET with expiry; version counters are plain INCR keys without expiry.
type RedisBackend struct {
	client  redis.UniversalClient
	prefix  string
	metrics *metrics.Metrics
}

func NewRedisBackend(client redis.UniversalClient, prefix string, m *metrics.Metrics) *RedisBackend {
	return &RedisBackend{
		client:  client,
		prefix:  prefix,
		metrics: metrics.OrDiscard(m),
	}
}

// NewRedisClient connects and pings within five seconds.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return rdb, nil
}

func (r *RedisBackend) entryKey(key string) string {
	return r.prefix + "entry:" + key
}

func (r *RedisBackend) versionKey(group string) string {
	return r.prefix + "version:" + group
}

func (r *RedisBackend) failed(operation string, err error) {
	r.metrics.CacheBackendErrors.WithLabelValues("redis", operation).Inc()
	log.Warn().Err(err).Str("operation", operation).Msg("Redis cache operation failed")
}

// Get reports a miss when redis is unreachable.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	value, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	r.metrics.ObserveRedis("GET", start)

	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.failed("GET", err)

		return nil, false
	}

	return value, true
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	start := time.Now()
	err := r.client.Set(ctx, r.entryKey(key), value, ttl).Err()
	r.metrics.ObserveRedis("SET", start)
	if err != nil {
		r.failed("SET", err)

		return fmt.Errorf("redis set %s: %w", key, err)
	}

	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := r.client.Del(ctx, r.entryKey(key)).Err()
	r.metrics.ObserveRedis("DEL", start)
	if err != nil {
		r.failed("DEL", err)

		return fmt.Errorf("redis del %s: %w", key, err)
	}

	return nil
}

func (r *RedisBackend) Version(ctx context.Context, group string) (int64, error) {
	start := time.Now()
	v, err := r.client.Get(ctx, r.versionKey(group)).Int64()
	r.metrics.ObserveRedis("GET", start)

	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		r.failed("VERSION", err)

		return 0, fmt.Errorf("redis version %s: %w", group, err)
	}

	return v, nil
}

func (r *RedisBackend) Bump(ctx context.Context, group string) (int64, error) {
	start := time.Now()
	v, err := r.client.Incr(ctx, r.versionKey(group)).Result()
	r.metrics.ObserveRedis("INCR", start)
	if err != nil {
		r.failed("INCR", err)

		return 0, fmt.Errorf("redis bump %s: %w", group, err)
	}

	return v, nil
}

var (
	_ Backend  = (*RedisBackend)(nil)
	_ Versions = (*RedisBackend)(nil)
)
