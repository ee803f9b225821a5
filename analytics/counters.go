package analytics

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"category-engine/metrics"
	"category-engine/orm"

	"github.com/redis/go-redis/v9"
)

// Counter is one tracked combination key with its occurrence count.
type Counter struct {
	Member string
	Count  int64
}

// Counters stores one counter set per kind. A set expires ttl after its
// last increment.
type Counters interface {
	Incr(ctx context.Context, kind orm.Kind, member string, ttl time.Duration) error
	// Above returns the counters of kind strictly greater than threshold,
	// highest first. limit <= 0 returns all of them.
	Above(ctx context.Context, kind orm.Kind, threshold int64, limit int) ([]Counter, error)
}

type counterSet struct {
	members   map[string]int64
	expiresAt time.Time
}

type MemoryCounters struct {
	mu   sync.Mutex
	sets map[orm.Kind]*counterSet
	now  func() time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return NewMemoryCountersWithClock(time.Now)
}

func NewMemoryCountersWithClock(now func() time.Time) *MemoryCounters {
	return &MemoryCounters{sets: make(map[orm.Kind]*counterSet), now: now}
}

// live returns the set of kind, dropping it once expired. Caller holds mu.
func (m *MemoryCounters) live(kind orm.Kind) *counterSet {
	set, ok := m.sets[kind]
	if !ok {
		return nil
	}
	if !set.expiresAt.IsZero() && !m.now().Before(set.expiresAt) {
		delete(m.sets, kind)

		return nil
	}

	return set
}

func (m *MemoryCounters) Incr(_ context.Context, kind orm.Kind, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.live(kind)
	if set == nil {
		set = &counterSet{members: make(map[string]int64)}
		m.sets[kind] = set
	}
	set.members[member]++
	if ttl > 0 {
		set.expiresAt = m.now().Add(ttl)
	}

	return nil
}

func (m *MemoryCounters) Above(_ context.Context, kind orm.Kind, threshold int64, limit int) ([]Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.live(kind)
	if set == nil {
		return nil, nil
	}

	out := make([]Counter, 0, len(set.members))
	for member, count := range set.members {
		if count > threshold {
			out = append(out, Counter{Member: member, Count: count})
		}
	}
	slices.SortFunc(out, func(a, b Counter) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}

		return cmp.Compare(b.Member, a.Member)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// RedisCounters keeps one sorted set per kind, scored by occurrence count.
type RedisCounters struct {
	client  redis.UniversalClient
	prefix  string
	metrics *metrics.Metrics
}

func NewRedisCounters(client redis.UniversalClient, prefix string, m *metrics.Metrics) *RedisCounters {
	return &RedisCounters{client: client, prefix: prefix, metrics: metrics.OrDiscard(m)}
}

func (r *RedisCounters) key(kind orm.Kind) string {
	return r.prefix + "tag_combo:" + string(kind)
}

func (r *RedisCounters) Incr(ctx context.Context, kind orm.Kind, member string, ttl time.Duration) error {
	defer r.metrics.ObserveRedis("zincrby", time.Now())

	key := r.key(kind)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZIncrBy(ctx, key, 1, member)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("increment %s in %s: %w", member, key, err)
	}

	return nil
}

func (r *RedisCounters) Above(ctx context.Context, kind orm.Kind, threshold int64, limit int) ([]Counter, error) {
	defer r.metrics.ObserveRedis("zrevrangebyscore", time.Now())

	key := r.key(kind)
	opt := &redis.ZRangeBy{
		Max: "+inf",
		Min: "(" + strconv.FormatInt(threshold, 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	scored, err := r.client.ZRevRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters from %s: %w", key, err)
	}

	out := make([]Counter, 0, len(scored))
	for _, z := range scored {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Counter{Member: member, Count: int64(z.Score)})
	}

	return out, nil
}
