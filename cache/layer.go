package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"category-engine/metrics"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Stamp is the set of group versions observed before a value was computed.
type Stamp map[string]int64

func (s Stamp) String() string {
	groups := make([]string, 0, len(s))
	for g := range s {
		groups = append(groups, g)
	}
	slices.Sort(groups)

	var b strings.Builder
	for _, g := range groups {
		b.WriteString(g)
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(s[g], 10))
		b.WriteByte(';')
	}

	return b.String()
}

type envelope struct {
	Value  []byte `json:"v"`
	Groups Stamp  `json:"g,omitempty"`
}

// Layer is safe for concurrent use.
type Layer struct {
	backend  Backend
	versions Versions
	policy   Policy
	metrics  *metrics.Metrics
	fills    singleflight.Group
}

func NewLayer(backend SharedBackend, policy Policy, m *metrics.Metrics) *Layer {
	return &Layer{
		backend:  backend,
		versions: backend,
		policy:   policy,
		metrics:  metrics.OrDiscard(m),
	}
}

func (l *Layer) Policy() Policy {
	return l.policy
}

// Get returns the value under key unless it expired or one of its groups
// was invalidated after the value's write started. Rejected entries are left
// in place: the next fill overwrites them and the TTL removes the rest.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, bool) {
	if ValidateKey(key) != nil {
		return nil, false
	}

	raw, ok := l.backend.Get(ctx, key)
	if !ok {
		l.metrics.CacheLookups.WithLabelValues(metrics.ResultMiss).Inc()

		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Ignoring undecodable cache entry")
		l.metrics.CacheLookups.WithLabelValues(metrics.ResultMiss).Inc()

		return nil, false
	}

	if !l.current(ctx, env.Groups) {
		l.metrics.CacheLookups.WithLabelValues(metrics.ResultStale).Inc()

		return nil, false
	}

	l.metrics.CacheLookups.WithLabelValues(metrics.ResultHit).Inc()

	return env.Value, true
}

// current reports whether every group still has the stamped version. An
// unreadable version counts as moved.
func (l *Layer) current(ctx context.Context, stamp Stamp) bool {
	for group, seen := range stamp {
		v, err := l.versions.Version(ctx, group)
		if err != nil || v != seen {
			return false
		}
	}

	return true
}

// Snapshot reads the current versions of groups.
func (l *Layer) Snapshot(ctx context.Context, groups ...string) (Stamp, error) {
	stamp := make(Stamp, len(groups))
	for _, g := range groups {
		if g == "" {
			return nil, fmt.Errorf("%w: empty group", ErrInvalidKey)
		}
		v, err := l.versions.Version(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("cache: read version of %s: %w", g, err)
		}
		stamp[g] = v
	}

	return stamp, nil
}

// Set stores value tagged with groups. Use Remember or SetStamped when the
// value was computed before this call, so that an invalidation during the
// computation is not missed.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration, groups ...string) error {
	stamp, err := l.Snapshot(ctx, groups...)
	if err != nil {
		return err
	}

	return l.SetStamped(ctx, key, value, ttl, stamp)
}

// SetStamped stores value with the versions captured before it was
// computed. A stamp that is already outdated is discarded without error.
func (l *Layer) SetStamped(ctx context.Context, key string, value []byte, ttl time.Duration, stamp Stamp) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	ttl = l.policy.EffectiveTTL(ttl)
	if ttl <= 0 {
		return nil
	}

	if !l.current(ctx, stamp) {
		l.metrics.CacheWrites.WithLabelValues("discarded").Inc()

		return nil
	}

	raw, err := json.Marshal(envelope{Value: value, Groups: stamp})
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}

	if err := l.backend.Set(ctx, key, raw, ttl); err != nil {
		l.metrics.CacheWrites.WithLabelValues("failed").Inc()

		return err
	}
	l.metrics.CacheWrites.WithLabelValues("stored").Inc()

	return nil
}

// InvalidateGroup expires every entry tagged with group. Once it returns,
// no Get serves a value whose write started before the call.
func (l *Layer) InvalidateGroup(ctx context.Context, group string) error {
	if _, err := l.versions.Bump(ctx, group); err != nil {
		return fmt.Errorf("cache: invalidate group %s: %w", group, err)
	}
	l.metrics.CacheInvalidations.WithLabelValues("group").Inc()

	return nil
}

func (l *Layer) InvalidateKey(ctx context.Context, key string) error {
	if err := l.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache: invalidate key %s: %w", key, err)
	}
	l.metrics.CacheInvalidations.WithLabelValues("key").Inc()

	return nil
}

// Remember returns the cached value for key or computes and stores it.
// Concurrent misses for the same key and versions share one computation.
// Errors from compute are returned and nothing is cached.
func (l *Layer) Remember(
	ctx context.Context,
	key string,
	ttl time.Duration,
	groups []string,
	compute func(ctx context.Context) ([]byte, error),
) ([]byte, error) {
	if v, ok := l.Get(ctx, key); ok {
		return v, nil
	}

	stamp, err := l.Snapshot(ctx, groups...)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache versions unavailable, serving uncached")

		return compute(ctx)
	}

	v, err, _ := l.fills.Do(key+"\x00"+stamp.String(), func() (any, error) {
		// The computation is shared, so one caller's cancellation must not
		// fail the others. Store calls carry their own timeouts.
		fillCtx := context.WithoutCancel(ctx)

		value, err := compute(fillCtx)
		if err != nil {
			return nil, err
		}

		if err := l.SetStamped(fillCtx, key, value, ttl, stamp); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Cache fill not stored")
		}

		return value, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

// RememberJSON is Remember for JSON-encodable values.
func RememberJSON[T any](
	ctx context.Context,
	l *Layer,
	key string,
	ttl time.Duration,
	groups []string,
	compute func(ctx context.Context) (T, error),
) (T, error) {
	var out T

	raw, err := l.Remember(ctx, key, ttl, groups, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		_ = l.InvalidateKey(ctx, key)

		return out, fmt.Errorf("cache: decode %s: %w", key, err)
	}

	return out, nil
}
