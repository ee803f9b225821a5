package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"category-engine/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newMemoryLayer(t *testing.T) (*Layer, *clock, *metrics.Metrics) {
	t.Helper()

	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := metrics.Discard()

	return NewLayer(NewMemoryBackendWithClock(clk.Now), DefaultPolicy(), m), clk, m
}

func TestLayerGetSet(t *testing.T) {
	t.Parallel()

	l, _, _ := newMemoryLayer(t)
	ctx := context.Background()

	_, ok := l.Get(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, l.Set(ctx, "k", []byte("v"), time.Minute, "g1", "g2"))
	v, ok := l.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.ErrorIs(t, l.Set(ctx, "", []byte("v"), time.Minute), ErrInvalidKey)
	require.ErrorIs(t, l.Set(ctx, "bad\nkey", []byte("v"), time.Minute), ErrInvalidKey)
}

func TestLayerTTLAndGroupComposeWithOr(t *testing.T) {
	t.Parallel()

	l, clk, _ := newMemoryLayer(t)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "ttl", []byte("1"), time.Minute, "g"))
	require.NoError(t, l.Set(ctx, "group", []byte("2"), time.Hour, "g"))

	clk.Advance(2 * time.Minute)
	_, ok := l.Get(ctx, "ttl")
	assert.False(t, ok, "expired by ttl")
	_, ok = l.Get(ctx, "group")
	assert.True(t, ok)

	require.NoError(t, l.InvalidateGroup(ctx, "g"))
	_, ok = l.Get(ctx, "group")
	assert.False(t, ok, "expired by group")
}

func TestLayerInvalidateGroupOnlyTouchesItsGroup(t *testing.T) {
	t.Parallel()

	l, _, m := newMemoryLayer(t)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "a", []byte("a"), time.Hour, "video_categories"))
	require.NoError(t, l.Set(ctx, "b", []byte("b"), time.Hour, "creator_categories"))
	require.NoError(t, l.Set(ctx, "both", []byte("ab"), time.Hour, "video_categories", "creator_categories"))

	require.NoError(t, l.InvalidateGroup(ctx, "video_categories"))

	_, ok := l.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "both")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "b")
	assert.True(t, ok)

	assert.InDelta(t, 2, testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.ResultStale)), 0)
}

func TestLayerInvalidateKey(t *testing.T) {
	t.Parallel()

	l, _, _ := newMemoryLayer(t)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "category_slug:x", []byte("x"), time.Hour))
	require.NoError(t, l.InvalidateKey(ctx, "category_slug:x"))
	_, ok := l.Get(ctx, "category_slug:x")
	assert.False(t, ok)

	assert.NoError(t, l.InvalidateKey(ctx, "never-set"))
}

// deleteCounter records key deletions reaching the backend.
type deleteCounter struct {
	*MemoryBackend
	deletes atomic.Int32
}

func (d *deleteCounter) Delete(ctx context.Context, key string) error {
	d.deletes.Add(1)

	return d.MemoryBackend.Delete(ctx, key)
}

func TestLayerGetLeavesRejectedEntriesInPlace(t *testing.T) {
	t.Parallel()

	backend := &deleteCounter{MemoryBackend: NewMemoryBackend()}
	l := NewLayer(backend, DefaultPolicy(), metrics.Discard())
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "k", []byte("old"), time.Hour, "g"))
	require.NoError(t, l.InvalidateGroup(ctx, "g"))
	require.NoError(t, backend.Set(ctx, "junk", []byte("not json"), time.Hour))

	// A reader holding the stale entry must not remove a value another
	// writer stores under the same key.
	_, ok := l.Get(ctx, "k")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "junk")
	assert.False(t, ok)
	assert.Zero(t, backend.deletes.Load())

	require.NoError(t, l.Set(ctx, "k", []byte("new"), time.Hour, "g"))
	v, ok := l.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)
}

func TestLayerRacingSetCannotResurrectStaleData(t *testing.T) {
	t.Parallel()

	l, _, _ := newMemoryLayer(t)
	ctx := context.Background()

	// A reader snapshots, computes from the old state, and only writes after
	// an invalidation has happened in between.
	stamp, err := l.Snapshot(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.InvalidateGroup(ctx, "g"))
	require.NoError(t, l.SetStamped(ctx, "k", []byte("stale"), time.Hour, stamp))

	_, ok := l.Get(ctx, "k")
	assert.False(t, ok)

	// Same race, but the write slips in before the invalidation lands.
	stamp, err = l.Snapshot(ctx, "g")
	require.NoError(t, err)
	require.NoError(t, l.SetStamped(ctx, "k", []byte("stale"), time.Hour, stamp))
	require.NoError(t, l.InvalidateGroup(ctx, "g"))

	_, ok = l.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRememberComputesOncePerKey(t *testing.T) {
	t.Parallel()

	l, _, _ := newMemoryLayer(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release

		return []byte("value"), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([][]byte, callers)
	for i := range callers {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			v, err := l.Remember(ctx, "k", time.Hour, []string{"g"}, compute)
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(callers))
	for _, r := range results {
		assert.Equal(t, []byte("value"), r)
	}

	before := calls.Load()
	v, err := l.Remember(ctx, "k", time.Hour, []string{"g"}, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)
	assert.Equal(t, before, calls.Load(), "served from cache")
}

func TestRememberDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	l, _, _ := newMemoryLayer(t)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := l.Remember(ctx, "k", time.Hour, nil, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := l.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRememberJSON(t *testing.T) {
	t.Parallel()

	l, _, _ := newMemoryLayer(t)
	ctx := context.Background()

	type page struct {
		Items []string `json:"items"`
	}

	calls := 0
	compute := func(context.Context) (page, error) {
		calls++

		return page{Items: []string{"a", "b"}}, nil
	}

	got, err := RememberJSON(ctx, l, "page", time.Hour, []string{"g"}, compute)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Items)

	got, err = RememberJSON(ctx, l, "page", time.Hour, []string{"g"}, compute)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Items)
	assert.Equal(t, 1, calls)

	require.NoError(t, l.InvalidateGroup(ctx, "g"))
	_, err = RememberJSON(ctx, l, "page", time.Hour, []string{"g"}, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	p := Policy{DefaultTTL: time.Hour, MaxTTL: 2 * time.Hour}
	assert.Equal(t, time.Hour, p.EffectiveTTL(0))
	assert.Equal(t, 30*time.Minute, p.EffectiveTTL(30*time.Minute))
	assert.Equal(t, 2*time.Hour, p.EffectiveTTL(5*time.Hour))
	assert.True(t, p.ShouldCache())

	assert.Equal(t, 5*time.Minute, p.LevelTTL(LevelShort))
	assert.Equal(t, time.Hour, p.LevelTTL(LevelMedium))
	assert.Equal(t, 2*time.Hour, p.LevelTTL(LevelLong))

	assert.False(t, Policy{}.ShouldCache())
}

func TestStampString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a=1;b=2;", Stamp{"b": 2, "a": 1}.String())
	assert.Equal(t, "", Stamp{}.String())
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "video_categories", CategoriesGroup("video"))
	assert.Equal(t, "item:creator:9", ItemGroup("creator", 9))
	assert.Equal(t, "video_categories_page_2_20", CategoryListKey("video", 2, 20))
	assert.Equal(t, "category_slug:video-a", CategorySlugKey("video-a"))
	assert.Equal(t, "category_content:video-a:10", CategoryContentKey("video-a", 10))
	assert.Equal(t, "popular_tags:both:10", PopularTagsKey("both", 10))
}
