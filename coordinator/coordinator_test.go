package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"category-engine/cache"
	"category-engine/metrics"
	"category-engine/orm"
	"category-engine/orm/memstore"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	groups []string
	keys   []string
	err    error
}

func (r *recorder) InvalidateGroup(_ context.Context, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.groups = append(r.groups, group)

	return r.err
}

func (r *recorder) InvalidateKey(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = append(r.keys, key)

	return r.err
}

type fixture struct {
	store       *memstore.Store
	invalidator *recorder
	metrics     *metrics.Metrics
	coordinator *Coordinator
	tags        map[string]uint

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()

	f := &fixture{
		store:       memstore.New(),
		invalidator: &recorder{},
		metrics:     metrics.Discard(),
		tags:        make(map[string]uint),
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, name := range names {
		tag, err := f.store.FindOrCreateTag(context.Background(), name, orm.TagTypeBoth)
		require.NoError(t, err)
		f.tags[name] = tag.ID
	}
	f.coordinator = New(f.store, f.invalidator, Options{
		MaxTags:        4,
		Retry:          orm.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		CleanupTimeout: time.Second,
		Clock:          f.clock,
		Metrics:        f.metrics,
	})

	return f
}

func (f *fixture) tag(t *testing.T, item orm.ItemRef, names ...string) {
	t.Helper()

	ids := make([]uint, 0, len(names))
	for _, n := range names {
		ids = append(ids, f.tags[n])
	}
	_, _, err := f.store.ReplaceItemTags(context.Background(), item, ids)
	require.NoError(t, err)
}

func video(id uint) orm.ItemRef {
	return orm.ItemRef{Kind: orm.KindVideo, ID: id}
}

func TestOnItemTagsChanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Rock", "Jazz")
	ctx := context.Background()

	f.store.AddVideo(1, true)
	f.tag(t, video(1), "Rock", "Jazz")

	run, err := f.coordinator.OnItemTagsChanged(ctx, video(1))
	require.NoError(t, err)

	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, []State{
		StatePending,
		StateCombinationsComputed,
		StateCategoriesUpserted,
		StateCountsRefreshed,
		StateCacheInvalidated,
		StateDone,
	}, run.History)
	assert.Len(t, run.Combinations, 3)
	require.Len(t, run.Categories, 3)
	for _, c := range run.Categories {
		assert.Equal(t, int64(1), c.ItemCount, c.Name)
	}

	assert.Contains(t, f.invalidator.groups, cache.CategoriesGroup("video"))
	assert.Contains(t, f.invalidator.groups, cache.ItemGroup("video", 1))
	assert.Len(t, f.invalidator.keys, 3)

	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.SyncRuns.WithLabelValues("video", string(StateDone))), 0)
}

func TestOnItemTagsChangedWithoutTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.AddVideo(1, true)

	run, err := f.coordinator.OnItemTagsChanged(context.Background(), video(1))
	require.NoError(t, err)
	assert.Equal(t, []State{StatePending, StateDone}, run.History)
	assert.Zero(t, f.store.CategoryCount())
}

func TestOnItemTagsChangedRejectsTooManyTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "a", "b", "c", "d", "e")
	f.store.AddVideo(1, true)
	f.tag(t, video(1), "a", "b", "c", "d", "e")

	run, err := f.coordinator.OnItemTagsChanged(context.Background(), video(1))
	var validation *orm.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, StateFailed, run.State)
	assert.Zero(t, f.store.CategoryCount())
	assert.Empty(t, f.invalidator.groups)
}

func TestOnItemTagsChangedUnknownKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	run, err := f.coordinator.OnItemTagsChanged(context.Background(), orm.ItemRef{Kind: "podcast", ID: 1})
	var validation *orm.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, StateFailed, run.State)
}

func TestOnItemTagsChangedCancelledAfterUpsertStillSettles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Rock", "Jazz")
	f.store.AddVideo(1, true)
	f.tag(t, video(1), "Rock", "Jazz")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	f.store.SetHook(func(_ context.Context, op string) error {
		if op == "CountItemsWithAllTags" {
			once.Do(cancel)
		}

		return nil
	})

	run, err := f.coordinator.OnItemTagsChanged(ctx, video(1))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, run.State)
	assert.Contains(t, run.History, StateCacheInvalidated)

	categories, err := f.store.CategoriesByKind(context.Background(), orm.KindVideo)
	require.NoError(t, err)
	require.Len(t, categories, 3)
	for _, c := range categories {
		assert.Equal(t, int64(1), c.ItemCount)
	}
	assert.Contains(t, f.invalidator.groups, cache.CategoriesGroup("video"))
}

func TestOnItemTagsChangedRecordsCountFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Rock", "Jazz")
	f.store.AddVideo(1, true)
	f.tag(t, video(1), "Rock", "Jazz")

	boom := errors.New("count failed")
	f.store.SetHook(func(_ context.Context, op string) error {
		if op == "UpdateCategoryCount" {
			return boom
		}

		return nil
	})

	run, err := f.coordinator.OnItemTagsChanged(context.Background(), video(1))
	require.NoError(t, err)
	assert.Equal(t, StateDone, run.State)
	assert.Len(t, run.Failures, 3)
	assert.InDelta(t, 3, testutil.ToFloat64(f.metrics.CountFailures.WithLabelValues("video")), 0)
}

func TestOnItemTagsChangedInvalidationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Rock")
	f.store.AddVideo(1, true)
	f.tag(t, video(1), "Rock")
	f.invalidator.err = errors.New("redis down")

	run, err := f.coordinator.OnItemTagsChanged(context.Background(), video(1))
	require.Error(t, err)
	assert.Equal(t, StateFailed, run.State)
	assert.Contains(t, run.History, StateCountsRefreshed)
	assert.NotContains(t, run.History, StateCacheInvalidated)
}

func TestRefreshKindAfterTagsRemoved(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Rock")
	ctx := context.Background()
	f.store.AddVideo(1, true)
	f.tag(t, video(1), "Rock")

	_, err := f.coordinator.OnItemTagsChanged(ctx, video(1))
	require.NoError(t, err)

	f.tag(t, video(1))
	updated, err := f.coordinator.RefreshKind(ctx, orm.KindVideo)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Zero(t, updated[0].ItemCount)
}

func TestPruneKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Rock")
	ctx := context.Background()
	f.store.AddVideo(1, true)
	f.tag(t, video(1), "Rock")

	_, err := f.coordinator.OnItemTagsChanged(ctx, video(1))
	require.NoError(t, err)
	f.tag(t, video(1))
	_, err = f.coordinator.RefreshKind(ctx, orm.KindVideo)
	require.NoError(t, err)

	f.invalidator.groups = nil
	deleted, err := f.coordinator.PruneKind(ctx, orm.KindVideo, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted, "too young")

	f.advance(2 * time.Hour)
	deleted, err = f.coordinator.PruneKind(ctx, orm.KindVideo, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, []string{cache.CategoriesGroup("video")}, f.invalidator.groups)

	f.invalidator.groups = nil
	deleted, err = f.coordinator.PruneKind(ctx, orm.KindVideo, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Empty(t, f.invalidator.groups)
}
