package tagging

import (
	"context"
	"testing"
	"time"

	"category-engine/cache"
	"category-engine/coordinator"
	"category-engine/metrics"
	"category-engine/orm"
	"category-engine/orm/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memstore.Store
	layer   *cache.Layer
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m := metrics.Discard()
	f := &fixture{
		store: memstore.New(),
		layer: cache.NewLayer(cache.NewMemoryBackend(), cache.DefaultPolicy(), m),
	}
	c := coordinator.New(f.store, f.layer, coordinator.Options{
		MaxTags:        3,
		CleanupTimeout: time.Second,
		Metrics:        m,
	})
	f.service = NewService(f.store, c, f.layer, 3)

	return f
}

func video(id uint) orm.ItemRef {
	return orm.ItemRef{Kind: orm.KindVideo, ID: id}
}

func countsByName(t *testing.T, s *memstore.Store, kind orm.Kind) map[string]int64 {
	t.Helper()

	categories, err := s.CategoriesByKind(context.Background(), kind)
	require.NoError(t, err)

	out := make(map[string]int64, len(categories))
	for _, c := range categories {
		out[c.Name] = c.ItemCount
	}

	return out
}

func TestFindOrCreateTagsNormalizesNames(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tags, err := f.service.FindOrCreateTags(ctx, []string{" Rock ", "rock", "", "Jazz"}, orm.TagTypeVideo)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "Rock", tags[0].Name)
	assert.Equal(t, "Jazz", tags[1].Name)

	again, err := f.service.FindOrCreateTags(ctx, []string{"Rock"}, orm.TagTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, tags[0].ID, again[0].ID)

	_, err = f.service.FindOrCreateTags(ctx, []string{"Rock"}, "podcast")
	var validation *orm.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestSyncItemTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.store.AddVideo(1, true)

	result, err := f.service.SyncItemTags(ctx, video(1), []string{"Rock", "Jazz"})
	require.NoError(t, err)
	assert.Len(t, result.Added, 2)
	require.NotNil(t, result.Run)
	assert.Equal(t, coordinator.StateDone, result.Run.State)
	assert.Equal(t, map[string]int64{"Rock": 1, "Jazz": 1, "Rock + Jazz": 1}, countsByName(t, f.store, orm.KindVideo))

	unchanged, err := f.service.SyncItemTags(ctx, video(1), []string{"Jazz", "Rock", "Rock"})
	require.NoError(t, err)
	assert.Nil(t, unchanged.Run)

	result, err = f.service.SyncItemTags(ctx, video(1), []string{"Rock"})
	require.NoError(t, err)
	assert.Len(t, result.Removed, 1)
	assert.Equal(t, map[string]int64{"Rock": 1, "Jazz": 0, "Rock + Jazz": 0}, countsByName(t, f.store, orm.KindVideo))
}

func TestSyncItemTagsInvalidatesPopularTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.store.AddVideo(1, true)

	require.NoError(t, f.layer.Set(ctx, cache.PopularTagsKey("both", 10), []byte("[]"), time.Hour, cache.GroupTags))

	_, err := f.service.SyncItemTags(ctx, video(1), []string{"Rock"})
	require.NoError(t, err)

	_, ok := f.layer.Get(ctx, cache.PopularTagsKey("both", 10))
	assert.False(t, ok)
}

func TestSyncItemTagsRejectsTooManyTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.AddVideo(1, true)

	_, err := f.service.SyncItemTags(context.Background(), video(1), []string{"a", "b", "c", "d"})
	var validation *orm.ValidationError
	require.ErrorAs(t, err, &validation)

	ids, err := f.store.ItemTagIDs(context.Background(), video(1))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSyncItemTagsToEmptyRefreshesCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.store.AddVideo(1, true)

	_, err := f.service.SyncItemTags(ctx, video(1), []string{"Rock"})
	require.NoError(t, err)

	result, err := f.service.SyncItemTags(ctx, video(1), nil)
	require.NoError(t, err)
	assert.Nil(t, result.Run)
	assert.Equal(t, map[string]int64{"Rock": 0}, countsByName(t, f.store, orm.KindVideo))
}

func TestDeleteItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.store.AddCreator(4)
	creator := orm.ItemRef{Kind: orm.KindCreator, ID: 4}

	_, err := f.service.SyncItemTags(ctx, creator, []string{"Gaming"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Gaming": 1}, countsByName(t, f.store, orm.KindCreator))

	require.NoError(t, f.service.DeleteItem(ctx, creator))
	assert.Equal(t, map[string]int64{"Gaming": 0}, countsByName(t, f.store, orm.KindCreator))

	require.NoError(t, f.service.DeleteItem(ctx, creator), "deleting twice is a no-op")
}
