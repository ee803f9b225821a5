package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"category-engine/combination"
	"category-engine/orm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTag(t *testing.T, s *Store, name string) orm.Tag {
	t.Helper()

	tag, err := s.FindOrCreateTag(context.Background(), name, orm.TagTypeBoth)
	require.NoError(t, err)

	return tag
}

func TestTagsAndUsage(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	a := mustTag(t, s, "Action")
	b := mustTag(t, s, "Comedy")
	assert.Equal(t, a.ID, mustTag(t, s, "Action").ID)

	video := orm.ItemRef{Kind: orm.KindVideo, ID: 1}
	added, removed, err := s.ReplaceItemTags(ctx, video, []uint{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []uint{a.ID, b.ID}, added)
	assert.Empty(t, removed)

	added, removed, err = s.ReplaceItemTags(ctx, video, []uint{b.ID})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, []uint{a.ID}, removed)

	tags, err := s.TagsByIDs(ctx, []uint{a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, int64(0), tags[0].UsageCount)
	assert.Equal(t, int64(1), tags[1].UsageCount)

	_, _, err = s.ReplaceItemTags(ctx, video, []uint{999})
	assert.True(t, orm.IsNotFound(err))
}

func TestSlugCollisionBetweenTagNames(t *testing.T) {
	t.Parallel()

	s := New()
	first := mustTag(t, s, "Rock & Roll")
	second := mustTag(t, s, "Rock Roll")

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Slug, second.Slug)
	assert.Equal(t, "rock-roll", first.Slug)
}

func TestEligibilityAndCounts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := mustTag(t, s, "a")
	b := mustTag(t, s, "b")

	s.AddVideo(1, true)
	s.AddVideo(2, false)
	s.AddCreator(10)

	for item, ids := range map[orm.ItemRef][]uint{
		{Kind: orm.KindVideo, ID: 1}:    {a.ID, b.ID},
		{Kind: orm.KindVideo, ID: 2}:    {a.ID, b.ID},
		{Kind: orm.KindCreator, ID: 10}: {a.ID},
	} {
		_, _, err := s.ReplaceItemTags(ctx, item, ids)
		require.NoError(t, err)
	}

	n, err := s.CountItemsWithAllTags(ctx, orm.KindVideo, []uint{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CountItemsWithAllTags(ctx, orm.KindCreator, []uint{a.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := s.EligibleItems(ctx, orm.KindVideo)
	require.NoError(t, err)
	assert.Equal(t, []orm.ItemRef{{Kind: orm.KindVideo, ID: 1}}, items)

	matched, err := s.ItemsWithAnyTags(ctx, orm.KindVideo, []uint{b.ID}, 10)
	require.NoError(t, err)
	assert.Equal(t, []orm.ItemRef{{Kind: orm.KindVideo, ID: 1}}, matched)

	members, err := s.ItemsWithAllTags(ctx, orm.KindVideo, []uint{a.ID, b.ID}, 10)
	require.NoError(t, err)
	assert.Equal(t, []orm.ItemRef{{Kind: orm.KindVideo, ID: 1}}, members)

	members, err = s.ItemsWithAllTags(ctx, orm.KindCreator, []uint{a.ID, b.ID}, 10)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestCategoryUniqueness(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	c, err := orm.NewCategory(orm.KindVideo, combination.Combination{1}, map[uint]string{1: "a"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateCategory(ctx, &c))

	dup := c
	var conflict *orm.ConflictError
	require.ErrorAs(t, s.CreateCategory(ctx, &dup), &conflict)

	other, err := orm.NewCategory(orm.KindVideo, combination.Combination{2}, map[uint]string{2: "a"}, time.Now())
	require.NoError(t, err)
	require.ErrorAs(t, s.CreateCategory(ctx, &other), &conflict, "same slug")

	assert.Equal(t, 1, s.CategoryCount())
}

func TestListCategoriesOrdering(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	counts := []int64{3, 0, 7, 3}
	ids := make([]uint, len(counts))
	for i, n := range counts {
		id := uint(i + 1)
		c, err := orm.NewCategory(orm.KindVideo, combination.Combination{id}, map[uint]string{id: string(rune('a' + i))}, time.Now())
		require.NoError(t, err)
		require.NoError(t, s.CreateCategory(ctx, &c))
		require.NoError(t, s.UpdateCategoryCount(ctx, c.ID, n, time.Now()))
		ids[i] = c.ID
	}

	page, err := s.ListCategories(ctx, orm.KindVideo, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []uint{ids[2], ids[0], ids[3]}, []uint{page[0].ID, page[1].ID, page[2].ID})

	page, err = s.ListCategories(ctx, orm.KindVideo, 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	page, err = s.ListCategories(ctx, orm.KindVideo, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = s.ListCategories(ctx, orm.KindVideo, -2, 10)
	var validation *orm.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestRebuildCommitAndRollback(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	old, err := orm.NewCategory(orm.KindVideo, combination.Combination{1}, map[uint]string{1: "old"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateCategory(ctx, &old))
	creator, err := orm.NewCategory(orm.KindCreator, combination.Combination{1}, map[uint]string{1: "old"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateCategory(ctx, &creator))

	rb, err := s.BeginRebuild(ctx, orm.KindVideo)
	require.NoError(t, err)

	fresh, err := orm.NewCategory(orm.KindVideo, combination.Combination{2}, map[uint]string{2: "new"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, rb.CreateCategory(ctx, &fresh))

	live, err := s.CategoriesByKind(ctx, orm.KindVideo)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "1", live[0].TagCombination)

	require.NoError(t, rb.Commit(ctx))

	live, err = s.CategoriesByKind(ctx, orm.KindVideo)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "2", live[0].TagCombination)

	creators, err := s.CategoriesByKind(ctx, orm.KindCreator)
	require.NoError(t, err)
	assert.Len(t, creators, 1)

	assert.ErrorIs(t, rb.CreateCategory(ctx, &fresh), ErrRebuildClosed)

	rb, err = s.BeginRebuild(ctx, orm.KindVideo)
	require.NoError(t, err)
	require.NoError(t, rb.Rollback(ctx))

	live, err = s.CategoriesByKind(ctx, orm.KindVideo)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestHookAndTimeout(t *testing.T) {
	t.Parallel()

	s := New(WithTimeout(10 * time.Millisecond))
	ctx := context.Background()

	boom := errors.New("boom")
	s.SetHook(func(_ context.Context, op string) error {
		if op == "CountCategories" {
			return boom
		}

		return nil
	})
	_, err := s.CountCategories(ctx, orm.KindVideo)
	require.ErrorIs(t, err, boom)

	s.SetHook(func(ctx context.Context, _ string) error {
		<-ctx.Done()

		return orm.CheckContext(ctx, "blocked")
	})
	_, err = s.CategoriesByKind(ctx, orm.KindVideo)
	var timeout *orm.TimeoutError
	require.ErrorAs(t, err, &timeout)

	s.SetHook(nil)
	_, err = s.CategoriesByKind(ctx, orm.KindVideo)
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := mustTag(t, s, "a")
	mustTag(t, s, "b")
	s.AddVideo(1, true)
	_, _, err := s.ReplaceItemTags(ctx, orm.ItemRef{Kind: orm.KindVideo, ID: 1}, []uint{a.ID})
	require.NoError(t, err)

	c, err := orm.NewCategory(orm.KindVideo, combination.Combination{a.ID}, map[uint]string{a.ID: "a"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateCategory(ctx, &c))
	require.NoError(t, s.UpdateCategoryCount(ctx, c.ID, 4, time.Now()))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Categories.Total)
	assert.Equal(t, int64(1), stats.Categories.Video)
	assert.InDelta(t, 4.0, stats.Categories.AverageItems, 0.001)
	assert.Equal(t, int64(2), stats.Tags.Total)
	assert.Equal(t, int64(1), stats.Tags.Unused)
	require.NotNil(t, stats.Tags.MostUsed)
	assert.Equal(t, a.ID, stats.Tags.MostUsed.ID)
}
