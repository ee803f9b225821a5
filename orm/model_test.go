package orm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"category-engine/combination"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Action", "action"},
		{"Action + Comedy", "action-comedy"},
		{"  Sci-Fi  ", "sci-fi"},
		{"Café Crème", "cafe-creme"},
		{"Rock & Roll!!", "rock-roll"},
		{"+++", ""},
		{"video 4K HDR", "video-4k-hdr"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestNewTag(t *testing.T) {
	t.Parallel()

	tag, err := NewTag("  Live Music ", TagTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, "Live Music", tag.Name)
	assert.Equal(t, "live-music", tag.Slug)
	assert.Equal(t, TagTypeVideo, tag.Type)

	var validation *ValidationError
	_, err = NewTag("", TagTypeBoth)
	require.ErrorAs(t, err, &validation)
	_, err = NewTag("ok", TagType("music"))
	require.ErrorAs(t, err, &validation)
	_, err = NewTag("!!!", TagTypeBoth)
	require.ErrorAs(t, err, &validation)
}

func TestNewCategory(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	names := map[uint]string{3: "Action", 7: "Comedy", 12: "Drama"}

	c, err := NewCategory(KindVideo, combination.Canonical([]uint{12, 3}), names, now)
	require.NoError(t, err)
	assert.Equal(t, "Action + Drama", c.Name)
	assert.Equal(t, "video-action-drama", c.Slug)
	assert.Equal(t, "3,12", c.TagCombination)
	assert.Equal(t, []uint{3, 12}, []uint(c.TagIDs))
	assert.Equal(t, KindVideo, c.Type)
	assert.Zero(t, c.ItemCount)
	assert.Equal(t, now, c.LastUpdatedAt)

	combo, err := c.Combination()
	require.NoError(t, err)
	assert.Equal(t, combination.Combination{3, 12}, combo)

	creator, err := NewCategory(KindCreator, combination.Combination{3, 12}, names, now)
	require.NoError(t, err)
	assert.NotEqual(t, c.Slug, creator.Slug)

	var validation *ValidationError
	_, err = NewCategory(KindVideo, combination.Combination{3, 99}, names, now)
	require.ErrorAs(t, err, &validation)
	_, err = NewCategory(Kind("podcast"), combination.Combination{3}, names, now)
	require.ErrorAs(t, err, &validation)
	_, err = NewCategory(KindVideo, nil, names, now)
	require.ErrorAs(t, err, &validation)
}

func TestNewCategoryUnsluggableNames(t *testing.T) {
	t.Parallel()

	c, err := NewCategory(KindVideo, combination.Combination{1, 2}, map[uint]string{1: "+", 2: "!"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "video-1-2", c.Slug)
}

func TestDisambiguatedSlug(t *testing.T) {
	t.Parallel()

	c := Category{Slug: "video-rock-roll", TagCombination: "4,9"}
	assert.Equal(t, "video-rock-roll-4-9", DisambiguatedSlug(c))

	c.Slug = DisambiguatedSlug(c)
	assert.Equal(t, "video-rock-roll-4-9", DisambiguatedSlug(c))
}

func TestKindAndTagType(t *testing.T) {
	t.Parallel()

	k, err := ParseKind(" Video ")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, k)
	_, err = ParseKind("podcast")
	assert.Error(t, err)

	tt, err := ParseTagType("BOTH")
	require.NoError(t, err)
	assert.Equal(t, TagTypeBoth, tt)

	assert.True(t, TagTypeVideo.Includes(TagTypeBoth))
	assert.True(t, TagTypeBoth.Includes(TagTypeCreator))
	assert.False(t, TagTypeVideo.Includes(TagTypeCreator))
	assert.Equal(t, TagTypeCreator, TagTypeFor(KindCreator))
	assert.Equal(t, "video:42", ItemRef{Kind: KindVideo, ID: 42}.String())
}

func TestDiffTagIDs(t *testing.T) {
	t.Parallel()

	added, removed := DiffTagIDs([]uint{1, 2, 3}, []uint{3, 4, 4, 5})
	assert.Equal(t, []uint{4, 5}, added)
	assert.Equal(t, []uint{1, 2}, removed)

	added, removed = DiffTagIDs(nil, nil)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestWrapErrorWithDetails(t *testing.T) {
	t.Parallel()

	assert.NoError(t, wrapErrorWithDetails(nil, "op", "d"))

	var notFound *NotFoundError
	require.ErrorAs(t, wrapErrorWithDetails(gorm.ErrRecordNotFound, "op", "d"), &notFound)
	assert.True(t, IsNotFound(notFound))

	var conflict *ConflictError
	require.ErrorAs(t, wrapErrorWithDetails(gorm.ErrDuplicatedKey, "op", "d"), &conflict)

	timeout := wrapErrorWithDetails(fmt.Errorf("query: %w", context.DeadlineExceeded), "op", "d")
	var timeoutErr *TimeoutError
	require.ErrorAs(t, timeout, &timeoutErr)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.True(t, IsUnavailable(timeout))

	var dbErr *DatabaseError
	plain := wrapErrorWithDetails(errors.New("syntax error"), "op", "d")
	require.ErrorAs(t, plain, &dbErr)
	assert.False(t, IsUnavailable(plain))
}

func TestPartialFailureError(t *testing.T) {
	t.Parallel()

	cause := &UnavailableError{Operation: "count", Inner: errors.New("connection reset")}
	err := &PartialFailureError{
		Operation: "recompute counts",
		Failures: []CategoryFailure{
			{CategoryID: 1, TagCombination: "1,2", Err: cause},
			{CategoryID: 2, TagCombination: "3", Err: errors.New("boom")},
		},
	}

	assert.Contains(t, err.Error(), "2 categories failed")
	assert.Contains(t, err.Error(), "1,2")
	assert.ErrorIs(t, err, cause)
}

func TestCheckContext(t *testing.T) {
	t.Parallel()

	assert.NoError(t, CheckContext(context.Background(), "op"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	var timeout *TimeoutError
	assert.ErrorAs(t, CheckContext(ctx, "op"), &timeout)

	canceled, stop := context.WithCancel(context.Background())
	stop()
	err := CheckContext(canceled, "op")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsUnavailable(err))
}

func TestRetry(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	calls := 0
	v, err := Retry(context.Background(), policy, "read", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &UnavailableError{Operation: "read", Inner: errors.New("down")}
		}

		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = Retry(context.Background(), policy, "read", func(context.Context) (int, error) {
		calls++

		return 0, &NotFoundError{Search: "x"}
	})
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 1, calls)

	calls = 0
	_, err = Retry(context.Background(), policy, "read", func(context.Context) (int, error) {
		calls++

		return 0, &TimeoutError{Operation: "read"}
	})
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 3, calls)
}
