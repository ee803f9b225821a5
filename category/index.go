// Package category maintains the derived categories: one per (kind, tag
// combination), each carrying the number of eligible items holding every
// tag of the combination.
package category

import (
	"context"
	"errors"
	"fmt"
	"time"

	"category-engine/combination"
	"category-engine/orm"

	"github.com/rs/zerolog/log"
)

// Store is the query surface the index needs. Implemented by orm.DB, by a
// rebuild staging area and by memstore.Store.
type Store interface {
	TagsByIDs(ctx context.Context, ids []uint) ([]orm.Tag, error)
	FindCategory(ctx context.Context, kind orm.Kind, key string) (orm.Category, error)
	CreateCategory(ctx context.Context, c *orm.Category) error
	CategoriesByKind(ctx context.Context, kind orm.Kind) ([]orm.Category, error)
	CountItemsWithAllTags(ctx context.Context, kind orm.Kind, tagIDs []uint) (int64, error)
	UpdateCategoryCount(ctx context.Context, id uint, count int64, at time.Time) error
	DeleteEmptyCategories(ctx context.Context, kind orm.Kind, olderThan time.Time) (int64, error)
}

type Options struct {
	MaxTags int
	Retry   orm.RetryPolicy
	Clock   func() time.Time
}

type Index struct {
	store Store
	opts  Options
}

func NewIndex(store Store, opts Options) *Index {
	if opts.MaxTags <= 0 {
		opts.MaxTags = combination.DefaultMaxTags
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Index{store: store, opts: opts}
}

// EnsureCategoriesFor makes sure a category of kind exists for every
// non-empty subset of tagIDs and returns them in generation order.
// Validation happens before anything is written. On a store error the
// categories ensured so far are returned together with the error.
func (i *Index) EnsureCategoriesFor(ctx context.Context, tagIDs []uint, kind orm.Kind) ([]orm.Category, error) {
	if !kind.Valid() {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", kind)}
	}

	combos, err := combination.Generate(tagIDs, i.opts.MaxTags)
	if err != nil {
		return nil, &orm.ValidationError{Reason: err.Error()}
	}
	if len(combos) == 0 {
		return nil, nil
	}

	set := combination.Canonical(tagIDs)
	tags, err := orm.Retry(ctx, i.opts.Retry, "get tags by id", func(ctx context.Context) ([]orm.Tag, error) {
		return i.store.TagsByIDs(ctx, set)
	})
	if err != nil {
		return nil, err
	}

	names := make(map[uint]string, len(tags))
	for _, t := range tags {
		names[t.ID] = t.Name
	}
	var unknown []uint
	for _, id := range set {
		if _, ok := names[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown tag ids %v", unknown)}
	}

	categories := make([]orm.Category, 0, len(combos))
	for _, combo := range combos {
		c, err := i.ensure(ctx, kind, combo, names)
		if err != nil {
			return categories, err
		}
		categories = append(categories, c)
	}

	return categories, nil
}

func (i *Index) find(ctx context.Context, kind orm.Kind, key string) (orm.Category, error) {
	return orm.Retry(ctx, i.opts.Retry, "find category", func(ctx context.Context) (orm.Category, error) {
		return i.store.FindCategory(ctx, kind, key)
	})
}

func (i *Index) ensure(
	ctx context.Context,
	kind orm.Kind,
	combo combination.Combination,
	names map[uint]string,
) (orm.Category, error) {
	key := combo.Key()

	existing, err := i.find(ctx, kind, key)
	if err == nil {
		return existing, nil
	}
	if !orm.IsNotFound(err) {
		return orm.Category{}, err
	}

	c, err := orm.NewCategory(kind, combo, names, i.opts.Clock())
	if err != nil {
		return orm.Category{}, err
	}

	for attempt := 0; ; attempt++ {
		err = i.store.CreateCategory(ctx, &c)
		if err == nil {
			return c, nil
		}

		var conflict *orm.ConflictError
		if !errors.As(err, &conflict) {
			return orm.Category{}, err
		}

		// Someone else created the same combination first.
		winner, ferr := i.find(ctx, kind, key)
		if ferr == nil {
			log.Debug().
				Str("kind", string(kind)).
				Str("combination", key).
				Msg("Category created concurrently, using existing row")

			return winner, nil
		}
		if !orm.IsNotFound(ferr) {
			return orm.Category{}, ferr
		}

		// The slug belongs to a different combination.
		if attempt > 0 {
			return orm.Category{}, err
		}
		c.Slug = orm.DisambiguatedSlug(c)
	}
}

// RecomputeCounts refreshes the item count of every category of kind. A
// category that fails is skipped; the rest are still written and the
// failures are reported as one PartialFailureError. The returned slice holds
// the categories that were updated.
func (i *Index) RecomputeCounts(ctx context.Context, kind orm.Kind) ([]orm.Category, error) {
	if !kind.Valid() {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", kind)}
	}

	categories, err := orm.Retry(ctx, i.opts.Retry, "list categories", func(ctx context.Context) ([]orm.Category, error) {
		return i.store.CategoriesByKind(ctx, kind)
	})
	if err != nil {
		return nil, err
	}

	updated := make([]orm.Category, 0, len(categories))
	var failures []orm.CategoryFailure
	fail := func(c orm.Category, err error) {
		failures = append(failures, orm.CategoryFailure{
			CategoryID:     c.ID,
			TagCombination: c.TagCombination,
			Err:            err,
		})
	}

	for _, c := range categories {
		combo, err := c.Combination()
		if err != nil {
			fail(c, err)

			continue
		}

		count, err := orm.Retry(ctx, i.opts.Retry, "count items", func(ctx context.Context) (int64, error) {
			return i.store.CountItemsWithAllTags(ctx, kind, combo)
		})
		if err != nil {
			fail(c, err)

			continue
		}

		now := i.opts.Clock()
		if err := i.store.UpdateCategoryCount(ctx, c.ID, count, now); err != nil {
			fail(c, err)

			continue
		}

		c.ItemCount = count
		c.LastUpdatedAt = now
		updated = append(updated, c)
	}

	if len(failures) > 0 {
		log.Warn().
			Str("kind", string(kind)).
			Int("failed", len(failures)).
			Int("updated", len(updated)).
			Msg("Some category counts could not be refreshed")

		return updated, &orm.PartialFailureError{Operation: "recompute counts for " + string(kind), Failures: failures}
	}

	return updated, nil
}

// PruneEmpty deletes categories of kind that have no items and are older
// than minAge.
func (i *Index) PruneEmpty(ctx context.Context, kind orm.Kind, minAge time.Duration) (int64, error) {
	if !kind.Valid() {
		return 0, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", kind)}
	}
	if minAge < 0 {
		return 0, &orm.ValidationError{Reason: fmt.Sprintf("minimum age must not be negative, got %s", minAge)}
	}

	deleted, err := i.store.DeleteEmptyCategories(ctx, kind, i.opts.Clock().Add(-minAge))
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		log.Info().
			Str("kind", string(kind)).
			Int64("deleted", deleted).
			Msg("Pruned empty categories")
	}

	return deleted, nil
}
