// Package catalog is the read side of the engine plus its maintenance entry
// points. Every read goes through the cache layer.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"category-engine/analytics"
	"category-engine/cache"
	"category-engine/combination"
	"category-engine/coordinator"
	"category-engine/orm"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
)

const DefaultPageSize = 20

const (
	// SearchPoolSize is how many popular tags a search looks through.
	SearchPoolSize = 100
	SearchLimit    = 10
)

// WarmupLimits are the popular-tag list sizes the site asks for.
var WarmupLimits = []int{10, 20, 50}

type Store interface {
	ListCategories(ctx context.Context, kind orm.Kind, offset, limit int) ([]orm.Category, error)
	CategoryBySlug(ctx context.Context, slug string) (orm.Category, error)
	CategoriesByKeys(ctx context.Context, kind orm.Kind, keys []string) ([]orm.Category, error)
	PopularTags(ctx context.Context, tagType orm.TagType, limit int) ([]orm.Tag, error)
	ItemTagIDs(ctx context.Context, item orm.ItemRef) ([]uint, error)
	ItemsWithAnyTags(ctx context.Context, kind orm.Kind, tagIDs []uint, limit int) ([]orm.ItemRef, error)
	ItemsWithAllTags(ctx context.Context, kind orm.Kind, tagIDs []uint, limit int) ([]orm.ItemRef, error)
	TagsByIDs(ctx context.Context, ids []uint) ([]orm.Tag, error)
}

// Maintainer runs the write-side maintenance. Implemented by
// coordinator.Coordinator.
type Maintainer interface {
	RebuildAll(ctx context.Context) (*coordinator.RebuildSummary, error)
	RefreshKind(ctx context.Context, kind orm.Kind) ([]orm.Category, error)
	PruneKind(ctx context.Context, kind orm.Kind, minAge time.Duration) (int64, error)
}

type Tracker interface {
	TrackCombination(ctx context.Context, tagIDs []uint, kind orm.Kind)
}

type Options struct {
	CategoryTTL     time.Duration
	TagTTL          time.Duration
	MaxPageSize     int
	MaxTags         int
	RetentionWindow time.Duration
	// Retry applies to every store read.
	Retry orm.RetryPolicy
}

// CategoryContent is a category with its tags and the items that currently
// belong to it.
type CategoryContent struct {
	Category orm.Category  `json:"category"`
	Tags     []orm.Tag     `json:"tags"`
	Items    []orm.ItemRef `json:"items"`
}

type Service struct {
	store      Store
	cache      *cache.Layer
	maintainer Maintainer
	tracker    Tracker
	opts       Options
}

// NewService wires the catalog. tracker may be nil.
func NewService(store Store, layer *cache.Layer, maintainer Maintainer, tracker Tracker, opts Options) *Service {
	policy := layer.Policy()
	if opts.CategoryTTL <= 0 {
		opts.CategoryTTL = policy.LevelTTL(cache.LevelMedium)
	}
	if opts.TagTTL <= 0 {
		opts.TagTTL = policy.LevelTTL(cache.LevelLong)
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 100
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = combination.DefaultMaxTags
	}

	return &Service{
		store:      store,
		cache:      layer,
		maintainer: maintainer,
		tracker:    tracker,
		opts:       opts,
	}
}

// ListCategories returns one page of the non-empty categories of kind,
// most populous first. Pages start at 1.
func (s *Service) ListCategories(ctx context.Context, kind orm.Kind, page, pageSize int) ([]orm.Category, error) {
	if err := validateKind(kind); err != nil {
		return nil, err
	}
	if err := validatePage(page, pageSize, s.opts.MaxPageSize); err != nil {
		return nil, err
	}

	categories, err := cache.RememberJSON(
		ctx,
		s.cache,
		cache.CategoryListKey(string(kind), page, pageSize),
		s.opts.CategoryTTL,
		[]string{cache.CategoriesGroup(string(kind))},
		func(ctx context.Context) ([]orm.Category, error) {
			return orm.Retry(ctx, s.opts.Retry, "list categories", func(ctx context.Context) ([]orm.Category, error) {
				return s.store.ListCategories(ctx, kind, (page-1)*pageSize, pageSize)
			})
		},
	)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Int("page", page).Msg("Failed to list categories")

		return nil, wrapServiceError(err, "listing categories")
	}

	return categories, nil
}

// GetCategoryBySlug returns nil without an error when no category has slug.
func (s *Service) GetCategoryBySlug(ctx context.Context, slug string) (*orm.Category, error) {
	if err := validateSlug(slug); err != nil {
		return nil, err
	}

	category, err := cache.RememberJSON(
		ctx,
		s.cache,
		cache.CategorySlugKey(slug),
		s.opts.CategoryTTL,
		allCategoryGroups(),
		func(ctx context.Context) (*orm.Category, error) {
			return s.categoryBySlug(ctx, slug)
		},
	)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("Failed to get category")

		return nil, wrapServiceError(err, "getting category")
	}

	return category, nil
}

// allCategoryGroups is used for reads keyed by slug, whose kind is only
// known once loaded.
func allCategoryGroups() []string {
	groups := make([]string, 0, len(orm.Kinds))
	for _, k := range orm.Kinds {
		groups = append(groups, cache.CategoriesGroup(string(k)))
	}

	return groups
}

func (s *Service) categoryBySlug(ctx context.Context, slug string) (*orm.Category, error) {
	c, err := orm.Retry(ctx, s.opts.Retry, "get category by slug", func(ctx context.Context) (orm.Category, error) {
		return s.store.CategoryBySlug(ctx, slug)
	})
	if orm.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// CategoryContent returns the category with slug, its tags and up to limit
// eligible items holding all of them. It returns nil without an error when
// no category has slug.
func (s *Service) CategoryContent(ctx context.Context, slug string, limit int) (*CategoryContent, error) {
	if err := validateSlug(slug); err != nil {
		return nil, err
	}
	if err := validateLimit(limit, s.opts.MaxPageSize); err != nil {
		return nil, err
	}

	content, err := cache.RememberJSON(
		ctx,
		s.cache,
		cache.CategoryContentKey(slug, limit),
		s.opts.CategoryTTL,
		allCategoryGroups(),
		func(ctx context.Context) (*CategoryContent, error) {
			return s.categoryContent(ctx, slug, limit)
		},
	)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("Failed to get category content")

		return nil, wrapServiceError(err, "getting category content")
	}

	return content, nil
}

func (s *Service) categoryContent(ctx context.Context, slug string, limit int) (*CategoryContent, error) {
	category, err := s.categoryBySlug(ctx, slug)
	if err != nil || category == nil {
		return nil, err
	}

	tagIDs := []uint(category.TagIDs)
	tags, err := orm.Retry(ctx, s.opts.Retry, "get category tags", func(ctx context.Context) ([]orm.Tag, error) {
		return s.store.TagsByIDs(ctx, tagIDs)
	})
	if err != nil {
		return nil, err
	}

	items, err := orm.Retry(ctx, s.opts.Retry, "list category items", func(ctx context.Context) ([]orm.ItemRef, error) {
		return s.store.ItemsWithAllTags(ctx, category.Type, tagIDs, limit)
	})
	if err != nil {
		return nil, err
	}

	if tags == nil {
		tags = []orm.Tag{}
	}
	if items == nil {
		items = []orm.ItemRef{}
	}

	return &CategoryContent{Category: *category, Tags: tags, Items: items}, nil
}

func (s *Service) PopularTags(ctx context.Context, tagType orm.TagType, limit int) ([]orm.Tag, error) {
	if err := validateTagType(tagType); err != nil {
		return nil, err
	}
	if err := validateLimit(limit, s.opts.MaxPageSize); err != nil {
		return nil, err
	}

	tags, err := s.popularTags(ctx, tagType, limit)
	if err != nil {
		log.Error().Err(err).Str("type", string(tagType)).Msg("Failed to list popular tags")

		return nil, wrapServiceError(err, "listing popular tags")
	}

	return tags, nil
}

func (s *Service) popularTags(ctx context.Context, tagType orm.TagType, limit int) ([]orm.Tag, error) {
	return cache.RememberJSON(
		ctx,
		s.cache,
		cache.PopularTagsKey(string(tagType), limit),
		s.opts.TagTTL,
		[]string{cache.GroupTags},
		func(ctx context.Context) ([]orm.Tag, error) {
			return orm.Retry(ctx, s.opts.Retry, "list popular tags", func(ctx context.Context) ([]orm.Tag, error) {
				return s.store.PopularTags(ctx, tagType, limit)
			})
		},
	)
}

// SearchTags returns up to SearchLimit of the SearchPoolSize most used tags
// of tagType whose name contains query, ignoring case. Order is by usage.
func (s *Service) SearchTags(ctx context.Context, query string, tagType orm.TagType) ([]orm.Tag, error) {
	if err := validateTagType(tagType); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	pool, err := s.popularTags(ctx, tagType, SearchPoolSize)
	if err != nil {
		log.Error().Err(err).Str("type", string(tagType)).Msg("Failed to search tags")

		return nil, wrapServiceError(err, "searching tags")
	}

	fold := cases.Fold()
	needle := fold.String(query)
	matches := make([]orm.Tag, 0, SearchLimit)
	for _, tag := range pool {
		if strings.Contains(fold.String(tag.Name), needle) {
			matches = append(matches, tag)
			if len(matches) == SearchLimit {
				break
			}
		}
	}

	return matches, nil
}

// RelatedCategories returns the non-empty categories built from subsets of
// item's tags, most populous first.
func (s *Service) RelatedCategories(ctx context.Context, item orm.ItemRef) ([]orm.Category, error) {
	if err := validateKind(item.Kind); err != nil {
		return nil, err
	}

	related, err := cache.RememberJSON(
		ctx,
		s.cache,
		cache.RelatedCategoriesKey(string(item.Kind), item.ID),
		s.opts.CategoryTTL,
		[]string{cache.ItemGroup(string(item.Kind), item.ID), cache.CategoriesGroup(string(item.Kind))},
		func(ctx context.Context) ([]orm.Category, error) {
			return s.relatedCategories(ctx, item)
		},
	)
	if err != nil {
		log.Error().Err(err).Str("item", item.String()).Msg("Failed to get related categories")

		return nil, wrapServiceError(err, "getting related categories")
	}

	return related, nil
}

func (s *Service) relatedCategories(ctx context.Context, item orm.ItemRef) ([]orm.Category, error) {
	tagIDs, err := orm.Retry(ctx, s.opts.Retry, "get item tags", func(ctx context.Context) ([]uint, error) {
		return s.store.ItemTagIDs(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	combos, err := combination.Generate(tagIDs, s.opts.MaxTags)
	if errors.Is(err, combination.ErrTooManyTags) {
		// No categories exist for such items.
		return []orm.Category{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(combos) == 0 {
		return []orm.Category{}, nil
	}

	keys := combination.Keys(combos)
	categories, err := orm.Retry(ctx, s.opts.Retry, "get categories by keys", func(ctx context.Context) ([]orm.Category, error) {
		return s.store.CategoriesByKeys(ctx, item.Kind, keys)
	})
	if err != nil {
		return nil, err
	}

	related := slices.DeleteFunc(categories, func(c orm.Category) bool { return c.ItemCount == 0 })
	slices.SortFunc(related, func(a, b orm.Category) int {
		if c := cmp.Compare(b.ItemCount, a.ItemCount); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	if related == nil {
		related = []orm.Category{}
	}

	return related, nil
}

// FilterItems returns eligible items of kind holding any of tagIDs and
// records the requested combination.
func (s *Service) FilterItems(ctx context.Context, kind orm.Kind, tagIDs []uint, limit int) ([]orm.ItemRef, error) {
	if err := validateKind(kind); err != nil {
		return nil, err
	}
	if err := validateTagIDs(tagIDs); err != nil {
		return nil, err
	}
	if err := validateLimit(limit, s.opts.MaxPageSize); err != nil {
		return nil, err
	}

	if s.tracker != nil {
		s.tracker.TrackCombination(ctx, tagIDs, kind)
	}

	canonical := combination.Canonical(tagIDs)
	items, err := orm.Retry(ctx, s.opts.Retry, "filter items", func(ctx context.Context) ([]orm.ItemRef, error) {
		return s.store.ItemsWithAnyTags(ctx, kind, canonical, limit)
	})
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to filter items")

		return nil, wrapServiceError(err, "filtering items")
	}

	return items, nil
}

// Rebuild regenerates every category from scratch.
func (s *Service) Rebuild(ctx context.Context) (*coordinator.RebuildSummary, error) {
	log.Info().Msg("Category rebuild requested")

	summary, err := s.maintainer.RebuildAll(ctx)
	if err != nil {
		return summary, wrapServiceError(err, "rebuilding categories")
	}

	return summary, nil
}

type OptimizeSummary struct {
	Pruned    map[orm.Kind]int64 `json:"pruned"`
	Refreshed map[orm.Kind]int   `json:"refreshed"`
	Warmed    int                `json:"warmed"`
	Duration  time.Duration      `json:"duration"`
}

// Optimize prunes empty categories past the retention window, refreshes all
// counts and warms the cache. It carries on past a failing kind and reports
// every failure at the end.
func (s *Service) Optimize(ctx context.Context) (*OptimizeSummary, error) {
	start := time.Now()
	summary := &OptimizeSummary{
		Pruned:    make(map[orm.Kind]int64, len(orm.Kinds)),
		Refreshed: make(map[orm.Kind]int, len(orm.Kinds)),
	}

	var errs []error
	for _, kind := range orm.Kinds {
		pruned, err := s.maintainer.PruneKind(ctx, kind, s.opts.RetentionWindow)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", kind, err))
		}
		summary.Pruned[kind] = pruned

		refreshed, err := s.maintainer.RefreshKind(ctx, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", kind, err))
		}
		summary.Refreshed[kind] = len(refreshed)
	}

	warmed, err := s.Warmup(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	summary.Warmed = warmed
	summary.Duration = time.Since(start)

	log.Info().
		Interface("pruned", summary.Pruned).
		Interface("refreshed", summary.Refreshed).
		Int("warmed", warmed).
		Dur("duration", summary.Duration).
		Msg("Optimization finished")

	if err := errors.Join(errs...); err != nil {
		return summary, wrapServiceError(err, "optimizing categories")
	}

	return summary, nil
}

// Warmup fills the cache with the popular-tag lists and the first category
// page of each kind. It returns how many entries were loaded.
func (s *Service) Warmup(ctx context.Context) (int, error) {
	var errs []error
	warmed := 0

	for _, tagType := range []orm.TagType{orm.TagTypeVideo, orm.TagTypeCreator, orm.TagTypeBoth} {
		for _, limit := range WarmupLimits {
			if limit > s.opts.MaxPageSize {
				continue
			}
			if _, err := s.PopularTags(ctx, tagType, limit); err != nil {
				errs = append(errs, err)

				continue
			}
			warmed++
		}
	}

	pageSize := min(DefaultPageSize, s.opts.MaxPageSize)
	for _, kind := range orm.Kinds {
		if _, err := s.ListCategories(ctx, kind, 1, pageSize); err != nil {
			errs = append(errs, err)

			continue
		}
		warmed++
	}

	return warmed, errors.Join(errs...)
}

var (
	_ Tracker    = (*analytics.Aggregator)(nil)
	_ Maintainer = (*coordinator.Coordinator)(nil)
)
