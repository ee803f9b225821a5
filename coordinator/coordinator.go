// Package coordinator keeps categories, counts and caches in step with tag
// changes: per item after every change, and per kind during a full rebuild.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"category-engine/cache"
	"category-engine/category"
	"category-engine/combination"
	"category-engine/metrics"
	"category-engine/orm"

	"github.com/rs/zerolog/log"
)

// Store is what the coordinator reads and writes.
type Store interface {
	category.Store
	ItemTagIDs(ctx context.Context, item orm.ItemRef) ([]uint, error)
	EligibleItems(ctx context.Context, kind orm.Kind) ([]orm.ItemRef, error)
	CountCategories(ctx context.Context, kind orm.Kind) (int64, error)
	BeginRebuild(ctx context.Context, kinds ...orm.Kind) (orm.Rebuild, error)
}

// Invalidator is the part of cache.Layer the coordinator needs.
type Invalidator interface {
	InvalidateGroup(ctx context.Context, group string) error
	InvalidateKey(ctx context.Context, key string) error
}

type Options struct {
	MaxTags int
	Retry   orm.RetryPolicy
	// CleanupTimeout bounds count refresh and invalidation once categories
	// have been written. These phases ignore cancellation of the caller.
	CleanupTimeout time.Duration
	Clock          func() time.Time
	Metrics        *metrics.Metrics
}

type Coordinator struct {
	store   Store
	cache   Invalidator
	index   *category.Index
	opts    Options
	metrics *metrics.Metrics

	rebuildLocks map[orm.Kind]*sync.Mutex
}

func New(store Store, invalidator Invalidator, opts Options) *Coordinator {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = combination.DefaultMaxTags
	}

	c := &Coordinator{
		store:        store,
		cache:        invalidator,
		opts:         opts,
		metrics:      metrics.OrDiscard(opts.Metrics),
		rebuildLocks: make(map[orm.Kind]*sync.Mutex, len(orm.Kinds)),
	}
	c.index = category.NewIndex(store, c.indexOptions())
	for _, k := range orm.Kinds {
		c.rebuildLocks[k] = &sync.Mutex{}
	}

	return c
}

func (c *Coordinator) indexOptions() category.Options {
	return category.Options{
		MaxTags: c.opts.MaxTags,
		Retry:   c.opts.Retry,
		Clock:   c.opts.Clock,
	}
}

// Index exposes the live category index.
func (c *Coordinator) Index() *category.Index {
	return c.index
}

// OnItemTagsChanged brings the categories of item's kind up to date with
// item's current tags. The returned run is never nil.
func (c *Coordinator) OnItemTagsChanged(ctx context.Context, item orm.ItemRef) (*Run, error) {
	run := newRun(item, c.opts.Clock())
	defer c.finish(run)

	if !item.Kind.Valid() {
		err := &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", item.Kind)}
		run.fail(err)

		return run, err
	}

	tagIDs, err := orm.Retry(ctx, c.opts.Retry, "get item tags", func(ctx context.Context) ([]uint, error) {
		return c.store.ItemTagIDs(ctx, item)
	})
	if err != nil {
		run.fail(err)

		return run, err
	}

	if len(tagIDs) == 0 {
		run.advance(StateDone)

		return run, nil
	}

	combos, err := combination.Generate(tagIDs, c.opts.MaxTags)
	if err != nil {
		verr := &orm.ValidationError{Reason: err.Error()}
		run.fail(verr)

		return run, verr
	}
	run.Combinations = combination.Keys(combos)
	run.advance(StateCombinationsComputed)

	categories, upsertErr := c.index.EnsureCategoriesFor(ctx, tagIDs, item.Kind)
	run.Categories = categories
	if upsertErr != nil && len(categories) == 0 && ctx.Err() == nil {
		run.fail(upsertErr)

		return run, upsertErr
	}
	if upsertErr == nil {
		run.advance(StateCategoriesUpserted)
	}

	settleErr := c.settle(ctx, run, upsertErr == nil)

	switch {
	case upsertErr != nil:
		run.fail(upsertErr)

		return run, upsertErr
	case settleErr != nil:
		run.fail(settleErr)

		return run, settleErr
	case ctx.Err() != nil:
		err := orm.CheckContext(ctx, "sync "+item.String())
		run.fail(err)

		return run, err
	}

	run.advance(StateDone)

	return run, nil
}

// settle refreshes counts and invalidates caches for run. advance moves the
// run through the matching states; it is false when the upsert failed and
// settle only cleans up after the categories that were written.
func (c *Coordinator) settle(ctx context.Context, run *Run, advance bool) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CleanupTimeout)
	defer cancel()

	var errs []error

	updated, err := c.index.RecomputeCounts(ctx, run.Item.Kind)
	var partial *orm.PartialFailureError
	if errors.As(err, &partial) {
		run.Failures = partial.Failures
		c.metrics.CountFailures.WithLabelValues(string(run.Item.Kind)).Add(float64(len(partial.Failures)))
		err = nil
	}
	if err != nil {
		errs = append(errs, err)
	}
	applyCounts(run.Categories, updated)
	if advance && err == nil {
		run.advance(StateCountsRefreshed)
	}

	if err := c.invalidate(ctx, run.Item, run.Categories); err != nil {
		errs = append(errs, err)
	} else if advance && len(errs) == 0 {
		run.advance(StateCacheInvalidated)
	}

	return errors.Join(errs...)
}

func applyCounts(categories, updated []orm.Category) {
	byID := make(map[uint]orm.Category, len(updated))
	for _, u := range updated {
		byID[u.ID] = u
	}
	for i, c := range categories {
		if u, ok := byID[c.ID]; ok {
			categories[i].ItemCount = u.ItemCount
			categories[i].LastUpdatedAt = u.LastUpdatedAt
		}
	}
}

func (c *Coordinator) invalidate(ctx context.Context, item orm.ItemRef, categories []orm.Category) error {
	errs := []error{c.cache.InvalidateGroup(ctx, cache.CategoriesGroup(string(item.Kind)))}

	seen := make(map[string]struct{}, len(categories))
	for _, cat := range categories {
		if _, ok := seen[cat.Slug]; ok {
			continue
		}
		seen[cat.Slug] = struct{}{}
		errs = append(errs, c.cache.InvalidateKey(ctx, cache.CategorySlugKey(cat.Slug)))
	}

	errs = append(errs, c.cache.InvalidateGroup(ctx, cache.ItemGroup(string(item.Kind), item.ID)))

	return errors.Join(errs...)
}

func (c *Coordinator) finish(run *Run) {
	run.FinishedAt = c.opts.Clock()

	kind := string(run.Item.Kind)
	c.metrics.SyncRuns.WithLabelValues(kind, string(run.State)).Inc()
	c.metrics.SyncDuration.WithLabelValues(kind).Observe(run.Duration().Seconds())

	if run.State == StateFailed {
		log.Error().
			Err(run.Err).
			Str("run_id", run.ID.String()).
			Str("item", run.Item.String()).
			Msg("Category sync failed")

		return
	}

	log.Debug().
		Str("run_id", run.ID.String()).
		Str("item", run.Item.String()).
		Int("categories", len(run.Categories)).
		Int("count_failures", len(run.Failures)).
		Msg("Category sync done")
}

// RefreshKind recomputes the counts of kind and invalidates its listings.
// Used when an item lost all its tags or was deleted, where there is nothing
// to upsert.
func (c *Coordinator) RefreshKind(ctx context.Context, kind orm.Kind) ([]orm.Category, error) {
	updated, err := c.index.RecomputeCounts(ctx, kind)
	var partial *orm.PartialFailureError
	if err != nil && !errors.As(err, &partial) {
		return nil, err
	}

	if ierr := c.cache.InvalidateGroup(ctx, cache.CategoriesGroup(string(kind))); ierr != nil {
		return updated, errors.Join(err, ierr)
	}

	return updated, err
}

// PruneKind deletes empty categories of kind older than minAge and
// invalidates the kind's listings when anything was removed.
func (c *Coordinator) PruneKind(ctx context.Context, kind orm.Kind, minAge time.Duration) (int64, error) {
	deleted, err := c.index.PruneEmpty(ctx, kind, minAge)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		c.metrics.PrunedTotal.WithLabelValues(string(kind)).Add(float64(deleted))
		if err := c.cache.InvalidateGroup(ctx, cache.CategoriesGroup(string(kind))); err != nil {
			return deleted, err
		}
	}

	return deleted, nil
}
