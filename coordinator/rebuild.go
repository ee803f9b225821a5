package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"category-engine/cache"
	"category-engine/category"
	"category-engine/orm"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRebuildInProgress = errors.New("coordinator: rebuild already in progress")

// RebuildError reports the phase a rebuild stopped in. Nothing was
// committed; readers still see the previous categories.
type RebuildError struct {
	Phase string
	Kinds []orm.Kind
	Err   error
}

func (e *RebuildError) Error() string {
	return fmt.Sprintf("rebuild of %v failed during %s: %v", e.Kinds, e.Phase, e.Err)
}

func (e *RebuildError) Unwrap() error {
	return e.Err
}

type KindSummary struct {
	Kind             orm.Kind
	CategoriesBefore int64
	CategoriesAfter  int64
	NonEmpty         int64
	Items            int
	// Skipped items carry more tags than a combination may hold.
	Skipped []orm.ItemRef
}

type RebuildSummary struct {
	ID        uuid.UUID
	Kinds     []KindSummary
	StartedAt time.Time
	Duration  time.Duration
}

// RebuildAll regenerates the categories of every kind from scratch.
func (c *Coordinator) RebuildAll(ctx context.Context) (*RebuildSummary, error) {
	return c.rebuild(ctx, orm.Kinds)
}

func (c *Coordinator) RebuildKind(ctx context.Context, kind orm.Kind) (*RebuildSummary, error) {
	return c.rebuild(ctx, []orm.Kind{kind})
}

func (c *Coordinator) lockKinds(kinds []orm.Kind) (func(), error) {
	acquired := make([]*sync.Mutex, 0, len(kinds))
	unlock := func() {
		for _, mu := range acquired {
			mu.Unlock()
		}
	}

	for _, k := range kinds {
		mu, ok := c.rebuildLocks[k]
		if !ok {
			unlock()

			return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", k)}
		}
		if !mu.TryLock() {
			unlock()

			return nil, ErrRebuildInProgress
		}
		acquired = append(acquired, mu)
	}

	return unlock, nil
}

func (c *Coordinator) rebuild(ctx context.Context, kinds []orm.Kind) (summary *RebuildSummary, err error) {
	if len(kinds) == 0 {
		return nil, &orm.ValidationError{Reason: "rebuild needs at least one kind"}
	}

	unlock, err := c.lockKinds(kinds)
	if err != nil {
		if errors.Is(err, ErrRebuildInProgress) {
			c.metrics.Rebuilds.WithLabelValues("rejected").Inc()
		}

		return nil, err
	}
	defer unlock()

	summary = &RebuildSummary{ID: uuid.New(), StartedAt: c.opts.Clock()}
	logger := log.With().Str("rebuild_id", summary.ID.String()).Logger()
	logger.Info().Interface("kinds", kinds).Msg("Rebuild started")

	defer func() {
		summary.Duration = c.opts.Clock().Sub(summary.StartedAt)
		c.metrics.RebuildDuration.Observe(summary.Duration.Seconds())

		var rebuildErr *RebuildError
		if errors.As(err, &rebuildErr) {
			c.metrics.Rebuilds.WithLabelValues("rolled_back").Inc()
			logger.Error().Err(err).Dur("duration", summary.Duration).Msg("Rebuild failed")

			return
		}
		c.metrics.Rebuilds.WithLabelValues("committed").Inc()
		logger.Info().Dur("duration", summary.Duration).Msg("Rebuild committed")
	}()

	fail := func(phase string, cause error) error {
		return &RebuildError{Phase: phase, Kinds: kinds, Err: cause}
	}

	before := make(map[orm.Kind]int64, len(kinds))
	for _, k := range kinds {
		n, err := orm.Retry(ctx, c.opts.Retry, "count categories", func(ctx context.Context) (int64, error) {
			return c.store.CountCategories(ctx, k)
		})
		if err != nil {
			return summary, fail("snapshot", err)
		}
		before[k] = n
	}

	staged, err := c.store.BeginRebuild(ctx, kinds...)
	if err != nil {
		return summary, fail("begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := staged.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			logger.Error().Err(rbErr).Msg("Rebuild rollback failed")
		}
	}()

	index := category.NewIndex(staged, c.indexOptions())
	for _, k := range kinds {
		ks, err := c.stageKind(ctx, index, k, logger)
		if err != nil {
			return summary, err
		}
		ks.CategoriesBefore = before[k]
		summary.Kinds = append(summary.Kinds, ks)
	}

	if err := staged.Commit(ctx); err != nil {
		return summary, fail("commit", err)
	}
	committed = true

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CleanupTimeout)
	defer cancel()

	var invalidateErrs []error
	for _, k := range kinds {
		invalidateErrs = append(invalidateErrs, c.cache.InvalidateGroup(cleanupCtx, cache.CategoriesGroup(string(k))))
	}
	if err := errors.Join(invalidateErrs...); err != nil {
		return summary, fmt.Errorf("rebuild committed but cache invalidation failed: %w", err)
	}

	return summary, nil
}

func (c *Coordinator) stageKind(
	ctx context.Context,
	index *category.Index,
	kind orm.Kind,
	logger zerolog.Logger,
) (KindSummary, error) {
	ks := KindSummary{Kind: kind}
	fail := func(phase string, cause error) error {
		return &RebuildError{Phase: phase, Kinds: []orm.Kind{kind}, Err: cause}
	}

	items, err := orm.Retry(ctx, c.opts.Retry, "list eligible items", func(ctx context.Context) ([]orm.ItemRef, error) {
		return c.store.EligibleItems(ctx, kind)
	})
	if err != nil {
		return ks, fail("list items", err)
	}

	for _, item := range items {
		if err := orm.CheckContext(ctx, "rebuild "+string(kind)); err != nil {
			return ks, fail("stage", err)
		}

		tagIDs, err := orm.Retry(ctx, c.opts.Retry, "get item tags", func(ctx context.Context) ([]uint, error) {
			return c.store.ItemTagIDs(ctx, item)
		})
		if err != nil {
			return ks, fail("stage", err)
		}
		if len(tagIDs) == 0 {
			continue
		}

		_, err = index.EnsureCategoriesFor(ctx, tagIDs, kind)
		var validation *orm.ValidationError
		if errors.As(err, &validation) {
			logger.Warn().Err(err).Str("item", item.String()).Msg("Item skipped during rebuild")
			ks.Skipped = append(ks.Skipped, item)

			continue
		}
		if err != nil {
			return ks, fail("stage", err)
		}
		ks.Items++
	}

	updated, err := index.RecomputeCounts(ctx, kind)
	if err != nil {
		return ks, fail("count", err)
	}

	ks.CategoriesAfter = int64(len(updated))
	for _, cat := range updated {
		if cat.ItemCount > 0 {
			ks.NonEmpty++
		}
	}

	logger.Info().
		Str("kind", string(kind)).
		Int("items", ks.Items).
		Int("skipped", len(ks.Skipped)).
		Int64("categories", ks.CategoriesAfter).
		Msg("Kind staged")

	return ks, nil
}
