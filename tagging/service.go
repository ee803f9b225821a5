// Package tagging assigns tags to items and triggers the category sync for
// every change.
package tagging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"category-engine/cache"
	"category-engine/combination"
	"category-engine/coordinator"
	"category-engine/orm"

	"github.com/rs/zerolog/log"
)

type Store interface {
	FindOrCreateTag(ctx context.Context, name string, tagType orm.TagType) (orm.Tag, error)
	ReplaceItemTags(ctx context.Context, item orm.ItemRef, tagIDs []uint) (added, removed []uint, err error)
}

// Syncer is implemented by coordinator.Coordinator.
type Syncer interface {
	OnItemTagsChanged(ctx context.Context, item orm.ItemRef) (*coordinator.Run, error)
	RefreshKind(ctx context.Context, kind orm.Kind) ([]orm.Category, error)
}

type Invalidator interface {
	InvalidateGroup(ctx context.Context, group string) error
}

type Service struct {
	store   Store
	syncer  Syncer
	cache   Invalidator
	maxTags int
}

func NewService(store Store, syncer Syncer, invalidator Invalidator, maxTags int) *Service {
	if maxTags <= 0 {
		maxTags = combination.DefaultMaxTags
	}

	return &Service{store: store, syncer: syncer, cache: invalidator, maxTags: maxTags}
}

// SyncResult describes one tag assignment. Run is nil when the tag set did
// not change or the item has no tags left.
type SyncResult struct {
	Tags    []orm.Tag
	Added   []uint
	Removed []uint
	Run     *coordinator.Run
}

// normalizeNames trims names and drops blanks and case-insensitive
// duplicates, keeping the first spelling.
func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}

	return out
}

// FindOrCreateTags resolves names to tags, creating the missing ones with
// tagType.
func (s *Service) FindOrCreateTags(ctx context.Context, names []string, tagType orm.TagType) ([]orm.Tag, error) {
	if !tagType.Valid() {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown tag type %q", tagType)}
	}

	names = normalizeNames(names)
	tags := make([]orm.Tag, 0, len(names))
	for _, name := range names {
		tag, err := s.store.FindOrCreateTag(ctx, name, tagType)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}

	return tags, nil
}

// SyncItemTags makes names the complete tag set of item and brings the
// categories of its kind up to date.
func (s *Service) SyncItemTags(ctx context.Context, item orm.ItemRef, names []string) (*SyncResult, error) {
	if !item.Kind.Valid() {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", item.Kind)}
	}

	names = normalizeNames(names)
	if len(names) > s.maxTags {
		return nil, &orm.ValidationError{
			Reason: fmt.Sprintf("%s has %d tags, at most %d are allowed", item, len(names), s.maxTags),
		}
	}

	tags, err := s.FindOrCreateTags(ctx, names, orm.TagTypeFor(item.Kind))
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(tags))
	for _, t := range tags {
		ids = append(ids, t.ID)
	}

	added, removed, err := s.store.ReplaceItemTags(ctx, item, ids)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Tags: tags, Added: added, Removed: removed}
	if len(added) == 0 && len(removed) == 0 {
		return result, nil
	}

	log.Info().
		Str("item", item.String()).
		Uints("added", added).
		Uints("removed", removed).
		Msg("Item tags changed")

	if err := s.cache.InvalidateGroup(ctx, cache.GroupTags); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate popular tags")
	}

	if len(ids) == 0 {
		return result, s.settleEmpty(ctx, item)
	}

	result.Run, err = s.syncer.OnItemTagsChanged(ctx, item)

	return result, err
}

// DeleteItem removes every tag of item. Call it before the item itself is
// deleted.
func (s *Service) DeleteItem(ctx context.Context, item orm.ItemRef) error {
	if !item.Kind.Valid() {
		return &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", item.Kind)}
	}

	_, removed, err := s.store.ReplaceItemTags(ctx, item, nil)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return nil
	}

	log.Info().Str("item", item.String()).Int("removed", len(removed)).Msg("Item tags deleted")

	if err := s.cache.InvalidateGroup(ctx, cache.GroupTags); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate popular tags")
	}

	return s.settleEmpty(ctx, item)
}

// settleEmpty refreshes counts for an item that no longer has tags. There
// is nothing to upsert, only counts and caches to correct.
func (s *Service) settleEmpty(ctx context.Context, item orm.ItemRef) error {
	_, refreshErr := s.syncer.RefreshKind(ctx, item.Kind)
	invalidateErr := s.cache.InvalidateGroup(ctx, cache.ItemGroup(string(item.Kind), item.ID))

	return errors.Join(refreshErr, invalidateErr)
}
