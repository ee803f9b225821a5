// Package memstore keeps tags, items and categories in process memory.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"category-engine/combination"
	"category-engine/orm"

	"github.com/google/uuid"
)

// Hook runs before every store operation. A non-nil error is returned in
// place of the operation's result.
type Hook func(ctx context.Context, op string) error

// Store implements the store interfaces in memory with the same uniqueness
// and eligibility rules as the postgres store.
// Used only for testing.
type Store struct {
	mu sync.RWMutex

	tags      map[uint]orm.Tag
	tagByName map[string]uint
	tagBySlug map[string]uint
	nextTagID uint

	links    map[orm.ItemRef]map[uint]struct{}
	videos   map[uint]bool
	creators map[uint]struct{}

	categories     *categorySet
	nextCategoryID atomic.Uint64

	timeout time.Duration
	hook    atomic.Pointer[Hook]
	now     func() time.Time
}

type Option func(*Store)

// WithTimeout bounds every operation like the postgres store does.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		tags:       make(map[uint]orm.Tag),
		tagByName:  make(map[string]uint),
		tagBySlug:  make(map[string]uint),
		links:      make(map[orm.ItemRef]map[uint]struct{}),
		videos:     make(map[uint]bool),
		creators:   make(map[uint]struct{}),
		categories: newCategorySet(),
		timeout:    5 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SetHook installs h, replacing any previous hook. nil removes it.
func (s *Store) SetHook(h Hook) {
	if h == nil {
		s.hook.Store(nil)

		return
	}
	s.hook.Store(&h)
}

func (s *Store) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)

	if h := s.hook.Load(); h != nil {
		if err := (*h)(ctx, op); err != nil {
			cancel()

			return nil, nil, err
		}
	}

	if err := orm.CheckContext(ctx, op); err != nil {
		cancel()

		return nil, nil, err
	}

	return ctx, cancel, nil
}

// AddVideo registers a video. Only published videos count towards
// categories.
func (s *Store) AddVideo(id uint, published bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.videos[id] = published
}

func (s *Store) AddCreator(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creators[id] = struct{}{}
}

// Reset drops every tag, link, item and category.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tags = make(map[uint]orm.Tag)
	s.tagByName = make(map[string]uint)
	s.tagBySlug = make(map[string]uint)
	s.links = make(map[orm.ItemRef]map[uint]struct{})
	s.videos = make(map[uint]bool)
	s.creators = make(map[uint]struct{})
	s.categories = newCategorySet()
}

// CategoryCount returns the number of live categories.
func (s *Store) CategoryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.categories.byID)
}

func (s *Store) eligible(item orm.ItemRef) bool {
	switch item.Kind {
	case orm.KindVideo:
		return s.videos[item.ID]
	case orm.KindCreator:
		return true
	default:
		return false
	}
}

func (s *Store) TagsByIDs(ctx context.Context, ids []uint) ([]orm.Tag, error) {
	_, cancel, err := s.begin(ctx, "TagsByIDs")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var tags []orm.Tag
	for _, id := range combination.Canonical(ids) {
		if tag, ok := s.tags[id]; ok {
			tags = append(tags, tag)
		}
	}

	return tags, nil
}

func (s *Store) FindOrCreateTag(ctx context.Context, name string, tagType orm.TagType) (orm.Tag, error) {
	tag, err := orm.NewTag(name, tagType)
	if err != nil {
		return orm.Tag{}, err
	}

	_, cancel, err := s.begin(ctx, "FindOrCreateTag")
	if err != nil {
		return orm.Tag{}, err
	}
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tagByName[tag.Name]; ok {
		return s.tags[id], nil
	}
	if _, taken := s.tagBySlug[tag.Slug]; taken {
		tag.Slug = tag.Slug + "-" + uuid.NewString()[:8]
	}

	s.nextTagID++
	now := s.now()
	tag.ID = s.nextTagID
	tag.CreatedAt = now
	tag.UpdatedAt = now
	s.tags[tag.ID] = tag
	s.tagByName[tag.Name] = tag.ID
	s.tagBySlug[tag.Slug] = tag.ID

	return tag, nil
}

func (s *Store) PopularTags(ctx context.Context, tagType orm.TagType, limit int) ([]orm.Tag, error) {
	if !tagType.Valid() {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown tag type %q", tagType)}
	}
	if limit <= 0 {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("limit must be positive, got %d", limit)}
	}

	_, cancel, err := s.begin(ctx, "PopularTags")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]orm.Tag, 0, len(s.tags))
	for _, tag := range s.tags {
		if tagType.Includes(tag.Type) {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].UsageCount != tags[j].UsageCount {
			return tags[i].UsageCount > tags[j].UsageCount
		}

		return tags[i].ID < tags[j].ID
	})
	if len(tags) > limit {
		tags = tags[:limit]
	}

	return tags, nil
}

func (s *Store) ItemTagIDs(ctx context.Context, item orm.ItemRef) ([]uint, error) {
	_, cancel, err := s.begin(ctx, "ItemTagIDs")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedIDs(s.links[item]), nil
}

func (s *Store) ReplaceItemTags(
	ctx context.Context,
	item orm.ItemRef,
	tagIDs []uint,
) (added, removed []uint, err error) {
	if !item.Kind.Valid() {
		return nil, nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", item.Kind)}
	}

	_, cancel, err := s.begin(ctx, "ReplaceItemTags")
	if err != nil {
		return nil, nil, err
	}
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	added, removed = orm.DiffTagIDs(sortedIDs(s.links[item]), tagIDs)
	for _, id := range added {
		if _, ok := s.tags[id]; !ok {
			return nil, nil, &orm.NotFoundError{Search: fmt.Sprintf("tags %v", added)}
		}
	}

	set := s.links[item]
	if set == nil {
		set = make(map[uint]struct{})
		s.links[item] = set
	}

	now := s.now()
	for _, id := range removed {
		delete(set, id)
		tag := s.tags[id]
		tag.UsageCount = max(tag.UsageCount-1, 0)
		tag.UpdatedAt = now
		s.tags[id] = tag
	}
	for _, id := range added {
		set[id] = struct{}{}
		tag := s.tags[id]
		tag.UsageCount++
		tag.UpdatedAt = now
		s.tags[id] = tag
	}
	if len(set) == 0 {
		delete(s.links, item)
	}

	return added, removed, nil
}

func (s *Store) EligibleItems(ctx context.Context, kind orm.Kind) ([]orm.ItemRef, error) {
	if !kind.Valid() {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", kind)}
	}

	_, cancel, err := s.begin(ctx, "EligibleItems")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []orm.ItemRef
	for item, set := range s.links {
		if item.Kind == kind && len(set) > 0 && s.eligible(item) {
			items = append(items, item)
		}
	}
	sortItems(items)

	return items, nil
}

func (s *Store) CountItemsWithAllTags(ctx context.Context, kind orm.Kind, tagIDs []uint) (int64, error) {
	if len(tagIDs) == 0 {
		return 0, &orm.ValidationError{Reason: "count needs at least one tag"}
	}

	_, cancel, err := s.begin(ctx, "CountItemsWithAllTags")
	if err != nil {
		return 0, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for item, set := range s.links {
		if item.Kind != kind || !s.eligible(item) {
			continue
		}
		if containsAll(set, tagIDs) {
			count++
		}
	}

	return count, nil
}

func (s *Store) ItemsWithAllTags(
	ctx context.Context,
	kind orm.Kind,
	tagIDs []uint,
	limit int,
) ([]orm.ItemRef, error) {
	if len(tagIDs) == 0 {
		return nil, &orm.ValidationError{Reason: "item lookup needs at least one tag"}
	}

	_, cancel, err := s.begin(ctx, "ItemsWithAllTags")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []orm.ItemRef
	for item, set := range s.links {
		if item.Kind == kind && s.eligible(item) && containsAll(set, tagIDs) {
			items = append(items, item)
		}
	}
	sortItems(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	return items, nil
}

func (s *Store) ItemsWithAnyTags(
	ctx context.Context,
	kind orm.Kind,
	tagIDs []uint,
	limit int,
) ([]orm.ItemRef, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}

	_, cancel, err := s.begin(ctx, "ItemsWithAnyTags")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []orm.ItemRef
	for item, set := range s.links {
		if item.Kind != kind || !s.eligible(item) {
			continue
		}
		for _, id := range tagIDs {
			if _, ok := set[id]; ok {
				items = append(items, item)

				break
			}
		}
	}
	sortItems(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	return items, nil
}

func (s *Store) Stats(ctx context.Context) (orm.Stats, error) {
	_, cancel, err := s.begin(ctx, "Stats")
	if err != nil {
		return orm.Stats{}, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := orm.Stats{GeneratedAt: s.now()}

	var items int64
	for _, c := range s.categories.byID {
		stats.Categories.Total++
		switch c.Type {
		case orm.KindVideo:
			stats.Categories.Video++
		case orm.KindCreator:
			stats.Categories.Creator++
		}
		if c.ItemCount == 0 {
			stats.Categories.Empty++
		}
		items += c.ItemCount
	}
	if stats.Categories.Total > 0 {
		stats.Categories.AverageItems = float64(items) / float64(stats.Categories.Total)
	}

	for _, tag := range s.tags {
		stats.Tags.Total++
		if orm.TagTypeVideo.Includes(tag.Type) {
			stats.Tags.Video++
		}
		if orm.TagTypeCreator.Includes(tag.Type) {
			stats.Tags.Creator++
		}
		if tag.UsageCount == 0 {
			stats.Tags.Unused++
		}
		if stats.Tags.MostUsed == nil ||
			tag.UsageCount > stats.Tags.MostUsed.UsageCount ||
			(tag.UsageCount == stats.Tags.MostUsed.UsageCount && tag.ID < stats.Tags.MostUsed.ID) {
			mostUsed := tag
			stats.Tags.MostUsed = &mostUsed
		}
	}

	return stats, nil
}

func containsAll(set map[uint]struct{}, ids []uint) bool {
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}

	return true
}

func sortedIDs(set map[uint]struct{}) []uint {
	if len(set) == 0 {
		return nil
	}

	ids := make([]uint, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

func sortItems(items []orm.ItemRef) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}

		return items[i].ID < items[j].ID
	})
}
