package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"category-engine/orm"
)

var ErrRebuildClosed = errors.New("memstore: rebuild already committed or rolled back")

type naturalKey struct {
	kind orm.Kind
	key  string
}

// categorySet holds categories with the same unique indexes as the
// categories table. Callers synchronise access.
type categorySet struct {
	byID   map[uint]orm.Category
	byKey  map[naturalKey]uint
	bySlug map[string]uint
}

func newCategorySet() *categorySet {
	return &categorySet{
		byID:   make(map[uint]orm.Category),
		byKey:  make(map[naturalKey]uint),
		bySlug: make(map[string]uint),
	}
}

func (cs *categorySet) find(kind orm.Kind, key string) (orm.Category, error) {
	id, ok := cs.byKey[naturalKey{kind, key}]
	if !ok {
		return orm.Category{}, &orm.NotFoundError{
			Search: fmt.Sprintf("find category (type=%s, combination=%s)", kind, key),
		}
	}

	return cloneCategory(cs.byID[id]), nil
}

func (cs *categorySet) create(c *orm.Category, id uint) error {
	if _, taken := cs.byKey[naturalKey{c.Type, c.TagCombination}]; taken {
		return &orm.ConflictError{
			Conflict: fmt.Sprintf("create category (type=%s, combination=%s)", c.Type, c.TagCombination),
		}
	}
	if _, taken := cs.bySlug[c.Slug]; taken {
		return &orm.ConflictError{Conflict: fmt.Sprintf("create category (slug=%s)", c.Slug)}
	}

	c.ID = id
	cs.put(cloneCategory(*c))

	return nil
}

func (cs *categorySet) put(c orm.Category) {
	cs.byID[c.ID] = c
	cs.byKey[naturalKey{c.Type, c.TagCombination}] = c.ID
	cs.bySlug[c.Slug] = c.ID
}

func (cs *categorySet) remove(id uint) {
	c, ok := cs.byID[id]
	if !ok {
		return
	}
	delete(cs.byID, id)
	delete(cs.byKey, naturalKey{c.Type, c.TagCombination})
	delete(cs.bySlug, c.Slug)
}

func (cs *categorySet) ofKind(kind orm.Kind) []orm.Category {
	var out []orm.Category
	for _, c := range cs.byID {
		if c.Type == kind {
			out = append(out, cloneCategory(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (cs *categorySet) updateCount(id uint, count int64, at time.Time) error {
	c, ok := cs.byID[id]
	if !ok {
		return &orm.NotFoundError{Search: fmt.Sprintf("update category count (id=%d, count=%d)", id, count)}
	}
	c.ItemCount = count
	c.LastUpdatedAt = at
	c.UpdatedAt = at
	cs.byID[id] = c

	return nil
}

func (cs *categorySet) deleteEmpty(kind orm.Kind, olderThan time.Time) int64 {
	var deleted int64
	for id, c := range cs.byID {
		if c.Type == kind && c.ItemCount == 0 && c.CreatedAt.Before(olderThan) {
			cs.remove(id)
			deleted++
		}
	}

	return deleted
}

func cloneCategory(c orm.Category) orm.Category {
	c.TagIDs = slices.Clone(c.TagIDs)

	return c
}

func (s *Store) FindCategory(ctx context.Context, kind orm.Kind, key string) (orm.Category, error) {
	_, cancel, err := s.begin(ctx, "FindCategory")
	if err != nil {
		return orm.Category{}, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.categories.find(kind, key)
}

func (s *Store) CreateCategory(ctx context.Context, c *orm.Category) error {
	_, cancel, err := s.begin(ctx, "CreateCategory")
	if err != nil {
		return err
	}
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.categories.create(c, uint(s.nextCategoryID.Add(1)))
}

func (s *Store) CategoriesByKind(ctx context.Context, kind orm.Kind) ([]orm.Category, error) {
	_, cancel, err := s.begin(ctx, "CategoriesByKind")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.categories.ofKind(kind), nil
}

func (s *Store) CategoriesByKeys(ctx context.Context, kind orm.Kind, keys []string) ([]orm.Category, error) {
	_, cancel, err := s.begin(ctx, "CategoriesByKeys")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []orm.Category
	for _, key := range keys {
		if c, err := s.categories.find(kind, key); err == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (s *Store) CountCategories(ctx context.Context, kind orm.Kind) (int64, error) {
	_, cancel, err := s.begin(ctx, "CountCategories")
	if err != nil {
		return 0, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.categories.ofKind(kind))), nil
}

func (s *Store) UpdateCategoryCount(ctx context.Context, id uint, count int64, at time.Time) error {
	_, cancel, err := s.begin(ctx, "UpdateCategoryCount")
	if err != nil {
		return err
	}
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.categories.updateCount(id, count, at)
}

func (s *Store) DeleteEmptyCategories(ctx context.Context, kind orm.Kind, olderThan time.Time) (int64, error) {
	_, cancel, err := s.begin(ctx, "DeleteEmptyCategories")
	if err != nil {
		return 0, err
	}
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.categories.deleteEmpty(kind, olderThan), nil
}

func (s *Store) ListCategories(ctx context.Context, kind orm.Kind, offset, limit int) ([]orm.Category, error) {
	if offset < 0 || limit < 0 {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("invalid page window offset=%d limit=%d", offset, limit)}
	}

	_, cancel, err := s.begin(ctx, "ListCategories")
	if err != nil {
		return nil, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []orm.Category
	for _, c := range s.categories.ofKind(kind) {
		if c.ItemCount > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ItemCount != out[j].ItemCount {
			return out[i].ItemCount > out[j].ItemCount
		}

		return out[i].ID < out[j].ID
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) CategoryBySlug(ctx context.Context, slug string) (orm.Category, error) {
	_, cancel, err := s.begin(ctx, "CategoryBySlug")
	if err != nil {
		return orm.Category{}, err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.categories.bySlug[slug]
	if !ok {
		return orm.Category{}, &orm.NotFoundError{Search: "get category by slug (slug=" + slug + ")"}
	}

	return cloneCategory(s.categories.byID[id]), nil
}

// BeginRebuild stages an empty category set for kinds. Item and tag reads
// go to the live store; Commit replaces the live categories of kinds with
// the staged ones in one step.
func (s *Store) BeginRebuild(ctx context.Context, kinds ...orm.Kind) (orm.Rebuild, error) {
	if len(kinds) == 0 {
		return nil, &orm.ValidationError{Reason: "rebuild needs at least one kind"}
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", k)}
		}
	}

	_, cancel, err := s.begin(ctx, "BeginRebuild")
	if err != nil {
		return nil, err
	}
	defer cancel()

	return &rebuild{parent: s, kinds: slices.Clone(kinds), staged: newCategorySet()}, nil
}

type rebuild struct {
	parent *Store
	kinds  []orm.Kind

	mu     sync.Mutex
	staged *categorySet
	closed bool
}

func (r *rebuild) begin(ctx context.Context, op string) (context.CancelFunc, error) {
	_, cancel, err := r.parent.begin(ctx, op)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()

		return nil, ErrRebuildClosed
	}

	return func() {
		r.mu.Unlock()
		cancel()
	}, nil
}

func (r *rebuild) stages(kind orm.Kind) bool {
	return slices.Contains(r.kinds, kind)
}

func (r *rebuild) TagsByIDs(ctx context.Context, ids []uint) ([]orm.Tag, error) {
	return r.parent.TagsByIDs(ctx, ids)
}

func (r *rebuild) CountItemsWithAllTags(ctx context.Context, kind orm.Kind, tagIDs []uint) (int64, error) {
	return r.parent.CountItemsWithAllTags(ctx, kind, tagIDs)
}

func (r *rebuild) FindCategory(ctx context.Context, kind orm.Kind, key string) (orm.Category, error) {
	if !r.stages(kind) {
		return r.parent.FindCategory(ctx, kind, key)
	}

	done, err := r.begin(ctx, "FindCategory")
	if err != nil {
		return orm.Category{}, err
	}
	defer done()

	return r.staged.find(kind, key)
}

func (r *rebuild) CreateCategory(ctx context.Context, c *orm.Category) error {
	if !r.stages(c.Type) {
		return &orm.ValidationError{Reason: fmt.Sprintf("kind %q is not part of this rebuild", c.Type)}
	}

	done, err := r.begin(ctx, "CreateCategory")
	if err != nil {
		return err
	}
	defer done()

	return r.staged.create(c, uint(r.parent.nextCategoryID.Add(1)))
}

func (r *rebuild) CategoriesByKind(ctx context.Context, kind orm.Kind) ([]orm.Category, error) {
	if !r.stages(kind) {
		return r.parent.CategoriesByKind(ctx, kind)
	}

	done, err := r.begin(ctx, "CategoriesByKind")
	if err != nil {
		return nil, err
	}
	defer done()

	return r.staged.ofKind(kind), nil
}

func (r *rebuild) UpdateCategoryCount(ctx context.Context, id uint, count int64, at time.Time) error {
	done, err := r.begin(ctx, "UpdateCategoryCount")
	if err != nil {
		return err
	}
	defer done()

	return r.staged.updateCount(id, count, at)
}

func (r *rebuild) DeleteEmptyCategories(ctx context.Context, kind orm.Kind, olderThan time.Time) (int64, error) {
	done, err := r.begin(ctx, "DeleteEmptyCategories")
	if err != nil {
		return 0, err
	}
	defer done()

	return r.staged.deleteEmpty(kind, olderThan), nil
}

func (r *rebuild) Commit(ctx context.Context) error {
	done, err := r.begin(ctx, "Commit")
	if err != nil {
		return err
	}
	defer done()

	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()

	next := newCategorySet()
	for _, c := range r.parent.categories.byID {
		if !r.stages(c.Type) {
			next.put(c)
		}
	}
	for _, c := range r.staged.byID {
		next.put(c)
	}
	r.parent.categories = next
	r.closed = true

	return nil
}

func (r *rebuild) Rollback(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.staged = newCategorySet()

	return nil
}
