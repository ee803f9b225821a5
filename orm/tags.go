package orm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (db *DB) TagsByIDs(ctx context.Context, ids []uint) ([]Tag, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	tags, err := gorm.G[Tag](db.dbGorm).Where("id IN ?", ids).Order("id").Find(ctx)
	if err != nil {
		return nil, wrapErrorWithDetails(err, "get tags by id", fmt.Sprintf("ids=%v", ids))
	}

	return tags, nil
}

// FindOrCreateTag returns the tag called name, creating it when missing.
// Concurrent creators converge on one row.
func (db *DB) FindOrCreateTag(ctx context.Context, name string, tagType TagType) (Tag, error) {
	tag, err := NewTag(name, tagType)
	if err != nil {
		return Tag{}, err
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	detailString := fmt.Sprintf("name=%q, type=%s", tag.Name, tag.Type)

	existing, err := gorm.G[Tag](db.dbGorm).Where("name = ?", tag.Name).First(ctx)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Tag{}, wrapErrorWithDetails(err, "find tag", detailString)
	}

	res := db.dbGorm.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&tag)
	if res.Error != nil {
		return Tag{}, wrapErrorWithDetails(res.Error, "create tag", detailString)
	}
	if res.RowsAffected == 1 {
		return tag, nil
	}

	// Either another writer created the same name, or a different name
	// produced the same slug.
	existing, err = gorm.G[Tag](db.dbGorm).Where("name = ?", tag.Name).First(ctx)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Tag{}, wrapErrorWithDetails(err, "find tag", detailString)
	}

	tag.ID = 0
	tag.Slug = tag.Slug + "-" + uuid.NewString()[:8]
	if err := gorm.G[Tag](db.dbGorm).Create(ctx, &tag); err != nil {
		return Tag{}, wrapErrorWithDetails(err, "create tag", detailString)
	}

	return tag, nil
}

// PopularTags lists tags by usage, most used first. TagTypeBoth lists every
// tag, a kind-specific type lists its own tags and the shared ones.
func (db *DB) PopularTags(ctx context.Context, tagType TagType, limit int) ([]Tag, error) {
	if !tagType.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown tag type %q", tagType)}
	}
	if limit <= 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("limit must be positive, got %d", limit)}
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	q := db.dbGorm.WithContext(ctx).Model(&Tag{})
	if tagType != TagTypeBoth {
		q = q.Where("type IN ?", []TagType{tagType, TagTypeBoth})
	}

	var tags []Tag
	err := q.Order("usage_count DESC").Order("id ASC").Limit(limit).Find(&tags).Error
	if err != nil {
		return nil, wrapErrorWithDetails(err, "popular tags", fmt.Sprintf("type=%s, limit=%d", tagType, limit))
	}

	return tags, nil
}

func (db *DB) ItemTagIDs(ctx context.Context, item ItemRef) ([]uint, error) {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	var ids []uint
	err := db.dbGorm.WithContext(ctx).
		Model(&Taggable{}).
		Where("taggable_type = ? AND taggable_id = ?", item.Kind, item.ID).
		Order("tag_id").
		Pluck("tag_id", &ids).Error
	if err != nil {
		return nil, wrapErrorWithDetails(err, "get item tags", "item="+item.String())
	}

	return ids, nil
}

// ReplaceItemTags makes tagIDs the exact tag set of item and keeps the
// usage counters in step. It returns the ids that were linked and unlinked.
func (db *DB) ReplaceItemTags(
	ctx context.Context,
	item ItemRef,
	tagIDs []uint,
) (added, removed []uint, err error) {
	if !item.Kind.Valid() {
		return nil, nil, &ValidationError{Reason: fmt.Sprintf("unknown item kind %q", item.Kind)}
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	detailString := fmt.Sprintf("item=%s, tags=%v", item, tagIDs)

	err = db.dbGorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Syncs of the same item run one at a time, so the diff below is
		// taken against committed links.
		err := tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", "taggables:"+item.String()).Error
		if err != nil {
			return wrapErrorWithDetails(err, "lock item tags", detailString)
		}

		var current []uint
		err = tx.Model(&Taggable{}).
			Where("taggable_type = ? AND taggable_id = ?", item.Kind, item.ID).
			Pluck("tag_id", &current).Error
		if err != nil {
			return wrapErrorWithDetails(err, "read item tags", detailString)
		}

		added, removed = DiffTagIDs(current, tagIDs)

		if len(removed) > 0 {
			err = tx.Where(
				"taggable_type = ? AND taggable_id = ? AND tag_id IN ?",
				item.Kind, item.ID, removed,
			).Delete(&Taggable{}).Error
			if err != nil {
				return wrapErrorWithDetails(err, "unlink tags", detailString)
			}
		}

		if len(added) > 0 {
			var known int64
			if err := tx.Model(&Tag{}).Where("id IN ?", added).Count(&known).Error; err != nil {
				return wrapErrorWithDetails(err, "check tags exist", detailString)
			}
			if known != int64(len(added)) {
				return &NotFoundError{Search: "tags " + fmt.Sprint(added)}
			}

			links := make([]Taggable, 0, len(added))
			for _, id := range added {
				links = append(links, Taggable{TagID: id, TaggableType: item.Kind, TaggableID: item.ID})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
				return wrapErrorWithDetails(err, "link tags", detailString)
			}
		}

		return recountUsage(tx, append(slices.Clone(added), removed...), detailString)
	})
	if err != nil {
		return nil, nil, err
	}

	return added, removed, nil
}

// recountUsage sets usage_count of ids from the links themselves, so the
// counter stays equal to the number of items holding the tag whatever other
// items were synced concurrently.
func recountUsage(tx *gorm.DB, ids []uint, detailString string) error {
	if len(ids) == 0 {
		return nil
	}

	err := tx.Model(&Tag{}).
		Where("id IN ?", ids).
		Update("usage_count", gorm.Expr("(SELECT COUNT(*) FROM taggables WHERE taggables.tag_id = tags.id)")).Error
	if err != nil {
		return wrapErrorWithDetails(err, "recount tag usage", detailString)
	}

	return nil
}

// DiffTagIDs compares an item's current tag ids with the wanted ones.
// Both results are sorted.
func DiffTagIDs(current, want []uint) (added, removed []uint) {
	cur := make(map[uint]struct{}, len(current))
	for _, id := range current {
		cur[id] = struct{}{}
	}
	next := make(map[uint]struct{}, len(want))
	for _, id := range want {
		next[id] = struct{}{}
	}

	for id := range next {
		if _, ok := cur[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range cur {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)

	return added, removed
}
