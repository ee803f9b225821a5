package orm

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// taggedItems selects the eligible items of kind that hold tags. Videos are
// only eligible once published.
func (db *DB) taggedItems(ctx context.Context, kind Kind) *gorm.DB {
	q := db.dbGorm.WithContext(ctx).
		Model(&Taggable{}).
		Where("taggables.taggable_type = ?", kind)

	if kind == KindVideo {
		q = q.Joins("JOIN videos ON videos.id = taggables.taggable_id AND videos.is_published = ?", true)
	}

	return q
}

// EligibleItems lists the eligible items of kind holding at least one tag.
func (db *DB) EligibleItems(ctx context.Context, kind Kind) ([]ItemRef, error) {
	if !kind.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown item kind %q", kind)}
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	var ids []uint
	err := db.taggedItems(ctx, kind).
		Distinct().
		Order("taggables.taggable_id").
		Pluck("taggables.taggable_id", &ids).Error
	if err != nil {
		return nil, wrapErrorWithDetails(err, "list eligible items", "kind="+string(kind))
	}

	items := make([]ItemRef, 0, len(ids))
	for _, id := range ids {
		items = append(items, ItemRef{Kind: kind, ID: id})
	}

	return items, nil
}

// itemsWithAllTags selects the ids of the eligible items of kind holding
// every tag in tagIDs.
func (db *DB) itemsWithAllTags(ctx context.Context, kind Kind, tagIDs []uint) *gorm.DB {
	return db.taggedItems(ctx, kind).
		Select("taggables.taggable_id").
		Where("taggables.tag_id IN ?", tagIDs).
		Group("taggables.taggable_id").
		Having("COUNT(DISTINCT taggables.tag_id) = ?", len(tagIDs))
}

// CountItemsWithAllTags counts the eligible items of kind whose tag set
// contains every id in tagIDs.
func (db *DB) CountItemsWithAllTags(ctx context.Context, kind Kind, tagIDs []uint) (int64, error) {
	if len(tagIDs) == 0 {
		return 0, &ValidationError{Reason: "count needs at least one tag"}
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	var count int64
	err := db.dbGorm.WithContext(ctx).Table("(?) AS matched", db.itemsWithAllTags(ctx, kind, tagIDs)).Count(&count).Error
	if err != nil {
		return 0, wrapErrorWithDetails(
			err,
			"count items with all tags",
			fmt.Sprintf("kind=%s, tags=%v", kind, tagIDs),
		)
	}

	return count, nil
}

// ItemsWithAnyTags lists eligible items of kind holding at least one of
// tagIDs, lowest id first.
func (db *DB) ItemsWithAnyTags(
	ctx context.Context,
	kind Kind,
	tagIDs []uint,
	limit int,
) ([]ItemRef, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	var ids []uint
	err := db.taggedItems(ctx, kind).
		Where("taggables.tag_id IN ?", tagIDs).
		Distinct().
		Order("taggables.taggable_id").
		Limit(limit).
		Pluck("taggables.taggable_id", &ids).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"filter items by tags",
			fmt.Sprintf("kind=%s, tags=%v", kind, tagIDs),
		)
	}

	items := make([]ItemRef, 0, len(ids))
	for _, id := range ids {
		items = append(items, ItemRef{Kind: kind, ID: id})
	}

	return items, nil
}

// ItemsWithAllTags lists the eligible items of kind holding every id in
// tagIDs, lowest id first. These are the members of the category for
// tagIDs.
func (db *DB) ItemsWithAllTags(
	ctx context.Context,
	kind Kind,
	tagIDs []uint,
	limit int,
) ([]ItemRef, error) {
	if len(tagIDs) == 0 {
		return nil, &ValidationError{Reason: "item lookup needs at least one tag"}
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	var ids []uint
	err := db.itemsWithAllTags(ctx, kind, tagIDs).
		Order("taggables.taggable_id").
		Limit(limit).
		Pluck("taggables.taggable_id", &ids).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"list items with all tags",
			fmt.Sprintf("kind=%s, tags=%v", kind, tagIDs),
		)
	}

	items := make([]ItemRef, 0, len(ids))
	for _, id := range ids {
		items = append(items, ItemRef{Kind: kind, ID: id})
	}

	return items, nil
}
