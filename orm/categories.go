package orm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (db *DB) FindCategory(ctx context.Context, kind Kind, key string) (Category, error) {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	category, err := gorm.G[Category](db.dbGorm).
		Where("type = ? AND tag_combination = ?", kind, key).
		First(ctx)
	if err != nil {
		return Category{}, wrapErrorWithDetails(
			err,
			"find category",
			fmt.Sprintf("type=%s, combination=%s", kind, key),
		)
	}

	return category, nil
}

// CreateCategory inserts c. A clash on any unique index returns a
// ConflictError without aborting a surrounding transaction.
func (db *DB) CreateCategory(ctx context.Context, c *Category) error {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	detailString := fmt.Sprintf("type=%s, combination=%s, slug=%s", c.Type, c.TagCombination, c.Slug)

	res := db.dbGorm.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return wrapErrorWithDetails(res.Error, "create category", detailString)
	}
	if res.RowsAffected == 0 {
		c.ID = 0

		return &ConflictError{Conflict: "create category (" + detailString + ")"}
	}

	return nil
}

func (db *DB) CategoriesByKind(ctx context.Context, kind Kind) ([]Category, error) {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	categories, err := gorm.G[Category](db.dbGorm).Where("type = ?", kind).Order("id").Find(ctx)
	if err != nil {
		return nil, wrapErrorWithDetails(err, "list categories", "type="+string(kind))
	}

	return categories, nil
}

func (db *DB) CategoriesByKeys(ctx context.Context, kind Kind, keys []string) ([]Category, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	categories, err := gorm.G[Category](db.dbGorm).
		Where("type = ? AND tag_combination IN ?", kind, keys).
		Order("id").
		Find(ctx)
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"get categories by combination",
			fmt.Sprintf("type=%s, combinations=%d", kind, len(keys)),
		)
	}

	return categories, nil
}

func (db *DB) CountCategories(ctx context.Context, kind Kind) (int64, error) {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	count, err := gorm.G[Category](db.dbGorm).Where("type = ?", kind).Count(ctx, "*")
	if err != nil {
		return 0, wrapErrorWithDetails(err, "count categories", "type="+string(kind))
	}

	return count, nil
}

func (db *DB) UpdateCategoryCount(ctx context.Context, id uint, count int64, at time.Time) error {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	detailString := fmt.Sprintf("id=%d, count=%d", id, count)

	res := db.dbGorm.WithContext(ctx).
		Model(&Category{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"item_count":      count,
			"last_updated_at": at,
			"updated_at":      at,
		})
	if res.Error != nil {
		return wrapErrorWithDetails(res.Error, "update category count", detailString)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Search: "update category count (" + detailString + ")"}
	}

	return nil
}

// DeleteEmptyCategories removes categories of kind without items that were
// created before olderThan.
func (db *DB) DeleteEmptyCategories(ctx context.Context, kind Kind, olderThan time.Time) (int64, error) {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	res := db.dbGorm.WithContext(ctx).
		Where("type = ? AND item_count = 0 AND created_at < ?", kind, olderThan).
		Delete(&Category{})
	if res.Error != nil {
		return 0, wrapErrorWithDetails(
			res.Error,
			"delete empty categories",
			fmt.Sprintf("type=%s, older_than=%s", kind, olderThan.Format(time.RFC3339)),
		)
	}

	return res.RowsAffected, nil
}

// ListCategories pages through the non-empty categories of kind, most
// populous first.
func (db *DB) ListCategories(ctx context.Context, kind Kind, offset, limit int) ([]Category, error) {
	if offset < 0 || limit < 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid page window offset=%d limit=%d", offset, limit)}
	}

	ctx, cancel := db.scope(ctx)
	defer cancel()

	categories, err := gorm.G[Category](db.dbGorm).
		Where("type = ? AND item_count > 0", kind).
		Order("item_count DESC").
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(ctx)
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"list categories",
			fmt.Sprintf("type=%s, offset=%d, limit=%d", kind, offset, limit),
		)
	}

	return categories, nil
}

func (db *DB) CategoryBySlug(ctx context.Context, slug string) (Category, error) {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	category, err := gorm.G[Category](db.dbGorm).Where("slug = ?", slug).First(ctx)
	if err != nil {
		return Category{}, wrapErrorWithDetails(err, "get category by slug", "slug="+slug)
	}

	return category, nil
}
