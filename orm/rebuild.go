package orm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Rebuild is a staging area for the categories of one or more kinds. It
// starts empty for those kinds; readers keep seeing the previous categories
// until Commit swaps the staged set in. Rollback discards it.
type Rebuild interface {
	TagsByIDs(ctx context.Context, ids []uint) ([]Tag, error)
	FindCategory(ctx context.Context, kind Kind, key string) (Category, error)
	CreateCategory(ctx context.Context, c *Category) error
	CategoriesByKind(ctx context.Context, kind Kind) ([]Category, error)
	CountItemsWithAllTags(ctx context.Context, kind Kind, tagIDs []uint) (int64, error)
	UpdateCategoryCount(ctx context.Context, id uint, count int64, at time.Time) error
	DeleteEmptyCategories(ctx context.Context, kind Kind, olderThan time.Time) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type txRebuild struct {
	*DB
	tx    *gorm.DB
	kinds []Kind
}

// BeginRebuild opens a transaction that clears the categories of kinds.
// The delete stays invisible to other sessions until Commit.
func (db *DB) BeginRebuild(ctx context.Context, kinds ...Kind) (Rebuild, error) {
	if len(kinds) == 0 {
		return nil, &ValidationError{Reason: "rebuild needs at least one kind"}
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown item kind %q", k)}
		}
	}

	detailString := fmt.Sprintf("kinds=%v", kinds)

	tx := db.dbGorm.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, wrapErrorWithDetails(tx.Error, "begin rebuild", detailString)
	}

	if err := tx.Where("type IN ?", kinds).Delete(&Category{}).Error; err != nil {
		tx.Rollback()

		return nil, wrapErrorWithDetails(err, "clear staged categories", detailString)
	}

	return &txRebuild{DB: db.UseTransaction(tx), tx: tx, kinds: kinds}, nil
}

func (r *txRebuild) Commit(ctx context.Context) error {
	return wrapErrorWithDetails(r.tx.Commit().Error, "commit rebuild", fmt.Sprintf("kinds=%v", r.kinds))
}

func (r *txRebuild) Rollback(ctx context.Context) error {
	err := r.tx.Rollback().Error
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return wrapErrorWithDetails(err, "rollback rebuild", fmt.Sprintf("kinds=%v", r.kinds))
}
