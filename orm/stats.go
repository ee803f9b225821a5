package orm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type CategoryStats struct {
	Total        int64   `json:"total"`
	Video        int64   `json:"video"`
	Creator      int64   `json:"creator"`
	Empty        int64   `json:"empty"`
	AverageItems float64 `json:"averageItems"`
}

type TagStats struct {
	Total    int64 `json:"total"`
	Video    int64 `json:"video"`
	Creator  int64 `json:"creator"`
	Unused   int64 `json:"unused"`
	MostUsed *Tag  `json:"mostUsed,omitempty"`
}

type Stats struct {
	Categories  CategoryStats `json:"categories"`
	Tags        TagStats      `json:"tags"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Stats summarises the taxonomy. Video and creator tag counts include tags
// shared by both kinds.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	var stats Stats
	stats.GeneratedAt = time.Now()

	q := db.dbGorm.WithContext(ctx)
	counts := []struct {
		model any
		query string
		args  []any
		dst   *int64
	}{
		{&Category{}, "", nil, &stats.Categories.Total},
		{&Category{}, "type = ?", []any{KindVideo}, &stats.Categories.Video},
		{&Category{}, "type = ?", []any{KindCreator}, &stats.Categories.Creator},
		{&Category{}, "item_count = 0", nil, &stats.Categories.Empty},
		{&Tag{}, "", nil, &stats.Tags.Total},
		{&Tag{}, "type IN ?", []any{[]TagType{TagTypeVideo, TagTypeBoth}}, &stats.Tags.Video},
		{&Tag{}, "type IN ?", []any{[]TagType{TagTypeCreator, TagTypeBoth}}, &stats.Tags.Creator},
		{&Tag{}, "usage_count = 0", nil, &stats.Tags.Unused},
	}

	for _, c := range counts {
		stmt := q.Model(c.model)
		if c.query != "" {
			stmt = stmt.Where(c.query, c.args...)
		}
		if err := stmt.Count(c.dst).Error; err != nil {
			return Stats{}, wrapErrorWithDetails(err, "collect stats", "count")
		}
	}

	var avg *float64
	err := q.Model(&Category{}).Select("AVG(item_count)").Scan(&avg).Error
	if err != nil {
		return Stats{}, wrapErrorWithDetails(err, "collect stats", "average items")
	}
	if avg != nil {
		stats.Categories.AverageItems = *avg
	}

	mostUsed, err := gorm.G[Tag](db.dbGorm).Order("usage_count DESC").Order("id ASC").First(ctx)
	switch {
	case err == nil:
		stats.Tags.MostUsed = &mostUsed
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Stats{}, wrapErrorWithDetails(err, "collect stats", "most used tag")
	}

	return stats, nil
}
