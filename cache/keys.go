package cache

import "fmt"

// GroupTags holds every popular-tags listing.
const GroupTags = "tags"

// CategoriesGroup holds every cached read over the categories of kind.
func CategoriesGroup(kind string) string {
	return kind + "_categories"
}

// ItemGroup holds cached reads derived from one item's tags.
func ItemGroup(kind string, id uint) string {
	return fmt.Sprintf("item:%s:%d", kind, id)
}

func CategoryListKey(kind string, page, pageSize int) string {
	return fmt.Sprintf("%s_categories_page_%d_%d", kind, page, pageSize)
}

func CategorySlugKey(slug string) string {
	return "category_slug:" + slug
}

func CategoryContentKey(slug string, limit int) string {
	return fmt.Sprintf("category_content:%s:%d", slug, limit)
}

func PopularTagsKey(tagType string, limit int) string {
	return fmt.Sprintf("popular_tags:%s:%d", tagType, limit)
}

func RelatedCategoriesKey(kind string, id uint) string {
	return fmt.Sprintf("related_categories:%s:%d", kind, id)
}
