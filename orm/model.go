package orm

import (
	"fmt"
	"strings"
	"time"

	"category-engine/combination"

	"gorm.io/datatypes"
)

// Kind discriminates the two taggable item types.
type Kind string

const (
	KindVideo   Kind = "video"
	KindCreator Kind = "creator"
)

var Kinds = []Kind{KindVideo, KindCreator}

func (k Kind) Valid() bool {
	return k == KindVideo || k == KindCreator
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown item kind %q", s)}
	}

	return k, nil
}

// TagType restricts which kinds a tag is offered for.
type TagType string

const (
	TagTypeVideo   TagType = "video"
	TagTypeCreator TagType = "creator"
	TagTypeBoth    TagType = "both"
)

func (t TagType) Valid() bool {
	return t == TagTypeVideo || t == TagTypeCreator || t == TagTypeBoth
}

func ParseTagType(s string) (TagType, error) {
	t := TagType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown tag type %q", s)}
	}

	return t, nil
}

// Includes reports whether tags of type other are listed under t.
// "both" lists every tag, a kind-specific type lists its own and "both".
func (t TagType) Includes(other TagType) bool {
	return t == TagTypeBoth || other == TagTypeBoth || t == other
}

func TagTypeFor(k Kind) TagType {
	if k == KindCreator {
		return TagTypeCreator
	}

	return TagTypeVideo
}

// ItemRef addresses a taggable item.
type ItemRef struct {
	Kind Kind `json:"kind"`
	ID   uint `json:"id"`
}

func (r ItemRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

type Tag struct {
	ID         uint    `gorm:"primaryKey"                                               json:"id"`
	Name       string  `gorm:"size:255;not null;uniqueIndex"                            json:"name"`
	Slug       string  `gorm:"size:255;not null;uniqueIndex"                            json:"slug"`
	Type       TagType `gorm:"size:16;not null;default:both;index:idx_tags_type_usage,priority:1" json:"type"`
	UsageCount int64   `gorm:"not null;default:0;index:idx_tags_type_usage,priority:2"  json:"usageCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTag builds an unsaved tag with its slug derived from name.
func NewTag(name string, tagType TagType) (Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, &ValidationError{Reason: "tag name must not be empty"}
	}
	if !tagType.Valid() {
		return Tag{}, &ValidationError{Reason: fmt.Sprintf("unknown tag type %q", tagType)}
	}

	slug := Slugify(name)
	if slug == "" {
		return Tag{}, &ValidationError{Reason: fmt.Sprintf("tag name %q has no sluggable characters", name)}
	}

	return Tag{Name: name, Slug: slug, Type: tagType}, nil
}

// Taggable links a tag to an item. One row per (tag, item).
type Taggable struct {
	ID           uint `gorm:"primaryKey"`
	TagID        uint `gorm:"not null;uniqueIndex:idx_taggables_unique,priority:1"`
	TaggableType Kind `gorm:"size:16;not null;uniqueIndex:idx_taggables_unique,priority:2;index:idx_taggables_item,priority:1"`
	TaggableID   uint `gorm:"not null;uniqueIndex:idx_taggables_unique,priority:3;index:idx_taggables_item,priority:2"`

	Tag Tag `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time
}

// Video and Creator are the read models of the content tables. Only the
// columns that decide eligibility are mapped.
type Video struct {
	ID          uint       `gorm:"primaryKey"                     json:"id"`
	Title       string     `gorm:"size:255;not null"              json:"title"`
	IsPublished bool       `gorm:"not null;default:false;index"   json:"isPublished"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Creator struct {
	ID          uint   `gorm:"primaryKey"        json:"id"`
	DisplayName string `gorm:"size:255;not null" json:"displayName"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Category is the derived taxonomy entry for one (kind, tag combination).
type Category struct {
	ID             uint                      `gorm:"primaryKey"                                                                 json:"id"`
	Name           string                    `gorm:"size:2048;not null"                                                         json:"name"`
	Slug           string                    `gorm:"size:2048;not null;uniqueIndex"                                             json:"slug"`
	Type           Kind                      `gorm:"size:16;not null;uniqueIndex:idx_categories_natural_key,priority:1;index:idx_categories_type_count,priority:1" json:"type"`
	TagIDs         datatypes.JSONSlice[uint] `gorm:"not null"                                                                   json:"tagIds"`
	TagCombination string                    `gorm:"size:255;not null;uniqueIndex:idx_categories_natural_key,priority:2"        json:"tagCombination"`
	ItemCount      int64                     `gorm:"not null;default:0;index:idx_categories_type_count,priority:2"              json:"itemCount"`
	LastUpdatedAt  time.Time                 `gorm:"not null"                                                                   json:"lastUpdatedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Combination returns the category's tag set.
func (c *Category) Combination() (combination.Combination, error) {
	return combination.ParseKey(c.TagCombination)
}

// NewCategory derives name, slug and key for an unsaved category. names must
// hold a name for every id in combo.
func NewCategory(
	kind Kind,
	combo combination.Combination,
	names map[uint]string,
	now time.Time,
) (Category, error) {
	if !kind.Valid() {
		return Category{}, &ValidationError{Reason: fmt.Sprintf("unknown item kind %q", kind)}
	}
	if len(combo) == 0 {
		return Category{}, &ValidationError{Reason: "category needs at least one tag"}
	}

	parts := make([]string, 0, len(combo))
	for _, id := range combo {
		name, ok := names[id]
		if !ok {
			return Category{}, &ValidationError{Reason: fmt.Sprintf("unknown tag id %d", id)}
		}
		parts = append(parts, name)
	}
	name := strings.Join(parts, " + ")

	key := combo.Key()
	slug := Slugify(string(kind) + " " + name)
	if slug == Slugify(string(kind)) {
		slug = slug + "-" + strings.ReplaceAll(key, ",", "-")
	}

	return Category{
		Name:           name,
		Slug:           slug,
		Type:           kind,
		TagIDs:         datatypes.JSONSlice[uint](combo),
		TagCombination: key,
		LastUpdatedAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// DisambiguatedSlug appends the combination key to the slug. Used when two
// combinations slugify to the same string.
func DisambiguatedSlug(c Category) string {
	suffix := "-" + strings.ReplaceAll(c.TagCombination, ",", "-")
	if strings.HasSuffix(c.Slug, suffix) {
		return c.Slug
	}

	return c.Slug + suffix
}
