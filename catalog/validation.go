package catalog

import (
	"errors"
	"fmt"
	"math"

	"category-engine/orm"

	"google.golang.org/grpc/codes"
)

var (
	ErrInvalidKind    = errors.New("unknown item kind")
	ErrInvalidTagType = errors.New("unknown tag type")
	ErrInvalidPage    = errors.New("page out of range")
	ErrInvalidLimit   = errors.New("limit out of range")
	ErrEmptySlug      = errors.New("slug cannot be empty")
	ErrNoTags         = errors.New("at least one tag is required")
	ErrEmptyQuery     = errors.New("search query cannot be empty")
)

func invalidArgument(inner error, format string, args ...any) error {
	return &ServiceError{
		Code:    codes.InvalidArgument,
		Message: fmt.Sprintf(format, args...),
		Inner:   inner,
	}
}

func validateKind(kind orm.Kind) error {
	if !kind.Valid() {
		return invalidArgument(ErrInvalidKind, "kind must be one of %v, got %q", orm.Kinds, kind)
	}

	return nil
}

func validateTagType(tagType orm.TagType) error {
	if !tagType.Valid() {
		return invalidArgument(ErrInvalidTagType, "tag type must be video, creator or both, got %q", tagType)
	}

	return nil
}

func validatePage(page, pageSize, maxPageSize int) error {
	if page < 1 {
		return invalidArgument(ErrInvalidPage, "page must be at least 1, got %d", page)
	}
	if err := validateLimit(pageSize, maxPageSize); err != nil {
		return err
	}
	// The offset (page-1)*pageSize must fit in an int.
	if page-1 > math.MaxInt/pageSize {
		return invalidArgument(ErrInvalidPage, "page %d is out of range for page size %d", page, pageSize)
	}

	return nil
}

func validateLimit(limit, maxLimit int) error {
	if limit < 1 || limit > maxLimit {
		return invalidArgument(ErrInvalidLimit, "limit must be between 1 and %d, got %d", maxLimit, limit)
	}

	return nil
}

func validateSlug(slug string) error {
	if slug == "" {
		return invalidArgument(ErrEmptySlug, "slug cannot be empty")
	}

	return nil
}

func validateTagIDs(ids []uint) error {
	if len(ids) == 0 {
		return invalidArgument(ErrNoTags, "at least one tag is required")
	}

	return nil
}

func validateQuery(query string) error {
	if query == "" {
		return invalidArgument(ErrEmptyQuery, "search query cannot be empty")
	}

	return nil
}
