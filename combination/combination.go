// Package combination enumerates the tag subsets a category can be built
// from and renders them as canonical keys.
package combination

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	// DefaultMaxTags bounds the 2^n growth of Generate.
	DefaultMaxTags = 12
	Separator      = ","
)

var (
	ErrTooManyTags = errors.New("combination: too many tags")
	ErrInvalidKey  = errors.New("combination: invalid key")
)

// Combination is a set of tag ids in ascending order without duplicates.
type Combination []uint

// Canonical returns a sorted, deduplicated copy of ids.
func Canonical(ids []uint) Combination {
	if len(ids) == 0 {
		return nil
	}

	c := slices.Clone(ids)
	slices.Sort(c)

	return Combination(slices.Compact(c))
}

// Key renders the combination as ids joined by ",", e.g. "3,7,12".
func (c Combination) Key() string {
	var b strings.Builder
	for i, id := range c {
		if i > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}

	return b.String()
}

func (c Combination) String() string {
	return c.Key()
}

func (c Combination) Contains(id uint) bool {
	_, found := slices.BinarySearch(c, id)

	return found
}

// SubsetOf reports whether every id of c is also in other. Both must be
// canonical.
func (c Combination) SubsetOf(other Combination) bool {
	j := 0
	for _, id := range c {
		for j < len(other) && other[j] < id {
			j++
		}
		if j == len(other) || other[j] != id {
			return false
		}
		j++
	}

	return true
}

// ParseKey is the inverse of Key. Keys that are not canonical are rejected.
func ParseKey(key string) (Combination, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	parts := strings.Split(key, Separator)
	c := make(Combination, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(p, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		if len(c) > 0 && uint(id) <= c[len(c)-1] {
			return nil, fmt.Errorf("%w: %q is not ascending", ErrInvalidKey, key)
		}
		c = append(c, uint(id))
	}

	return c, nil
}

// Generate returns every non-empty subset of ids exactly once, 2^n-1 in
// total. Subsets are emitted in bitmask order over the canonical ids, so the
// output is deterministic for a given input set. maxTags <= 0 selects
// DefaultMaxTags.
func Generate(ids []uint, maxTags int) ([]Combination, error) {
	if maxTags <= 0 {
		maxTags = DefaultMaxTags
	}

	set := Canonical(ids)
	n := len(set)
	if n == 0 {
		return nil, nil
	}
	if n > maxTags {
		return nil, fmt.Errorf("%w: %d tags exceed the limit of %d", ErrTooManyTags, n, maxTags)
	}

	total := 1<<n - 1
	out := make([]Combination, 0, total)
	for mask := 1; mask <= total; mask++ {
		c := make(Combination, 0, n)
		for i := range n {
			if mask&(1<<i) != 0 {
				c = append(c, set[i])
			}
		}
		out = append(out, c)
	}

	return out, nil
}

// Keys renders each combination with Key.
func Keys(combos []Combination) []string {
	keys := make([]string, len(combos))
	for i, c := range combos {
		keys[i] = c.Key()
	}

	return keys
}
