// Package cache is a read-through cache with group invalidation.
//
// Every group has a version number that only ever grows. An entry records
// the versions of its groups as they were when the write started, and a
// read discards the entry once any of those versions has moved. A write that
// raced with an invalidation is therefore never served.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 1024

var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
)

// Backend stores opaque values with a TTL.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Get never errors; unreachable backends report a miss.
// - Delete is idempotent.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Versions holds the per-group version counters. Version of an unknown
// group is 0. Counters never expire.
type Versions interface {
	Version(ctx context.Context, group string) (int64, error)
	Bump(ctx context.Context, group string) (int64, error)
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}

	return nil
}
