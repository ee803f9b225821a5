package cache

import (
	"context"
	"errors"
	"time"
)

// SharedBackend is a backend that also keeps the version counters.
type SharedBackend interface {
	Backend
	Versions
}

// TieredBackend keeps a short-lived local copy in front of a shared
// backend. Version reads and bumps always go to the shared tier, so group
// invalidation is seen by every process at once. A key deletion clears the
// shared copy and the local copy of the calling process; other processes may
// serve their local copy for up to localTTL.
type TieredBackend struct {
	local    Backend
	shared   SharedBackend
	localTTL time.Duration
}

func NewTieredBackend(local Backend, shared SharedBackend, localTTL time.Duration) *TieredBackend {
	return &TieredBackend{local: local, shared: shared, localTTL: localTTL}
}

func (t *TieredBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := t.local.Get(ctx, key); ok {
		return v, true
	}

	v, ok := t.shared.Get(ctx, key)
	if !ok {
		return nil, false
	}
	_ = t.local.Set(ctx, key, v, t.localTTL)

	return v, true
}

func (t *TieredBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := t.shared.Set(ctx, key, value, ttl)

	return errors.Join(err, t.local.Set(ctx, key, value, min(ttl, t.localTTL)))
}

func (t *TieredBackend) Delete(ctx context.Context, key string) error {
	return errors.Join(t.local.Delete(ctx, key), t.shared.Delete(ctx, key))
}

func (t *TieredBackend) Version(ctx context.Context, group string) (int64, error) {
	return t.shared.Version(ctx, group)
}

func (t *TieredBackend) Bump(ctx context.Context, group string) (int64, error) {
	return t.shared.Bump(ctx, group)
}

var _ SharedBackend = (*TieredBackend)(nil)
