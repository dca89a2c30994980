// Package cache provides advisory key/value caches. Entries may disappear at
// any time; callers must treat a miss or an error as "go to the source".
package cache

import (
	"context"
	"time"
)

// Store caches JSON-encodable values. A zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Noop struct{}

func (Noop) Get(_ context.Context, _ string, _ any) (bool, error) {
	return false, nil
}

func (Noop) Set(_ context.Context, _ string, _ any, _ time.Duration) error {
	return nil
}

func (Noop) Delete(_ context.Context, _ ...string) error {
	return nil
}
