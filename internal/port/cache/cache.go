// Package cache defines the port interface for the cache tier.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. The remote
// implementation may become unreachable; callers treat errors as
// non-fatal and route writes through the fallback queue.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by caches that support a lightweight round-trip
// probe. The connectivity monitor uses it to drive the operating mode.
type Pinger interface {
	Ping(ctx context.Context) error
}
