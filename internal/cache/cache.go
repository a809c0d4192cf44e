// Package cache provides response caching keyed by request fingerprint.
//
// Two backends are available:
//   - RedisCache — shared across replicas, recommended for production.
//   - LocalCache — in-process bounded LRU, zero external dependencies.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
