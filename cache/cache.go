// Package cache provides the small key/value surface the admission pipeline
// needs: string values with a per-key TTL. Production deployments point it
// at redis; a single-process relay or the test suite uses the in-memory
// backend.
package cache

import (
	"context"
	"time"
)

// Client is the cache contract used by the user repository. A miss is not
// an error; transport failures are.
type Client interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}
