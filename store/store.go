// Package store defines the expiring key-value contract shared by the
// broker's session state and rate-limit counters.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the backing store could not be reached. The
// request that hit it fails; the process keeps serving others.
var ErrUnavailable = errors.New("session store unavailable")

// Store is an expiring key-value store with atomic consumption. Both
// backends honor the same contract:
//
//   - Take is atomic get-and-delete: of any number of concurrent callers
//     for the same key, at most one observes the value.
//   - An entry is unreachable once its TTL elapses, with or without an
//     explicit delete.
//   - Incr on an absent key initializes it with the given TTL and
//     returns 1; the TTL is not extended on subsequent increments.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Take(ctx context.Context, key string) ([]byte, bool, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
