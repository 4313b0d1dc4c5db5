// Package redis provides a store.Store backed by a shared Redis instance,
// for deployments running more than one broker process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/hermod/store"
)

// Store implements store.Store on a Redis client. Atomicity of Take maps
// to GETDEL and expiry to Redis' native TTLs, so the contract holds across
// any number of broker processes sharing the instance.
type Store struct {
	client *redis.Client
	prefix string
}

var _ store.Store = (*Store)(nil)

// New wraps an existing Redis client. The prefix namespaces all keys so a
// shared instance can serve more than one deployment.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// NewFromURL connects to a Redis URL such as redis://localhost:6379/0.
func NewFromURL(rawURL, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return New(redis.NewClient(opts), prefix), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%v: %w", err, store.ErrUnavailable)
	}
	return nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%v: %w", err, store.ErrUnavailable)
	}
	return val, true, nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.key(key)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	// NX leaves an existing TTL alone, so the window is anchored at the
	// first increment.
	pipe.ExpireNX(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%v: %w", err, store.ErrUnavailable)
	}
	return incr.Val(), nil
}
