// Package memory provides a single-process in-memory store.Store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/hermod/store"
)

const reapInterval = 1 * time.Minute

// Store is a thread-safe in-memory implementation of store.Store. It is
// only correct for a single-process deployment; entries are lost on
// restart. Expiry is enforced lazily on access and by a background reaper.
type Store struct {
	mu       sync.Mutex
	data     map[string]entry
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

type entry struct {
	value     []byte
	count     int64
	expiresAt time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store and starts its reaper.
func New() *Store {
	s := &Store{
		data:   make(map[string]entry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// Close stops the background reaper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	delete(s.data, key)
	if s.now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || s.now().After(e.expiresAt) {
		e = entry{expiresAt: s.now().Add(ttl)}
	}
	e.count++
	s.data[key] = e
	return e.count, nil
}

func (s *Store) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Store) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.data {
		if now.After(e.expiresAt) {
			delete(s.data, k)
		}
	}
}
