package keys

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable indicates the key store could not be reached.
var ErrUnavailable = errors.New("key store unavailable")

// Store persists the key set. Save overwrites the whole set; the last
// writer wins, which is what makes rotation race-tolerant across
// processes (§ rotation in Manager).
type Store interface {
	// Load returns the persisted set, or a zero KeySet if none exists yet.
	Load(ctx context.Context) (KeySet, error)
	// Save replaces the persisted set.
	Save(ctx context.Context, set KeySet) error
}

// MemoryStore is a process-local Store, for tests and single-process
// deployments that accept losing keys on restart.
type MemoryStore struct {
	mu  sync.Mutex
	set KeySet
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSet(s.set), nil
}

func (s *MemoryStore) Save(ctx context.Context, set KeySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = cloneSet(set)
	return nil
}

func cloneSet(set KeySet) KeySet {
	out := KeySet{UpdatedAt: set.UpdatedAt}
	if set.Keys != nil {
		out.Keys = make([]SigningKey, len(set.Keys))
		for i, k := range set.Keys {
			k.PrivateKeyPEM = append([]byte(nil), k.PrivateKeyPEM...)
			out.Keys[i] = k
		}
	}
	return out
}
