package keys

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ManagerConfig controls the rotation policy.
type ManagerConfig struct {
	Algorithm Algorithm
	// RotationInterval is how long a key signs before being replaced.
	RotationInterval time.Duration
	// Retention is how long a retired key remains published for
	// verification. It must exceed the maximum token validity window.
	Retention time.Duration
}

// Handle is a usable reference to the active signing key.
type Handle struct {
	KeyID     string
	Algorithm Algorithm
	Signer    crypto.Signer
}

// snapshot is an immutable view of the key set plus its parsed signer.
// Readers load it atomically; writers publish a whole new snapshot and
// never mutate one in place.
type snapshot struct {
	set     KeySet
	current Handle
	public  []JWK
}

// Manager owns key rotation. Rotation is race-tolerant rather than
// mutually exclusive: every process attempts rotation on its own timer,
// reloads the store first and adopts any newer set another process wrote,
// and the store's last write wins. A redundant double rotation within one
// interval only shortens that key's effective use window.
type Manager struct {
	store  Store
	cfg    ManagerConfig
	logger *slog.Logger
	now    func() time.Time
	snap   atomic.Pointer[snapshot]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger for rotation events.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager loads the persisted key set and bootstraps a first key if
// the store is empty.
func NewManager(ctx context.Context, store Store, cfg ManagerConfig, opts ...ManagerOption) (*Manager, error) {
	if cfg.Retention <= 0 || cfg.RotationInterval <= 0 {
		return nil, fmt.Errorf("rotation interval and retention must be positive")
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.RotateIfDue(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// CurrentSigningKey returns the active signing key. Reads are lock-free.
func (m *Manager) CurrentSigningKey() (Handle, error) {
	snap := m.snap.Load()
	if snap == nil || snap.current.Signer == nil {
		return Handle{}, fmt.Errorf("no signing key available: %w", ErrUnavailable)
	}
	return snap.current, nil
}

// PublicKeySet returns all non-expired verification keys in JWK form.
func (m *Manager) PublicKeySet() []JWK {
	snap := m.snap.Load()
	if snap == nil {
		return nil
	}
	return snap.public
}

// RotateIfDue reloads the key set, adopts any newer set written by
// another process, and rotates if the current key is older than the
// rotation interval. It is idempotent and safe to call from a timer.
func (m *Manager) RotateIfDue(ctx context.Context) error {
	set, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading key set: %w", err)
	}

	now := m.now()
	changed := false

	// Purge previous keys whose retention window has elapsed.
	kept := set.Keys[:0:0]
	for _, k := range set.Keys {
		if k.State == StatePrevious && now.Sub(k.RetiredAt) >= m.cfg.Retention {
			changed = true
			continue
		}
		kept = append(kept, k)
	}
	set.Keys = kept

	cur, ok := set.Current()
	if !ok || now.Sub(cur.CreatedAt) >= m.cfg.RotationInterval {
		next, err := Generate(m.cfg.Algorithm, now)
		if err != nil {
			return err
		}
		for i := range set.Keys {
			if set.Keys[i].State == StateCurrent {
				set.Keys[i].State = StatePrevious
				set.Keys[i].RetiredAt = now.UTC()
			}
		}
		set.Keys = append(set.Keys, next)
		changed = true
		m.logger.Info("rotated signing key",
			"key_id", next.KeyID,
			"algorithm", string(next.Algorithm),
			"live_keys", len(set.Keys))
	}

	if changed {
		set.UpdatedAt = now.UTC()
		if err := m.store.Save(ctx, set); err != nil {
			return fmt.Errorf("saving key set: %w", err)
		}
	}
	return m.publish(set)
}

// Run rotates on a timer until the context is cancelled. The check period
// is a fraction of the rotation interval so a missed tick cannot stretch
// a key's life by much.
func (m *Manager) Run(ctx context.Context) {
	period := m.cfg.RotationInterval / 4
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RotateIfDue(ctx); err != nil {
				m.logger.Error("key rotation failed", "error", err)
			}
		}
	}
}

func (m *Manager) publish(set KeySet) error {
	cur, ok := set.Current()
	if !ok {
		return fmt.Errorf("key set has no current key")
	}
	signer, err := cur.Signer()
	if err != nil {
		return err
	}
	public := make([]JWK, 0, len(set.Keys))
	for _, k := range set.Keys {
		jwk, err := k.JWK()
		if err != nil {
			return err
		}
		public = append(public, jwk)
	}
	m.snap.Store(&snapshot{
		set:     set,
		current: Handle{KeyID: cur.KeyID, Algorithm: cur.Algorithm, Signer: signer},
		public:  public,
	})
	return nil
}
