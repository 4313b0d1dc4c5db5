package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hermod/store/memory"
)

func newLimiter(t *testing.T, cfg Config) (*Limiter, *memory.Store) {
	t.Helper()
	s := memory.New()
	t.Cleanup(s.Close)
	return New(s, cfg), s
}

func TestAllowUnderThreshold(t *testing.T) {
	l, _ := newLimiter(t, Config{PerAddress: 3, PerIP: 10, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "user@example.com", "192.0.2.1")
		require.NoError(t, err)
		assert.Equal(t, Allowed, d, "send %d should be allowed", i+1)
	}
}

func TestDenyOverAddressThreshold(t *testing.T) {
	l, _ := newLimiter(t, Config{PerAddress: 2, PerIP: 10, Window: time.Hour})
	ctx := context.Background()

	l.Allow(ctx, "user@example.com", "192.0.2.1")
	l.Allow(ctx, "user@example.com", "192.0.2.1")
	d, err := l.Allow(ctx, "user@example.com", "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, Denied, d, "third send to the same address should be denied")

	// A different address is unaffected.
	d, err = l.Allow(ctx, "other@example.com", "192.0.2.2")
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)
}

func TestDenyOverIPThreshold(t *testing.T) {
	l, _ := newLimiter(t, Config{PerAddress: 100, PerIP: 2, Window: time.Hour})
	ctx := context.Background()

	l.Allow(ctx, "a@example.com", "192.0.2.1")
	l.Allow(ctx, "b@example.com", "192.0.2.1")
	d, err := l.Allow(ctx, "c@example.com", "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, Denied, d, "third send from the same IP should be denied")
}

func TestEmptyIPSkipsIPCounter(t *testing.T) {
	l, _ := newLimiter(t, Config{PerAddress: 5, PerIP: 1, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "user@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, Allowed, d)
	}
}

func TestWindowReset(t *testing.T) {
	l, _ := newLimiter(t, Config{PerAddress: 1, PerIP: 10, Window: 30 * time.Millisecond})
	ctx := context.Background()

	d, _ := l.Allow(ctx, "user@example.com", "192.0.2.1")
	assert.Equal(t, Allowed, d)
	d, _ = l.Allow(ctx, "user@example.com", "192.0.2.1")
	assert.Equal(t, Denied, d)

	time.Sleep(50 * time.Millisecond)

	d, err := l.Allow(ctx, "user@example.com", "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, d, "counter should reset after the window elapses")
}
