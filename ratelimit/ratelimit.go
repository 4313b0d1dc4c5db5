// Package ratelimit caps email-send volume per destination address and
// per source IP, so the broker cannot be abused as a mail relay or an
// address-enumeration oracle.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/hermod/store"
)

// Decision is the outcome of a rate-limit check.
type Decision int

const (
	Allowed Decision = iota
	Denied
)

// Config holds the fixed-window thresholds.
type Config struct {
	// PerAddress is the maximum sends to one email address per window.
	PerAddress int64
	// PerIP is the maximum sends triggered by one source IP per window.
	PerIP int64
	// Window is the fixed counting window.
	Window time.Duration
}

// Limiter enforces two independent fixed-window counters backed by the
// session store's atomic Incr. Counters expire with the window; there is
// no explicit cleanup.
type Limiter struct {
	store store.Store
	cfg   Config
}

func New(s store.Store, cfg Config) *Limiter {
	return &Limiter{store: s, cfg: cfg}
}

// Allow checks both counters and increments them. A send is denied if
// either the address or the IP is over its threshold. The two increments
// are not transactional; at worst a denied request burns one count on the
// other counter, which only makes the limit stricter.
func (l *Limiter) Allow(ctx context.Context, address, ip string) (Decision, error) {
	addrCount, err := l.store.Incr(ctx, "ratelimit:addr:"+address, l.cfg.Window)
	if err != nil {
		return Denied, fmt.Errorf("address counter: %w", err)
	}
	if addrCount > l.cfg.PerAddress {
		return Denied, nil
	}

	if ip != "" {
		ipCount, err := l.store.Incr(ctx, "ratelimit:ip:"+ip, l.cfg.Window)
		if err != nil {
			return Denied, fmt.Errorf("ip counter: %w", err)
		}
		if ipCount > l.cfg.PerIP {
			return Denied, nil
		}
	}
	return Allowed, nil
}
