// Package config loads broker settings from the environment.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration, populated from HERMOD_*
// environment variables.
type Config struct {
	// PublicURL is the externally reachable origin of this broker. It
	// becomes the token issuer and the base of every emailed link.
	PublicURL string `env:"HERMOD_PUBLIC_URL"`
	Listen    string `env:"HERMOD_LISTEN" envDefault:":8080"`

	SessionTTL       time.Duration `env:"HERMOD_SESSION_TTL" envDefault:"15m"`
	TokenTTL         time.Duration `env:"HERMOD_TOKEN_TTL" envDefault:"10m"`
	CodeLength       int           `env:"HERMOD_CODE_LENGTH" envDefault:"12"`
	Algorithm        string        `env:"HERMOD_SIGNING_ALGORITHM" envDefault:"EdDSA"`
	RotationInterval time.Duration `env:"HERMOD_KEY_ROTATION_INTERVAL" envDefault:"24h"`
	KeyRetention     time.Duration `env:"HERMOD_KEY_RETENTION" envDefault:"1h"`
	KeyDBPath        string        `env:"HERMOD_KEY_DB" envDefault:"hermod-keys.db"`

	// Store selects the session backend: "memory" or "redis".
	Store    string `env:"HERMOD_STORE" envDefault:"memory"`
	RedisURL string `env:"HERMOD_REDIS_URL"`

	RatePerAddress int64         `env:"HERMOD_RATE_PER_ADDRESS" envDefault:"5"`
	RatePerIP      int64         `env:"HERMOD_RATE_PER_IP" envDefault:"50"`
	RateWindow     time.Duration `env:"HERMOD_RATE_WINDOW" envDefault:"15m"`

	DiscoveryTimeout time.Duration `env:"HERMOD_DISCOVERY_TIMEOUT" envDefault:"5s"`
	DiscoveryCache   time.Duration `env:"HERMOD_DISCOVERY_CACHE" envDefault:"5m"`

	// AllowedOrigins restricts which relying applications may start a
	// login. Empty means any origin is accepted.
	AllowedOrigins       []string `env:"HERMOD_ALLOWED_ORIGINS" envSeparator:","`
	AllowInsecureOrigins bool     `env:"HERMOD_ALLOW_INSECURE_ORIGINS" envDefault:"false"`

	// TrustedProxies lists CIDR ranges whose forwarded-for headers are
	// believed for rate limiting.
	TrustedProxies []string `env:"HERMOD_TRUSTED_PROXIES" envSeparator:","`

	SMTPAddr string `env:"HERMOD_SMTP_ADDR"`
	SMTPFrom string `env:"HERMOD_SMTP_FROM"`

	LogLevel string `env:"HERMOD_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints Load cannot express as tags.
func (c Config) Validate() error {
	if c.PublicURL == "" {
		return fmt.Errorf("HERMOD_PUBLIC_URL is required")
	}
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("HERMOD_PUBLIC_URL must be an absolute URL")
	}
	if strings.HasSuffix(c.PublicURL, "/") {
		return fmt.Errorf("HERMOD_PUBLIC_URL must not end with a slash")
	}
	switch c.Store {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("HERMOD_REDIS_URL is required when HERMOD_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}
	// A retired key must outlive every token it signed.
	if c.KeyRetention <= c.TokenTTL {
		return fmt.Errorf("HERMOD_KEY_RETENTION (%s) must exceed HERMOD_TOKEN_TTL (%s)",
			c.KeyRetention, c.TokenTTL)
	}
	if c.CodeLength < 6 {
		return fmt.Errorf("HERMOD_CODE_LENGTH must be at least 6")
	}
	if c.SMTPAddr != "" && c.SMTPFrom == "" {
		return fmt.Errorf("HERMOD_SMTP_FROM is required when HERMOD_SMTP_ADDR is set")
	}
	if _, err := c.ParsedTrustedProxies(); err != nil {
		return err
	}
	return nil
}

// ParsedTrustedProxies returns the trusted proxy ranges as prefixes.
// Bare addresses are accepted as single-host ranges.
func (c Config) ParsedTrustedProxies() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, s := range c.TrustedProxies {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("bad trusted proxy %q: %w", s, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("bad trusted proxy %q: %w", s, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}
