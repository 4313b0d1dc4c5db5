// Package api is the HTTP transport for the broker: the authorization
// and confirmation endpoints, the published key set, and the discovery
// metadata other brokers use to delegate to this one.
package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/hermod/broker"
	"github.com/jmcleod/hermod/keys"
)

// Config holds the transport-level settings.
type Config struct {
	// PublicURL is the broker's externally visible origin.
	PublicURL string
	// Algorithm is advertised in the discovery metadata.
	Algorithm keys.Algorithm
	// DocumentTTL is the cache lifetime of the discovery metadata.
	DocumentTTL time.Duration
	// KeysTTL is the cache lifetime of the published key set. Keep it
	// well under the key retention window so verifiers pick up
	// rotations in time.
	KeysTTL time.Duration
	// TrustedProxies are CIDR ranges whose proxy headers are honored
	// when extracting the client IP. Empty means RemoteAddr only.
	TrustedProxies []netip.Prefix
}

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	broker *broker.Broker
	keys   *keys.Manager
	cfg    Config
	logger *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON
// logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New creates a new API instance.
func New(b *broker.Broker, km *keys.Manager, cfg Config, opts ...Option) *API {
	a := &API{broker: b, keys: km, cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all broker routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/auth", a.Auth)
	r.Post("/auth", a.Auth)
	r.Get("/confirm", a.ConfirmPage)
	r.Post("/confirm", a.Confirm)
	r.Get("/keys.json", a.KeySet)
	r.Get("/.well-known/openid-configuration", a.Metadata)
	r.Get("/.well-known/webfinger", a.WebFinger)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	return r
}
