// Package discovery decides whether an email domain operates a broker
// speaking this protocol natively. If it does, authentication is
// delegated to that provider; otherwise the local email loop runs.
//
// Discovery is strictly best-effort: any timeout, network failure or
// malformed response degrades to Local. A domain must never be able to
// stall or fail an authentication request by publishing bad metadata.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/hermod/internal/emailaddr"
	"github.com/jmcleod/hermod/keys"
)

// Relation values accepted in webfinger responses. A link with either
// rel marks the domain as a native provider. RelBroker is also what the
// broker advertises on its own webfinger endpoint.
const (
	RelBroker     = "https://hermod.dev/specs/auth/1.0/idp"
	RelOIDCIssuer = "http://openid.net/specs/connect/1.0/issuer"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultCacheTTL = 5 * time.Minute
	maxResponseBody = 1 << 20
)

// Delegation is the two-variant outcome of a discovery probe. Checking
// the variant is the only way to reach the endpoint, so "must check
// before using" holds at the type level.
type Delegation interface {
	isDelegation()
}

// Local means the domain has no native provider; run the email loop.
type Local struct{}

// Delegate carries the provider's authorization endpoint and its
// published verification keys.
type Delegate struct {
	Issuer       string
	AuthEndpoint string
	Keys         []keys.JWK
}

func (Local) isDelegation()    {}
func (Delegate) isDelegation() {}

// Resolver probes domains over webfinger and caches the outcome briefly.
type Resolver struct {
	client   *http.Client
	timeout  time.Duration
	cacheTTL time.Duration
	insecure bool
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	delegation Delegation
	expiresAt  time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each discovery probe (all requests combined).
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithCacheTTL bounds how long a probe outcome is reused.
// Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) { r.cacheTTL = d }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithLogger sets the structured logger for probe failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithInsecureTransport allows plain-HTTP discovery targets. Only for
// development and tests; production providers must publish over HTTPS.
func WithInsecureTransport() Option {
	return func(r *Resolver) { r.insecure = true }
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		client:   &http.Client{},
		timeout:  defaultTimeout,
		cacheTTL: defaultCacheTTL,
		logger:   slog.Default(),
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve probes the address's domain. It never returns an error; every
// failure mode is Local.
func (r *Resolver) Resolve(ctx context.Context, address emailaddr.Address) Delegation {
	domain := address.Domain
	if d, ok := r.cached(domain); ok {
		return d
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	d, err := r.probe(ctx, address)
	if err != nil {
		r.logger.Debug("discovery probe failed, using local email loop",
			"domain", domain, "error", err)
		d = Local{}
	}
	r.store(domain, d)
	return d
}

func (r *Resolver) probe(ctx context.Context, address emailaddr.Address) (Delegation, error) {
	issuer, err := r.webfinger(ctx, address)
	if err != nil {
		return nil, err
	}
	if issuer == "" {
		return Local{}, nil
	}

	cfg, err := r.providerConfig(ctx, issuer)
	if err != nil {
		return nil, err
	}
	jwks, err := r.providerKeys(ctx, cfg.JWKSURI)
	if err != nil {
		return nil, err
	}
	return Delegate{
		Issuer:       issuer,
		AuthEndpoint: cfg.AuthorizationEndpoint,
		Keys:         jwks,
	}, nil
}

type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// webfinger returns the provider issuer URL, or "" when the domain does
// not advertise one.
func (r *Resolver) webfinger(ctx context.Context, address emailaddr.Address) (string, error) {
	q := url.Values{}
	q.Set("resource", "acct:"+address.String())
	q.Add("rel", RelBroker)
	q.Add("rel", RelOIDCIssuer)
	u := r.scheme() + "://" + address.Domain + "/.well-known/webfinger?" + q.Encode()

	var resp webfingerResponse
	if err := r.getJSON(ctx, u, &resp); err != nil {
		return "", err
	}
	for _, link := range resp.Links {
		if link.Rel != RelBroker && link.Rel != RelOIDCIssuer {
			continue
		}
		if err := r.checkEndpoint(link.Href); err != nil {
			return "", fmt.Errorf("webfinger link: %w", err)
		}
		return link.Href, nil
	}
	return "", nil
}

type providerConfig struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

func (r *Resolver) providerConfig(ctx context.Context, issuer string) (providerConfig, error) {
	u := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	var cfg providerConfig
	if err := r.getJSON(ctx, u, &cfg); err != nil {
		return providerConfig{}, err
	}
	if err := r.checkEndpoint(cfg.AuthorizationEndpoint); err != nil {
		return providerConfig{}, fmt.Errorf("authorization_endpoint: %w", err)
	}
	if err := r.checkEndpoint(cfg.JWKSURI); err != nil {
		return providerConfig{}, fmt.Errorf("jwks_uri: %w", err)
	}
	return cfg, nil
}

func (r *Resolver) providerKeys(ctx context.Context, jwksURI string) ([]keys.JWK, error) {
	var doc struct {
		Keys []keys.JWK `json:"keys"`
	}
	if err := r.getJSON(ctx, jwksURI, &doc); err != nil {
		return nil, err
	}
	if len(doc.Keys) == 0 {
		return nil, fmt.Errorf("provider publishes no keys")
	}
	return doc.Keys, nil
}

func (r *Resolver) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

func (r *Resolver) checkEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing endpoint %q: %w", raw, err)
	}
	if u.Scheme != "https" && !(r.insecure && u.Scheme == "http") {
		return fmt.Errorf("endpoint %q is not https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}
	return nil
}

func (r *Resolver) scheme() string {
	if r.insecure {
		return "http"
	}
	return "https"
}

func (r *Resolver) cached(domain string) (Delegation, bool) {
	if r.cacheTTL <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[domain]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.delegation, true
}

func (r *Resolver) store(domain string, d Delegation) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[domain] = cacheEntry{delegation: d, expiresAt: time.Now().Add(r.cacheTTL)}
}
