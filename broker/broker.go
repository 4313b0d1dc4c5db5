// Package broker implements the authentication protocol state machine: a
// relying application hands it an email address, and it either delegates
// to the domain's own provider or proves inbox access through a one-time
// emailed code, then issues a signed identity token.
//
// The broker keeps no user records. Its only state is short-lived login
// sessions and rate-limit counters in the session store, plus its
// signing keys in the key store.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmcleod/hermod/discovery"
	"github.com/jmcleod/hermod/internal/emailaddr"
	"github.com/jmcleod/hermod/internal/util"
	"github.com/jmcleod/hermod/keys"
	"github.com/jmcleod/hermod/mail"
	"github.com/jmcleod/hermod/ratelimit"
	"github.com/jmcleod/hermod/store"
	"github.com/jmcleod/hermod/token"
)

// Response modes supported for delivering the token to the relying
// application.
const (
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

const (
	sessionKeyPrefix = "session:"
	sessionIDBytes   = 32
)

// Request is one inbound authentication request from a relying
// application.
type Request struct {
	ClientID     string
	RedirectURI  string
	LoginHint    string
	Nonce        string
	State        string
	ResponseMode string // defaults to fragment
	ResponseType string // defaults to id_token; nothing else is supported
	RemoteIP     string // for rate limiting; may be empty
}

// Action is the two-variant outcome of BeginAuth.
type Action interface {
	isAction()
}

// RedirectToDelegate tells the transport to send the browser to the
// email domain's own provider. No local session exists; the delegate owns
// the rest of the flow.
type RedirectToDelegate struct {
	URL string
}

// EmailLoopStarted means a confirmation email is on its way and the
// transport should show the "check your inbox" page.
type EmailLoopStarted struct {
	SessionID string
	Email     string
}

func (RedirectToDelegate) isAction() {}
func (EmailLoopStarted) isAction()   {}

// Confirmation is the successful outcome of Confirm: the signed token
// plus what the transport needs to perform the final redirect.
type Confirmation struct {
	Token        string
	Email        string
	Nonce        string
	RedirectURI  string
	ResponseMode string
	State        string
}

// Resolver is the discovery capability the broker consumes.
type Resolver interface {
	Resolve(ctx context.Context, address emailaddr.Address) discovery.Delegation
}

// Config holds the orchestrator's policy knobs.
type Config struct {
	// PublicURL is the broker's own HTTPS origin, used in confirmation
	// links and as the token issuer.
	PublicURL string
	// SessionTTL is the maximum lifetime of a login attempt.
	SessionTTL time.Duration
	// TokenTTL is the identity token validity window.
	TokenTTL time.Duration
	// CodeLength is the one-time code length in characters.
	CodeLength int
	// AllowedOrigins, when non-empty, is a whitelist of client origins.
	// Empty means any well-formed HTTPS origin is accepted.
	AllowedOrigins []string
	// AllowInsecureOrigins accepts plain-HTTP client origins and
	// discovery targets. Development only.
	AllowInsecureOrigins bool
}

// Broker is the auth flow orchestrator.
type Broker struct {
	cfg      Config
	store    store.Store
	keys     *keys.Manager
	resolver Resolver
	limiter  *ratelimit.Limiter
	sender   mail.Sender
	issuer   token.Issuer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New assembles the orchestrator from its collaborators.
func New(cfg Config, s store.Store, km *keys.Manager, resolver Resolver, limiter *ratelimit.Limiter, sender mail.Sender, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		store:    s,
		keys:     km,
		resolver: resolver,
		limiter:  limiter,
		sender:   sender,
		issuer:   token.Issuer{PublicURL: cfg.PublicURL, TTL: cfg.TokenTTL},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BeginAuth validates the request, decides between delegation and the
// local email loop, and for the local loop creates the session and sends
// the confirmation email. Validation failures happen before any store
// mutation.
func (b *Broker) BeginAuth(ctx context.Context, req Request) (Action, error) {
	address, err := b.validate(&req)
	if err != nil {
		return nil, err
	}

	if d, ok := b.resolver.Resolve(ctx, address).(discovery.Delegate); ok {
		redirect, err := delegateURL(d, req, address)
		if err != nil {
			// A provider publishing a broken endpoint degrades to the
			// email loop like any other discovery failure.
			b.logger.Warn("unusable delegate endpoint, using email loop",
				"domain", address.Domain, "error", err)
		} else {
			return RedirectToDelegate{URL: redirect}, nil
		}
	}

	decision, err := b.limiter.Allow(ctx, address.String(), req.RemoteIP)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if decision == ratelimit.Denied {
		return nil, ErrRateLimited
	}

	sessionID, err := util.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	code, err := util.RandomCode(b.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("generating one-time code: %w", err)
	}

	session := LoginSession{
		Email:        address.String(),
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		Nonce:        req.Nonce,
		State:        req.State,
		ResponseMode: req.ResponseMode,
		CodeHash:     hashCode(code),
		CreatedAt:    b.now().UTC(),
	}
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	if err := b.store.Put(ctx, sessionKeyPrefix+sessionID, data, b.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	if err := b.sendConfirmation(ctx, address.String(), req.ClientID, sessionID, code); err != nil {
		// The session stays until its TTL; a resend can reuse the link.
		return nil, err
	}

	b.logger.Info("email loop started",
		"client_id", req.ClientID, "domain", address.Domain)
	return EmailLoopStarted{SessionID: sessionID, Email: address.String()}, nil
}

// Confirm redeems a login session. The lookup is an atomic take, so of
// any number of concurrent attempts at most one can succeed, and a wrong
// code consumes the session too.
func (b *Broker) Confirm(ctx context.Context, sessionID, code string) (Confirmation, error) {
	data, ok, err := b.store.Take(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		return Confirmation{}, fmt.Errorf("loading session: %w", err)
	}
	if !ok {
		return Confirmation{}, ErrSessionNotFound
	}

	var session LoginSession
	if err := json.Unmarshal(data, &session); err != nil {
		return Confirmation{}, fmt.Errorf("decoding session: %w", err)
	}
	// The store enforces the TTL; this guards a session that somehow
	// outlived it.
	if b.now().Sub(session.CreatedAt) > b.cfg.SessionTTL {
		return Confirmation{}, ErrSessionNotFound
	}
	if !session.codeMatches(code) {
		return Confirmation{}, ErrCodeMismatch
	}

	key, err := b.keys.CurrentSigningKey()
	if err != nil {
		return Confirmation{}, fmt.Errorf("fetching signing key: %w", err)
	}
	signed, err := b.issuer.Issue(key, session.Email, session.ClientID, session.Nonce)
	if err != nil {
		return Confirmation{}, err
	}

	b.logger.Info("identity token issued",
		"client_id", session.ClientID, "key_id", key.KeyID)
	return Confirmation{
		Token:        signed,
		Email:        session.Email,
		Nonce:        session.Nonce,
		RedirectURI:  session.RedirectURI,
		ResponseMode: session.ResponseMode,
		State:        session.State,
	}, nil
}

// validate normalizes and checks the request in place. It must not touch
// any store: malformed input may not consume resources.
func (b *Broker) validate(req *Request) (emailaddr.Address, error) {
	if req.ResponseType == "" {
		req.ResponseType = "id_token"
	}
	if req.ResponseType != "id_token" {
		return emailaddr.Address{}, fmt.Errorf("unsupported response_type %q: %w", req.ResponseType, ErrInvalidRequest)
	}
	if req.ResponseMode == "" {
		req.ResponseMode = ResponseModeFragment
	}
	if req.ResponseMode != ResponseModeFragment && req.ResponseMode != ResponseModeFormPost {
		return emailaddr.Address{}, fmt.Errorf("unsupported response_mode %q: %w", req.ResponseMode, ErrInvalidRequest)
	}
	if req.Nonce == "" {
		return emailaddr.Address{}, fmt.Errorf("nonce is required: %w", ErrInvalidRequest)
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return emailaddr.Address{}, fmt.Errorf("redirect_uri: %v: %w", err, ErrInvalidRequest)
	}
	if err := b.checkOrigin(redirect); err != nil {
		return emailaddr.Address{}, fmt.Errorf("redirect_uri: %v: %w", err, ErrInvalidRequest)
	}
	if req.ClientID != originOf(redirect) {
		return emailaddr.Address{}, fmt.Errorf("client_id must be the origin of redirect_uri: %w", ErrInvalidRequest)
	}
	if len(b.cfg.AllowedOrigins) > 0 && !contains(b.cfg.AllowedOrigins, req.ClientID) {
		return emailaddr.Address{}, fmt.Errorf("origin %s is not allowed: %w", req.ClientID, ErrInvalidRequest)
	}

	address, err := emailaddr.Parse(req.LoginHint)
	if err != nil {
		return emailaddr.Address{}, fmt.Errorf("login_hint: %w", ErrInvalidRequest)
	}
	return address, nil
}

func (b *Broker) checkOrigin(u *url.URL) error {
	switch u.Scheme {
	case "https":
	case "http":
		if !b.cfg.AllowInsecureOrigins && !isLoopback(u.Hostname()) {
			return fmt.Errorf("scheme must be https")
		}
	default:
		return fmt.Errorf("scheme must be https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func (b *Broker) sendConfirmation(ctx context.Context, email, clientID, sessionID, code string) error {
	// The code travels in the URL fragment: fragments never reach HTTP
	// server logs, so the link alone in an access log cannot redeem the
	// session.
	link := fmt.Sprintf("%s/confirm?session=%s#code=%s",
		b.cfg.PublicURL, url.QueryEscape(sessionID), url.QueryEscape(code))

	body := fmt.Sprintf(
		"Finish logging in to %s by opening this link:\r\n\r\n%s\r\n\r\n"+
			"Or enter the code %s on the confirmation page.\r\n\r\n"+
			"If you did not request this, ignore this message.\r\n",
		clientID, link, code)

	if err := b.sender.Send(ctx, mail.Message{
		To:      email,
		Subject: fmt.Sprintf("Finish logging in to %s", clientID),
		Body:    body,
	}); err != nil {
		return fmt.Errorf("sending confirmation email: %w", err)
	}
	return nil
}

// delegateURL builds the redirect to a provider's authorization endpoint,
// passing the relying application's parameters through.
func delegateURL(d discovery.Delegate, req Request, address emailaddr.Address) (string, error) {
	endpoint, err := url.Parse(d.AuthEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing delegate endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("response_type", "id_token")
	q.Set("response_mode", req.ResponseMode)
	q.Set("nonce", req.Nonce)
	q.Set("login_hint", address.String())
	if req.State != "" {
		q.Set("state", req.State)
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
