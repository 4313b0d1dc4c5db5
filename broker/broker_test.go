package broker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hermod/discovery"
	"github.com/jmcleod/hermod/internal/emailaddr"
	"github.com/jmcleod/hermod/keys"
	"github.com/jmcleod/hermod/mail"
	"github.com/jmcleod/hermod/ratelimit"
	"github.com/jmcleod/hermod/store"
	"github.com/jmcleod/hermod/store/memory"
	"github.com/jmcleod/hermod/token"
)

// stubResolver returns a fixed delegation outcome.
type stubResolver struct {
	delegation discovery.Delegation
}

func (r stubResolver) Resolve(ctx context.Context, address emailaddr.Address) discovery.Delegation {
	return r.delegation
}

// captureSender records sent messages and can be told to fail.
type captureSender struct {
	mu       sync.Mutex
	messages []mail.Message
	fail     bool
}

func (s *captureSender) Send(ctx context.Context, msg mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if s.fail {
		return mail.ErrDelivery
	}
	return nil
}

func (s *captureSender) last(t *testing.T) mail.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.messages, "expected at least one sent message")
	return s.messages[len(s.messages)-1]
}

// countingStore wraps a store.Store and counts writes.
type countingStore struct {
	store.Store
	mu   sync.Mutex
	puts int
}

func (s *countingStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.Store.Put(ctx, key, value, ttl)
}

type fixture struct {
	broker *Broker
	store  *countingStore
	sender *captureSender
	keys   *keys.Manager
}

func newFixture(t *testing.T, delegation discovery.Delegation, mutate ...func(*Config)) *fixture {
	t.Helper()

	mem := memory.New()
	t.Cleanup(mem.Close)
	counting := &countingStore{Store: mem}

	km, err := keys.NewManager(context.Background(), keys.NewMemoryStore(), keys.ManagerConfig{
		Algorithm:        keys.AlgEdDSA,
		RotationInterval: time.Hour,
		Retention:        30 * time.Minute,
	})
	require.NoError(t, err)

	cfg := Config{
		PublicURL:  "https://broker.example",
		SessionTTL: 15 * time.Minute,
		TokenTTL:   10 * time.Minute,
		CodeLength: 12,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	limiter := ratelimit.New(counting, ratelimit.Config{PerAddress: 5, PerIP: 50, Window: time.Hour})
	sender := &captureSender{}
	b := New(cfg, counting, km, stubResolver{delegation: delegation}, limiter, sender)
	return &fixture{broker: b, store: counting, sender: sender, keys: km}
}

func validRequest() Request {
	return Request{
		ClientID:    "https://app.example",
		RedirectURI: "https://app.example/cb",
		LoginHint:   "user@nodelegate.test",
		Nonce:       "abc123",
		RemoteIP:    "192.0.2.1",
	}
}

// codeFromMail pulls the one-time code out of the confirmation message.
func codeFromMail(t *testing.T, msg mail.Message) string {
	t.Helper()
	_, after, found := strings.Cut(msg.Body, "#code=")
	require.True(t, found, "mail body should carry the fragment link")
	code, _, _ := strings.Cut(after, "\r\n")
	return code
}

func TestBeginAuthDelegates(t *testing.T) {
	f := newFixture(t, discovery.Delegate{
		Issuer:       "https://idp.example",
		AuthEndpoint: "https://idp.example/auth",
	})

	action, err := f.broker.BeginAuth(context.Background(), validRequest())
	require.NoError(t, err)

	redirect, ok := action.(RedirectToDelegate)
	require.True(t, ok, "expected RedirectToDelegate, got %T", action)
	assert.Contains(t, redirect.URL, "https://idp.example/auth?")
	assert.Contains(t, redirect.URL, "client_id=https%3A%2F%2Fapp.example")
	assert.Contains(t, redirect.URL, "nonce=abc123")
	assert.Contains(t, redirect.URL, "login_hint=user%40nodelegate.test")

	// Delegation hands the whole flow over: no session, no counters.
	assert.Zero(t, f.store.puts, "delegation must not touch the store")
	assert.Empty(t, f.sender.messages, "delegation must not send mail")
}

func TestBeginAuthLocalLoop(t *testing.T) {
	f := newFixture(t, discovery.Local{})

	action, err := f.broker.BeginAuth(context.Background(), validRequest())
	require.NoError(t, err)

	started, ok := action.(EmailLoopStarted)
	require.True(t, ok, "expected EmailLoopStarted, got %T", action)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "user@nodelegate.test", started.Email)

	msg := f.sender.last(t)
	assert.Equal(t, "user@nodelegate.test", msg.To)
	assert.Contains(t, msg.Body, "https://broker.example/confirm?session="+started.SessionID)
	assert.NotContains(t, msg.Body, "code="+started.SessionID, "code and session id must differ")
}

func TestBeginAuthUniqueSessions(t *testing.T) {
	f := newFixture(t, discovery.Local{})

	a1, err := f.broker.BeginAuth(context.Background(), validRequest())
	require.NoError(t, err)
	code1 := codeFromMail(t, f.sender.last(t))
	a2, err := f.broker.BeginAuth(context.Background(), validRequest())
	require.NoError(t, err)
	code2 := codeFromMail(t, f.sender.last(t))

	s1 := a1.(EmailLoopStarted).SessionID
	s2 := a2.(EmailLoopStarted).SessionID
	assert.NotEqual(t, s1, s2, "session ids must be unique")
	assert.NotEqual(t, code1, code2, "one-time codes must be unique")
}

func TestBeginAuthInvalidRequests(t *testing.T) {
	f := newFixture(t, discovery.Local{})

	cases := map[string]func(*Request){
		"http redirect":       func(r *Request) { r.RedirectURI = "http://app.example/cb"; r.ClientID = "http://app.example" },
		"origin mismatch":     func(r *Request) { r.ClientID = "https://other.example" },
		"bad email":           func(r *Request) { r.LoginHint = "not-an-email" },
		"empty email":         func(r *Request) { r.LoginHint = "" },
		"missing nonce":       func(r *Request) { r.Nonce = "" },
		"bad response mode":   func(r *Request) { r.ResponseMode = "query" },
		"bad response type":   func(r *Request) { r.ResponseType = "code" },
		"redirect with colon": func(r *Request) { r.RedirectURI = "::bad::"; r.ClientID = "::bad::" },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			corrupt(&req)
			_, err := f.broker.BeginAuth(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, f.store.puts, "invalid requests must not create store entries")
	assert.Empty(t, f.sender.messages)
}

func TestBeginAuthAllowedOrigins(t *testing.T) {
	f := newFixture(t, discovery.Local{}, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://whitelisted.example"}
	})

	_, err := f.broker.BeginAuth(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := validRequest()
	req.ClientID = "https://whitelisted.example"
	req.RedirectURI = "https://whitelisted.example/cb"
	_, err = f.broker.BeginAuth(context.Background(), req)
	assert.NoError(t, err)
}

func TestBeginAuthRateLimited(t *testing.T) {
	f := newFixture(t, discovery.Local{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.broker.BeginAuth(ctx, validRequest())
		require.NoError(t, err, "send %d should be allowed", i+1)
	}
	_, err := f.broker.BeginAuth(ctx, validRequest())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, f.sender.messages, 5, "the denied attempt must not send mail")
}

func TestBeginAuthMailFailureKeepsSession(t *testing.T) {
	f := newFixture(t, discovery.Local{})
	f.sender.fail = true

	_, err := f.broker.BeginAuth(context.Background(), validRequest())
	require.ErrorIs(t, err, mail.ErrDelivery)

	// The message (with its link) was produced before the failure; the
	// session it references is still redeemable until its TTL.
	msg := f.sender.last(t)
	_, after, _ := strings.Cut(msg.Body, "/confirm?session=")
	sessionID, _, _ := strings.Cut(after, "#")
	code := codeFromMail(t, msg)

	conf, err := f.broker.Confirm(context.Background(), sessionID, code)
	require.NoError(t, err)
	assert.NotEmpty(t, conf.Token)
}

func TestConfirmEndToEnd(t *testing.T) {
	f := newFixture(t, discovery.Local{})
	ctx := context.Background()

	action, err := f.broker.BeginAuth(ctx, validRequest())
	require.NoError(t, err)
	started := action.(EmailLoopStarted)
	code := codeFromMail(t, f.sender.last(t))

	conf, err := f.broker.Confirm(ctx, started.SessionID, code)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example/cb", conf.RedirectURI)
	assert.Equal(t, ResponseModeFragment, conf.ResponseMode)
	assert.Equal(t, "user@nodelegate.test", conf.Email)

	claims, err := token.Verify(conf.Token, f.keys.PublicKeySet(), "https://broker.example")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example", claims.Audience)
	assert.Equal(t, "abc123", claims.Nonce)
	assert.Equal(t, "user@nodelegate.test", claims.Email)
}

func TestConfirmLowercaseCode(t *testing.T) {
	f := newFixture(t, discovery.Local{})
	ctx := context.Background()

	action, err := f.broker.BeginAuth(ctx, validRequest())
	require.NoError(t, err)
	code := codeFromMail(t, f.sender.last(t))

	_, err = f.broker.Confirm(ctx, action.(EmailLoopStarted).SessionID, strings.ToLower(code))
	assert.NoError(t, err, "pasted lowercase codes should match")
}

func TestConfirmUnknownSession(t *testing.T) {
	f := newFixture(t, discovery.Local{})
	_, err := f.broker.Confirm(context.Background(), "no-such-session", "ABCDEFGH2345")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConfirmWrongCodeConsumesSession(t *testing.T) {
	f := newFixture(t, discovery.Local{})
	ctx := context.Background()

	action, err := f.broker.BeginAuth(ctx, validRequest())
	require.NoError(t, err)
	started := action.(EmailLoopStarted)
	code := codeFromMail(t, f.sender.last(t))

	_, err = f.broker.Confirm(ctx, started.SessionID, "WRONGCODE234")
	assert.ErrorIs(t, err, ErrCodeMismatch)

	// Even the correct code fails now: one session, one guess.
	_, err = f.broker.Confirm(ctx, started.SessionID, code)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConfirmAtMostOnce(t *testing.T) {
	f := newFixture(t, discovery.Local{})
	ctx := context.Background()

	action, err := f.broker.BeginAuth(ctx, validRequest())
	require.NoError(t, err)
	started := action.(EmailLoopStarted)
	code := codeFromMail(t, f.sender.last(t))

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.broker.Confirm(ctx, started.SessionID, code)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes, notFound int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, ErrSessionNotFound)
			notFound++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent confirm may succeed")
	assert.Equal(t, callers-1, notFound)
}

func TestConfirmExpiredSession(t *testing.T) {
	now := time.Now()
	f := newFixture(t, discovery.Local{})
	f.broker.now = func() time.Time { return now }
	ctx := context.Background()

	action, err := f.broker.BeginAuth(ctx, validRequest())
	require.NoError(t, err)
	started := action.(EmailLoopStarted)
	code := codeFromMail(t, f.sender.last(t))

	// Past the maximum lifetime the session is unredeemable even though
	// the record may still be present.
	now = now.Add(16 * time.Minute)
	_, err = f.broker.Confirm(ctx, started.SessionID, code)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDiscoveryFailureFallsBackToEmailLoop(t *testing.T) {
	// A resolver wired to an unreachable domain yields Local; the email
	// loop must proceed with no user-visible error.
	resolver := discovery.New(discovery.WithCacheTTL(0), discovery.WithTimeout(100*time.Millisecond))

	mem := memory.New()
	t.Cleanup(mem.Close)
	km, err := keys.NewManager(context.Background(), keys.NewMemoryStore(), keys.ManagerConfig{
		Algorithm:        keys.AlgEdDSA,
		RotationInterval: time.Hour,
		Retention:        30 * time.Minute,
	})
	require.NoError(t, err)
	sender := &captureSender{}
	limiter := ratelimit.New(mem, ratelimit.Config{PerAddress: 5, PerIP: 50, Window: time.Hour})
	b := New(Config{
		PublicURL:  "https://broker.example",
		SessionTTL: 15 * time.Minute,
		TokenTTL:   10 * time.Minute,
		CodeLength: 12,
	}, mem, km, resolver, limiter, sender)

	req := validRequest()
	req.LoginHint = "user@unreachable.invalid"
	action, err := b.BeginAuth(context.Background(), req)
	require.NoError(t, err)
	assert.IsType(t, EmailLoopStarted{}, action)
}
