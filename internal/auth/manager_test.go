package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/hackgods/appointment-booking-sync/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// tokenServer answers the token endpoint with respond and records each form.
type tokenServer struct {
	mu      sync.Mutex
	forms   []url.Values
	calls   int32
	respond func(form url.Values) (int, any)
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.calls, 1)
	r.ParseForm()
	s.mu.Lock()
	s.forms = append(s.forms, r.PostForm)
	s.mu.Unlock()
	status, body := s.respond(r.PostForm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *tokenServer) lastForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[len(s.forms)-1]
}

func newTestManager(t *testing.T, ts *tokenServer, clock *fakeClock, store TokenStore) *Manager {
	t.Helper()
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)
	m, err := NewManager(context.Background(), Options{
		OAuth: config.OAuthConfig{
			ClientID:     "booking-engine",
			AuthorizeURL: "https://auth.example.test/authorize",
			TokenURL:     srv.URL + "/token",
			RedirectURI:  "http://localhost:8080/auth/callback",
			Scopes:       []string{"openid", "offline_access", "user/Slot.write"},
		},
		Store:  store,
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func login(t *testing.T, m *Manager) *Token {
	t.Helper()
	_, state, err := m.AuthorizationURL()
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	tok, err := m.ExchangeCode(context.Background(), "code-1", state)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	return tok
}

func grant(access string, expiresIn int64) (int, any) {
	return http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
		"refresh_token": "refresh-1",
		"scope":         "openid offline_access",
		"patient":       "P1",
	}
}

func TestAuthorizationURL_PKCE(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	ts := &tokenServer{respond: func(url.Values) (int, any) { return grant("access-1", 3600) }}
	m := newTestManager(t, ts, clock, nil)

	raw, state, err := m.AuthorizationURL()
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	if m.State() != StateAuthorizing {
		t.Fatalf("expected authorizing, got %s", m.State())
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	for key, want := range map[string]string{
		"response_type":         "code",
		"client_id":             "booking-engine",
		"redirect_uri":          "http://localhost:8080/auth/callback",
		"scope":                 "openid offline_access user/Slot.write",
		"state":                 state,
		"code_challenge_method": "S256",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}

	if _, err := m.ExchangeCode(context.Background(), "code-1", state); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	form := ts.lastForm()
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code-1" {
		t.Fatalf("unexpected exchange form %v", form)
	}
	if oauth2.S256ChallengeFromVerifier(form.Get("code_verifier")) != q.Get("code_challenge") {
		t.Fatalf("code_verifier does not match the challenge")
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", m.State())
	}
}

func TestExchangeCode_StateMismatch(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ts := &tokenServer{respond: func(url.Values) (int, any) { return grant("access-1", 3600) }}
	m := newTestManager(t, ts, clock, nil)

	if _, _, err := m.AuthorizationURL(); err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	_, err := m.ExchangeCode(context.Background(), "code-1", "forged")
	if !HasCode(err, CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
	if ts.calls != 0 {
		t.Fatalf("token endpoint must not be called on state mismatch")
	}
	if _, err := m.CurrentToken(); !HasCode(err, CodeNoSession) {
		t.Fatalf("expected NO_SESSION, got %v", err)
	}
}

func TestExchangeCode_EndpointRejects(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ts := &tokenServer{respond: func(url.Values) (int, any) {
		return http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "code expired"}
	}}
	m := newTestManager(t, ts, clock, nil)

	_, state, _ := m.AuthorizationURL()
	_, err := m.ExchangeCode(context.Background(), "code-1", state)
	if !HasCode(err, CodeExchangeFailed) {
		t.Fatalf("expected EXCHANGE_FAILED, got %v", err)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", m.State())
	}
}

func TestExchangeCode_ExpiryFromJWT(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	exp := clock.now.Add(30 * time.Minute)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "practitioner-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ts := &tokenServer{respond: func(url.Values) (int, any) {
		return http.StatusOK, map[string]any{"access_token": signed, "token_type": "bearer"}
	}}
	m := newTestManager(t, ts, clock, nil)

	tok := login(t, m)
	if !tok.Expiry.Equal(exp.Truncate(time.Second)) {
		t.Fatalf("expiry = %s, want %s", tok.Expiry, exp)
	}
}

func TestRefreshIfNeeded_SingleFlight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	var n int32
	ts := &tokenServer{respond: func(form url.Values) (int, any) {
		if form.Get("grant_type") == "refresh_token" {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&n, 1)
			return http.StatusOK, map[string]any{"access_token": "access-2", "expires_in": 3600}
		}
		return grant("access-1", 120)
	}}
	m := newTestManager(t, ts, clock, nil)
	login(t, m)

	clock.Advance(10 * time.Second) // 110s left
	if tok, _ := m.RefreshIfNeeded(context.Background()); tok.AccessToken != "access-1" {
		t.Fatalf("refreshed too early")
	}
	clock.Advance(55 * time.Second) // 55s left, inside the margin

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.AccessToken(context.Background())
			if err != nil || v != "access-2" {
				t.Errorf("access token = %q, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if n != 1 {
		t.Fatalf("expected one refresh, got %d", n)
	}
	tok, _ := m.CurrentToken()
	if tok.RefreshToken != "refresh-1" || tok.Patient != "P1" {
		t.Fatalf("refresh should keep the refresh token and patient, got %+v", tok)
	}
}

func TestRefreshIfNeeded_RejectedClearsSession(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ts := &tokenServer{respond: func(form url.Values) (int, any) {
		if form.Get("grant_type") == "refresh_token" {
			return http.StatusBadRequest, map[string]string{"error": "invalid_grant"}
		}
		return grant("access-1", 30)
	}}
	store := NewMemoryTokenStore()
	m := newTestManager(t, ts, clock, store)
	login(t, m)

	_, err := m.RefreshIfNeeded(context.Background())
	if !HasCode(err, CodeRefreshFailed) {
		t.Fatalf("expected REFRESH_FAILED, got %v", err)
	}
	if m.State() != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", m.State())
	}
	if tok, _ := store.Load(context.Background()); tok != nil {
		t.Fatalf("stored token should be cleared")
	}
}

func TestRefreshIfNeeded_TransportFailureKeepsValidToken(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ts := &tokenServer{respond: func(url.Values) (int, any) { return grant("access-1", 30) }}
	srv := httptest.NewServer(ts)
	m, _ := NewManager(context.Background(), Options{
		OAuth:  config.OAuthConfig{ClientID: "c", AuthorizeURL: "https://auth.example.test/authorize", TokenURL: srv.URL},
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	login(t, m)
	srv.Close()

	tok, err := m.RefreshIfNeeded(context.Background())
	if err != nil || tok.AccessToken != "access-1" {
		t.Fatalf("expected current token, got %+v %v", tok, err)
	}

	clock.Advance(time.Minute)
	if _, err := m.RefreshIfNeeded(context.Background()); !HasCode(err, CodeRefreshFailed) {
		t.Fatalf("expired token with unreachable endpoint should fail, got %v", err)
	}
	if m.State() != StateExpired {
		t.Fatalf("expected expired, got %s", m.State())
	}
}

func TestNewManager_RestoresStoredToken(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryTokenStore()
	store.Save(context.Background(), &Token{AccessToken: "kept", Expiry: clock.now.Add(time.Hour)})

	ts := &tokenServer{respond: func(url.Values) (int, any) { return grant("unused", 3600) }}
	m := newTestManager(t, ts, clock, store)
	if m.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", m.State())
	}
	if v, err := m.AccessToken(context.Background()); err != nil || v != "kept" {
		t.Fatalf("access token = %q, %v", v, err)
	}
}

func TestExchangeCode_ClientSecretGoesInBasicAuth(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var user, pass string
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		r.ParseForm()
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, body := grant("access-1", 3600)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)

	m, err := NewManager(context.Background(), Options{
		OAuth: config.OAuthConfig{
			ClientID:     "booking-engine",
			ClientSecret: "s3cret",
			AuthorizeURL: "https://auth.example.test/authorize",
			TokenURL:     srv.URL,
			RedirectURI:  "http://localhost:8080/auth/callback",
		},
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tok := login(t, m)

	if user != "booking-engine" || pass != "s3cret" {
		t.Fatalf("basic auth = %q:%q", user, pass)
	}
	if form.Get("client_secret") != "" {
		t.Fatal("secret must not be sent in the form")
	}
	if form.Get("redirect_uri") != "http://localhost:8080/auth/callback" || form.Get("code_verifier") == "" {
		t.Fatalf("unexpected exchange form %v", form)
	}
	if tok.Patient != "P1" || len(tok.Scopes) != 2 || !tok.Expiry.Equal(clock.now.Add(time.Hour)) {
		t.Fatalf("unexpected token %+v", tok)
	}
}
