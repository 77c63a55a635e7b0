package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hackgods/appointment-booking-sync/internal/config"
	"github.com/hackgods/appointment-booking-sync/internal/obs"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthorizing     State = "authorizing"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	StateExpired         State = "expired"
)

const defaultRefreshMargin = 60 * time.Second

type Options struct {
	OAuth         config.OAuthConfig
	Store         TokenStore // defaults to an in-memory store
	HTTPClient    *http.Client
	Logger        zerolog.Logger
	Metrics       *obs.Metrics
	RefreshMargin time.Duration
	Now           func() time.Time
}

// Manager owns the single OAuth session of this process.
type Manager struct {
	cfg     config.OAuthConfig
	store   TokenStore
	http    *http.Client
	logger  zerolog.Logger
	metrics *obs.Metrics
	margin  time.Duration
	now     func() time.Time
	group   singleflight.Group
	oauth   *oauth2.Config

	mu       sync.Mutex
	state    State
	token    *Token
	pending  string // state parameter of the authorization in flight
	verifier string
}

// NewManager builds a manager and restores any session kept in the store.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryTokenStore()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = defaultRefreshMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		cfg:     opts.OAuth,
		store:   opts.Store,
		http:    opts.HTTPClient,
		logger:  opts.Logger.With().Str("component", "auth").Logger(),
		metrics: opts.Metrics,
		margin:  opts.RefreshMargin,
		now:     opts.Now,
		state:   StateUnauthenticated,
		oauth:   oauthConfig(opts.OAuth),
	}

	tok, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore token: %w", err)
	}
	if tok != nil {
		m.token = tok
		m.state = StateAuthenticated
		if tok.Expired(m.now()) {
			m.state = StateExpired
		}
		m.logger.Info().Str("state", string(m.state)).Time("expiry", tok.Expiry).Msg("session restored")
	}
	return m, nil
}

func oauthConfig(c config.OAuthConfig) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if c.ClientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthorizeURL,
			TokenURL:  c.TokenURL,
			AuthStyle: style,
		},
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AuthorizationURL starts the authorization code flow. The returned state must come
// back on the callback.
func (m *Manager) AuthorizationURL() (string, string, error) {
	if !m.cfg.Enabled() {
		return "", "", &AuthError{Code: CodeNotConfigured, Message: "oauth client is not configured"}
	}
	if _, err := url.Parse(m.cfg.AuthorizeURL); err != nil {
		return "", "", fmt.Errorf("parse authorize url: %w", err)
	}
	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()
	authURL := m.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	m.mu.Lock()
	m.pending, m.verifier = state, verifier
	if m.token == nil {
		m.state = StateAuthorizing
	}
	m.mu.Unlock()
	return authURL, state, nil
}

// ExchangeCode completes the flow started by AuthorizationURL.
func (m *Manager) ExchangeCode(ctx context.Context, code, state string) (*Token, error) {
	m.mu.Lock()
	pending, verifier := m.pending, m.verifier
	if pending == "" || subtle.ConstantTimeCompare([]byte(pending), []byte(state)) != 1 {
		m.mu.Unlock()
		return nil, &AuthError{Code: CodeInvalidState, Message: "state does not match the pending authorization"}
	}
	m.pending, m.verifier = "", ""
	m.mu.Unlock()

	raw, err := m.oauth.Exchange(m.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		m.mu.Lock()
		if m.token == nil {
			m.state = StateUnauthenticated
		}
		m.mu.Unlock()
		return nil, &AuthError{Code: CodeExchangeFailed, Message: describe(err), Err: err}
	}

	tok := fromOAuth2(raw, m.now())
	m.setToken(ctx, tok)
	m.logger.Info().Time("expiry", tok.Expiry).Strs("scopes", tok.Scopes).Msg("authorization code exchanged")
	return tok, nil
}

func (m *Manager) CurrentToken() (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, &AuthError{Code: CodeNoSession, Message: "no session"}
	}
	c := *m.token
	return &c, nil
}

// RefreshIfNeeded returns a token with at least the refresh margin left, refreshing
// it first when required. Concurrent callers share one refresh.
func (m *Manager) RefreshIfNeeded(ctx context.Context) (*Token, error) {
	tok, err := m.CurrentToken()
	if err != nil {
		return nil, err
	}
	if !tok.needsRefresh(m.now(), m.margin) {
		return tok, nil
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// AccessToken yields the bearer value for outgoing requests.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	tok, err := m.RefreshIfNeeded(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Logout forgets the session.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.token = nil
	m.pending, m.verifier = "", ""
	m.state = StateUnauthenticated
	m.mu.Unlock()
	return m.store.Clear(ctx)
}

func (m *Manager) refresh(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	cur := m.token
	if cur == nil {
		m.mu.Unlock()
		return nil, &AuthError{Code: CodeNoSession, Message: "no session"}
	}
	now := m.now()
	// a flight that finished just before this one may already have renewed it
	if !cur.needsRefresh(now, m.margin) {
		c := *cur
		m.mu.Unlock()
		return &c, nil
	}
	if cur.RefreshToken == "" {
		if cur.Expired(now) {
			m.state = StateExpired
			m.mu.Unlock()
			m.clear(ctx)
			return nil, &AuthError{Code: CodeTokenExpired, Message: "token expired and no refresh token was issued"}
		}
		c := *cur
		m.mu.Unlock()
		return &c, nil
	}
	m.state = StateRefreshing
	m.mu.Unlock()

	// Without an access token the source always goes to the token endpoint.
	src := m.oauth.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
	raw, err := src.Token()
	var rejected *oauth2.RetrieveError
	switch {
	case errors.As(err, &rejected):
		m.observe("rejected")
		m.logger.Warn().Str("error", describe(err)).Msg("refresh token rejected, session cleared")
		m.mu.Lock()
		m.state = StateExpired
		m.mu.Unlock()
		m.clear(ctx)
		return nil, &AuthError{Code: CodeRefreshFailed, Message: describe(err), Err: err}

	case err != nil:
		m.observe("error")
		m.mu.Lock()
		defer m.mu.Unlock()
		if !cur.Expired(m.now()) {
			m.state = StateAuthenticated
			m.logger.Warn().Err(err).Msg("token refresh failed, current token still valid")
			c := *cur
			return &c, nil
		}
		m.state = StateExpired
		return nil, &AuthError{Code: CodeRefreshFailed, Message: "token endpoint unreachable", Err: err}
	}

	m.observe("ok")
	tok := fromOAuth2(raw, m.now())
	if tok.RefreshToken == "" {
		tok.RefreshToken = cur.RefreshToken
	}
	if tok.Patient == "" {
		tok.Patient = cur.Patient
	}
	if len(tok.Scopes) == 0 {
		tok.Scopes = cur.Scopes
	}
	m.setToken(ctx, tok)
	m.logger.Debug().Time("expiry", tok.Expiry).Msg("token refreshed")
	c := *tok
	return &c, nil
}

func (m *Manager) setToken(ctx context.Context, tok *Token) {
	m.mu.Lock()
	m.token = tok
	m.state = StateAuthenticated
	m.mu.Unlock()
	if err := m.store.Save(ctx, tok); err != nil {
		m.logger.Error().Err(err).Msg("persist token")
	}
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.token = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error().Err(err).Msg("clear stored token")
	}
}

func (m *Manager) observe(result string) {
	if m.metrics != nil {
		m.metrics.TokenRefresh.WithLabelValues(result).Inc()
	}
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.http)
}

func describe(err error) string {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return "token endpoint unreachable"
	}
	switch {
	case re.ErrorCode != "" && re.ErrorDescription != "":
		return re.ErrorCode + ": " + re.ErrorDescription
	case re.ErrorCode != "":
		return re.ErrorCode
	case re.Response != nil:
		return fmt.Sprintf("token endpoint returned %d", re.Response.StatusCode)
	}
	return "token endpoint rejected the request"
}
