// Package auth keeps a short-lived bearer token for outgoing requests and
// renews it by logging in again with the saved credentials.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/MustafaHasria/fetchkit"
)

// TokenValidity is how long a saved token may be sent.
const TokenValidity = 60 * time.Second

// LoginPath is the endpoint that issues tokens. Requests to it are never authenticated.
const LoginPath = "auth/login"

var (
	// ErrNoCredentials is returned when a token must be renewed but no credentials were saved.
	ErrNoCredentials = errors.New("auth: no saved credentials")

	// ErrEmptyToken is returned when the login endpoint answers without a token.
	ErrEmptyToken = errors.New("auth: empty token")
)

// RefreshFunc obtains a new token for creds, normally by calling the login endpoint.
type RefreshFunc func(ctx context.Context, creds Credentials) (string, error)

// Manager decides which token, if any, accompanies a request. Concurrent
// requests that find the token expired share a single refresh.
type Manager struct {
	store           CredentialStore
	refresh         RefreshFunc
	validity        time.Duration
	now             func() time.Time
	group           singleflight.Group
	onRefreshFailed func(error)
	logger          fetchkit.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore replaces the in-memory credential store.
func WithStore(store CredentialStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.store = store
		}
	}
}

// WithValidity overrides TokenValidity.
func WithValidity(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.validity = d
		}
	}
}

// WithClock sets the time source used for token age.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRefreshFailed registers a callback for a failed refresh. The session
// has already been cleared when it runs.
func WithRefreshFailed(fn func(error)) Option {
	return func(m *Manager) {
		m.onRefreshFailed = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger fetchkit.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager that renews tokens with refresh.
func NewManager(refresh RefreshFunc, options ...Option) *Manager {
	m := &Manager{
		store:    NewMemoryStore(),
		refresh:  refresh,
		validity: TokenValidity,
		now:      time.Now,
		logger:   fetchkit.NopLogger(),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// SaveToken stores token with the current time. An empty token is ignored.
func (m *Manager) SaveToken(token string) {
	if token == "" {
		m.logger.Warn("Ignoring empty token")
		return
	}
	m.store.SaveToken(Token{Value: token, SavedAt: m.now()})
}

// SaveCredentials keeps creds for later refreshes.
func (m *Manager) SaveCredentials(creds Credentials) {
	m.store.SaveCredentials(creds)
}

// Token returns the saved token while it is still valid.
func (m *Manager) Token() (string, bool) {
	token, ok := m.store.Token()
	if !ok || m.expired(token) {
		return "", false
	}
	return token.Value, true
}

// Expired reports whether there is no token that may be sent.
func (m *Manager) Expired() bool {
	_, ok := m.Token()
	return !ok
}

// LoggedIn reports whether a valid token is held.
func (m *Manager) LoggedIn() bool {
	return !m.Expired()
}

// Clear forgets the token and the credentials.
func (m *Manager) Clear() {
	m.store.Clear()
}

func (m *Manager) expired(token Token) bool {
	return m.now().Sub(token.SavedAt) >= m.validity
}

// ValidToken returns a token that may be sent, refreshing it first when it
// has expired. Without saved credentials it returns ErrNoCredentials and the
// session is left alone. A failed refresh clears the session.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	if token, ok := m.Token(); ok {
		return token, nil
	}
	if _, ok := m.store.Credentials(); !ok {
		return "", ErrNoCredentials
	}

	results := m.group.DoChan("refresh", func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	// A refresh that finished just before this one started already did the work.
	if token, ok := m.Token(); ok {
		return token, nil
	}
	creds, ok := m.store.Credentials()
	if !ok {
		return "", ErrNoCredentials
	}
	if m.refresh == nil {
		return "", m.refreshFailed(errors.New("auth: no refresh function"))
	}

	m.logger.Debug("Refreshing token", "username", creds.Username)
	token, err := m.refresh(ctx, creds)
	if err == nil && token == "" {
		err = ErrEmptyToken
	}
	if err != nil {
		return "", m.refreshFailed(err)
	}
	m.SaveToken(token)
	m.logger.Debug("Token refreshed", "username", creds.Username)
	return token, nil
}

func (m *Manager) refreshFailed(err error) error {
	err = errors.Wrap(err, "refresh token")
	m.logger.Error("Token refresh failed, clearing session", "error", err.Error())
	m.store.Clear()
	if m.onRefreshFailed != nil {
		m.onRefreshFailed(err)
	}
	return err
}

// Authorize is a fetchkit.RequestHook that sets "Authorization: Bearer <token>"
// on every request except the login request, refreshing the token first when
// it has expired. It runs before the request takes a transport slot. When no
// valid token can be obtained the request goes out without the header.
func (m *Manager) Authorize(req *http.Request) error {
	if IsLoginRequest(req) {
		return nil
	}

	req.Header.Del("Authorization")
	token, err := m.ValidToken(req.Context())
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, ErrNoCredentials) {
			m.logger.Warn("Sending request without token", "url", req.URL.String(), "error", err.Error())
		}
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// IsLoginRequest reports whether req targets the login endpoint.
func IsLoginRequest(req *http.Request) bool {
	return req.URL != nil && strings.Contains(req.URL.Path, "/"+LoginPath)
}
