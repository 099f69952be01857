package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/domain"
)

// BootstrapTokenHeader authorizes the admin user-creation function.
const BootstrapTokenHeader = "X-Bootstrap-Token"

// ErrSessionExpired is returned when a stored session can no longer be used.
var ErrSessionExpired = errors.New("session expired")

// StateChangeFunc receives provider auth events. session is nil after
// sign-out.
type StateChangeFunc func(ctx context.Context, event domain.AuthEvent, session *domain.Session)

// AdminUserRequest is the payload of the admin user-creation function.
type AdminUserRequest struct {
	Email      string      `json:"email"`
	Password   string      `json:"password"`
	FullName   string      `json:"full_name"`
	Role       domain.Role `json:"role"`
	Department string      `json:"department,omitempty"`
}

// GoTrue is a client for a GoTrue-compatible identity provider. It holds
// the current session and notifies listeners of every transition.
type GoTrue struct {
	client  *apiclient.Client
	anonKey string
	now     func() time.Time

	mu        sync.Mutex
	session   *domain.Session
	listeners map[int]StateChangeFunc
	nextID    int
}

// NewGoTrue creates a provider client. client must point at the provider
// base URL; the anon key is sent as the apikey header on every call.
func NewGoTrue(client *apiclient.Client, anonKey string) *GoTrue {
	client.SetHeader("apikey", anonKey)
	return &GoTrue{
		client:    client,
		anonKey:   anonKey,
		now:       time.Now,
		listeners: make(map[int]StateChangeFunc),
	}
}

// OnAuthStateChange registers fn and returns a function that removes it.
func (g *GoTrue) OnAuthStateChange(fn StateChangeFunc) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++
	g.listeners[id] = fn

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
	}
}

// SignInWithPassword exchanges credentials for a session.
func (g *GoTrue) SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error) {
	var session domain.Session
	err := g.client.Post(ctx, "/auth/v1/token",
		map[string]string{"email": email, "password": password},
		&session,
		apiclient.WithQuery(url.Values{"grant_type": {"password"}}),
	)
	if err != nil {
		return nil, err
	}

	g.setSession(ctx, &session, domain.AuthSignedIn)
	return &session, nil
}

// SignUp creates an account. The session is nil when the provider
// requires email confirmation first.
func (g *GoTrue) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*domain.Session, *domain.ProviderUser, error) {
	var raw []byte
	err := g.client.Post(ctx, "/auth/v1/signup",
		map[string]any{"email": email, "password": password, "data": metadata},
		&raw,
	)
	if err != nil {
		return nil, nil, err
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, nil, fmt.Errorf("failed to decode sign-up response: %w", err)
	}
	if session.AccessToken != "" {
		g.setSession(ctx, &session, domain.AuthSignedIn)
		return &session, &session.User, nil
	}

	var user domain.ProviderUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, fmt.Errorf("failed to decode sign-up user: %w", err)
	}
	return nil, &user, nil
}

// SignOut revokes the session. The local session is cleared and
// SIGNED_OUT delivered even when the revocation call fails.
func (g *GoTrue) SignOut(ctx context.Context) error {
	token := g.AccessToken()

	var err error
	if token != "" {
		err = g.client.Post(ctx, "/auth/v1/logout", nil, nil, g.bearer(token))
	}

	g.mu.Lock()
	g.session = nil
	g.mu.Unlock()

	g.emit(ctx, domain.AuthSignedOut, nil)
	return err
}

// ResetPasswordForEmail sends a password recovery email.
func (g *GoTrue) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	var opts []apiclient.RequestOption
	if redirectTo != "" {
		opts = append(opts, apiclient.WithQuery(url.Values{"redirect_to": {redirectTo}}))
	}
	return g.client.Post(ctx, "/auth/v1/recover", map[string]string{"email": email}, nil, opts...)
}

// GetUser returns the provider user of the current session.
func (g *GoTrue) GetUser(ctx context.Context) (*domain.ProviderUser, error) {
	token := g.AccessToken()
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	var user domain.ProviderUser
	if err := g.client.Get(ctx, "/auth/v1/user", &user, g.bearer(token)); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser replaces user metadata keys and emits USER_UPDATED.
func (g *GoTrue) UpdateUser(ctx context.Context, metadata map[string]any) (*domain.ProviderUser, error) {
	token := g.AccessToken()
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	var user domain.ProviderUser
	if err := g.client.Put(ctx, "/auth/v1/user", map[string]any{"data": metadata}, &user, g.bearer(token)); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.session == nil {
		g.mu.Unlock()
		return &user, nil
	}
	g.session.User = user
	session := *g.session
	g.mu.Unlock()

	g.emit(ctx, domain.AuthUserUpdated, &session)
	return &user, nil
}

// SetSession installs a previously stored session. An expired session is
// refreshed when it carries a refresh token.
func (g *GoTrue) SetSession(ctx context.Context, session *domain.Session) error {
	if session == nil || session.AccessToken == "" {
		return fmt.Errorf("%w: session has no access token", ErrInvalidInput)
	}
	if session.Expired(g.now()) {
		if session.RefreshToken == "" {
			return ErrSessionExpired
		}
		_, err := g.refresh(ctx, session.RefreshToken)
		return err
	}

	s := *session
	g.setSession(ctx, &s, domain.AuthInitialSession)
	return nil
}

// RefreshSession exchanges the current refresh token for a new session.
func (g *GoTrue) RefreshSession(ctx context.Context) (*domain.Session, error) {
	g.mu.Lock()
	var refreshToken string
	if g.session != nil {
		refreshToken = g.session.RefreshToken
	}
	g.mu.Unlock()

	if refreshToken == "" {
		return nil, ErrNotAuthenticated
	}
	return g.refresh(ctx, refreshToken)
}

func (g *GoTrue) refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	var session domain.Session
	err := g.client.Post(ctx, "/auth/v1/token",
		map[string]string{"refresh_token": refreshToken},
		&session,
		apiclient.WithQuery(url.Values{"grant_type": {"refresh_token"}}),
	)
	if err != nil {
		return nil, err
	}

	g.setSession(ctx, &session, domain.AuthTokenRefreshed)
	return &session, nil
}

// CreateAdminUser calls the admin user-creation function.
func (g *GoTrue) CreateAdminUser(ctx context.Context, req AdminUserRequest, bootstrapToken string) (*domain.ProviderUser, error) {
	var resp struct {
		User domain.ProviderUser `json:"user"`
	}
	err := g.client.Post(ctx, "/functions/v1/create-admin-user", req, &resp,
		apiclient.WithHeader(BootstrapTokenHeader, bootstrapToken),
		g.bearer(g.anonKey),
	)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// Session returns a copy of the current session, or nil.
func (g *GoTrue) Session() *domain.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return nil
	}
	s := *g.session
	return &s
}

// AccessToken returns the current access token, or "".
func (g *GoTrue) AccessToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return ""
	}
	return g.session.AccessToken
}

func (g *GoTrue) setSession(ctx context.Context, session *domain.Session, event domain.AuthEvent) {
	if session.ExpiresAt == 0 && session.ExpiresIn > 0 {
		session.ExpiresAt = g.now().Add(time.Duration(session.ExpiresIn) * time.Second).Unix()
	}

	g.mu.Lock()
	s := *session
	g.session = &s
	g.mu.Unlock()

	g.emit(ctx, event, session)
}

// emit calls listeners outside the lock, in registration order.
func (g *GoTrue) emit(ctx context.Context, event domain.AuthEvent, session *domain.Session) {
	g.mu.Lock()
	ids := make([]int, 0, len(g.listeners))
	for id := range g.listeners {
		ids = append(ids, id)
	}
	fns := make([]StateChangeFunc, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, g.listeners[id])
	}
	g.mu.Unlock()

	slog.Debug("auth state changed", "event", event, "listeners", len(fns))

	for _, fn := range fns {
		var s *domain.Session
		if session != nil {
			c := *session
			s = &c
		}
		fn(ctx, event, s)
	}
}

func (g *GoTrue) bearer(token string) apiclient.RequestOption {
	return apiclient.WithHeader("Authorization", "Bearer "+token)
}
