// Package auth bridges the hosted identity provider to the operator
// session: sign-in flows, profile loading, role checks and auth state
// notifications.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/repository"
)

// DefaultSessionKey is the repository key of the persisted session.
const DefaultSessionKey = "seenpredyct.session"

// IdentityProvider is the subset of the provider client used by Service.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*domain.Session, *domain.ProviderUser, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	UpdateUser(ctx context.Context, metadata map[string]any) (*domain.ProviderUser, error)
	SetSession(ctx context.Context, session *domain.Session) error
	CreateAdminUser(ctx context.Context, req AdminUserRequest, bootstrapToken string) (*domain.ProviderUser, error)
	OnAuthStateChange(fn StateChangeFunc) func()
}

// TokenHolder receives the access token of the current session.
type TokenHolder interface {
	SetAuthToken(token string)
	RemoveAuthToken()
}

// SessionStore persists the operator session between runs.
type SessionStore interface {
	SaveSession(ctx context.Context, key string, session *domain.Session) error
	GetSession(ctx context.Context, key string) (*domain.Session, error)
	DeleteSession(ctx context.Context, key string) error
}

// Credentials are the sign-in inputs.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest are the sign-up inputs.
type RegisterRequest struct {
	Email      string      `json:"email"`
	Password   string      `json:"password"`
	FullName   string      `json:"full_name"`
	Role       domain.Role `json:"role,omitempty"`
	Department string      `json:"department,omitempty"`
	Phone      string      `json:"phone,omitempty"`
}

// ProfileUpdate changes the fields that are set. Role is not editable.
type ProfileUpdate struct {
	FullName   *string `json:"full_name,omitempty"`
	Department *string `json:"department,omitempty"`
	Phone      *string `json:"phone,omitempty"`
}

// Listener receives auth state snapshots.
type Listener func(domain.AuthState)

// Option configures a Service.
type Option func(*Service)

// WithSessionStore persists sessions under key.
func WithSessionStore(store SessionStore, key string) Option {
	return func(s *Service) {
		s.sessions = store
		if key != "" {
			s.sessionKey = key
		}
	}
}

// WithEventBus publishes state changes on TopicAuthStateChanged.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithRedirectURL sets the link target of password recovery emails.
func WithRedirectURL(u string) Option {
	return func(s *Service) { s.redirectURL = u }
}

// Service tracks the signed-in operator.
type Service struct {
	provider IdentityProvider
	profiles ProfileStore
	tokens   TokenHolder

	sessions    SessionStore
	sessionKey  string
	bus         domain.EventBus
	redirectURL string

	mu        sync.Mutex
	user      *domain.User
	event     domain.AuthEvent
	listeners map[int]Listener
	nextID    int

	// pending holds notifications in the order they were produced. One
	// caller at a time drains it, with mu released while listeners run.
	pending    []delivery
	delivering bool

	unsubscribe func()
}

// NewService wires a Service to the provider's state stream. tokens is
// typically the shared ML API client.
func NewService(provider IdentityProvider, profiles ProfileStore, tokens TokenHolder, opts ...Option) *Service {
	s := &Service{
		provider:   provider,
		profiles:   profiles,
		tokens:     tokens,
		sessionKey: DefaultSessionKey,
		listeners:  make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = provider.OnAuthStateChange(s.handleAuthChange)
	return s
}

// Close detaches the service from the provider.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Login signs in with email and password.
func (s *Service) Login(ctx context.Context, creds Credentials) (*domain.User, error) {
	email := strings.TrimSpace(creds.Email)
	if email == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	session, err := s.provider.SignInWithPassword(ctx, email, creds.Password)
	if err != nil {
		slog.Warn("login failed", "email", email, "error", err)
		return nil, translate(err)
	}

	if user := s.CurrentUser(); user != nil {
		return user, nil
	}
	return s.loadUser(ctx, session.User), nil
}

// Register creates an account, stores its profile and signs it in when
// the provider allows it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	role := domain.ParseRole(string(req.Role))

	metadata := map[string]any{
		"full_name":  req.FullName,
		"role":       string(role),
		"department": req.Department,
		"phone":      req.Phone,
	}

	session, providerUser, err := s.provider.SignUp(ctx, email, req.Password, metadata)
	if err != nil {
		slog.Warn("registration failed", "email", email, "error", err)
		return nil, translate(err)
	}

	profile := &domain.User{
		ID:         providerUser.ID,
		Email:      email,
		FullName:   req.FullName,
		Role:       role,
		Department: req.Department,
		Phone:      req.Phone,
	}
	if err := s.profiles.SaveProfile(ctx, profile); err != nil {
		slog.Warn("failed to store profile", "user_id", profile.ID, "error", err)
	}

	if session == nil {
		if _, err := s.provider.SignInWithPassword(ctx, email, req.Password); err != nil {
			if isEmailNotConfirmed(err) {
				return nil, translate(err)
			}
			slog.Info("auto sign-in after registration failed", "email", email, "error", err)
		}
	}

	if user := s.CurrentUser(); user != nil && user.ID == profile.ID {
		return user, nil
	}
	return profile, nil
}

// Logout ends the session. Local state is cleared even when the
// provider call fails.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.provider.SignOut(ctx); err != nil {
		slog.Warn("logout failed", "error", err)
		return translate(err)
	}
	return nil
}

// ResetPassword sends a password recovery email.
func (s *Service) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if err := s.provider.ResetPasswordForEmail(ctx, email, s.redirectURL); err != nil {
		return translate(err)
	}
	return nil
}

// UpdateProfile saves the changed fields of the current operator profile.
func (s *Service) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*domain.User, error) {
	current := s.CurrentUser()
	if current == nil {
		return nil, ErrNotAuthenticated
	}

	updated := *current
	if upd.FullName != nil {
		updated.FullName = strings.TrimSpace(*upd.FullName)
	}
	if upd.Department != nil {
		updated.Department = strings.TrimSpace(*upd.Department)
	}
	if upd.Phone != nil {
		updated.Phone = strings.TrimSpace(*upd.Phone)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := s.profiles.SaveProfile(ctx, &updated); err != nil {
		return nil, translate(err)
	}

	// The provider emits USER_UPDATED, which reloads the stored profile.
	_, err := s.provider.UpdateUser(ctx, map[string]any{
		"full_name":  updated.FullName,
		"department": updated.Department,
		"phone":      updated.Phone,
	})
	if err != nil {
		slog.Warn("failed to sync provider metadata", "user_id", updated.ID, "error", err)
		s.setState(ctx, &updated, domain.AuthUserUpdated)
	}

	if user := s.CurrentUser(); user != nil {
		return user, nil
	}
	return &updated, nil
}

// HasPermission reports whether the current operator's tier is at least
// required.
func (s *Service) HasPermission(required domain.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil || required.Tier() == 0 {
		return false
	}
	return s.user.Role.Tier() >= required.Tier()
}

// RequireRole is HasPermission as an error.
func (s *Service) RequireRole(required domain.Role) error {
	if s.CurrentUser() == nil {
		return ErrNotAuthenticated
	}
	if !s.HasPermission(required) {
		return fmt.Errorf("%w: %s required", ErrForbidden, required)
	}
	return nil
}

// CurrentUser returns a copy of the signed-in operator, or nil.
func (s *Service) CurrentUser() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// State returns the current auth snapshot.
func (s *Service) State() domain.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers l and delivers the current state to it before
// returning, ahead of any later change. Listeners may call Login,
// Logout, UpdateProfile and the other state-changing methods; the
// resulting notifications are delivered after the listener returns.
// Listeners must not call Subscribe.
func (s *Service) Subscribe(l Listener) func() {
	done := make(chan struct{})

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.pending = append(s.pending, delivery{state: s.snapshotLocked(), targets: []int{id}, done: done})
	s.mu.Unlock()

	s.drain()
	<-done

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Restore reinstalls the persisted session, if any. A missing or
// unusable session leaves the operator signed out.
func (s *Service) Restore(ctx context.Context) error {
	if s.sessions == nil {
		s.setState(ctx, nil, domain.AuthInitialSession)
		return nil
	}

	session, err := s.sessions.GetSession(ctx, s.sessionKey)
	if errors.Is(err, repository.ErrNotFound) {
		s.setState(ctx, nil, domain.AuthInitialSession)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if err := s.provider.SetSession(ctx, session); err != nil {
		slog.Info("stored session could not be restored", "error", err)
		if err := s.sessions.DeleteSession(ctx, s.sessionKey); err != nil {
			slog.Warn("failed to delete stale session", "error", err)
		}
		s.setState(ctx, nil, domain.AuthInitialSession)
	}
	return nil
}

// CreateAdminUser provisions an account through the bootstrap function.
func (s *Service) CreateAdminUser(ctx context.Context, req AdminUserRequest, bootstrapToken string) (*domain.ProviderUser, error) {
	if bootstrapToken == "" {
		return nil, ErrBootstrapToken
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	if req.Role == "" {
		req.Role = domain.RoleAdmin
	}
	req.Role = domain.ParseRole(string(req.Role))

	user, err := s.provider.CreateAdminUser(ctx, req, bootstrapToken)
	if err != nil {
		return nil, translate(err)
	}
	slog.Info("admin user created", "user_id", user.ID, "role", req.Role)
	return user, nil
}

func (s *Service) handleAuthChange(ctx context.Context, event domain.AuthEvent, session *domain.Session) {
	switch event {
	case domain.AuthSignedIn, domain.AuthInitialSession, domain.AuthTokenRefreshed, domain.AuthUserUpdated:
		if session == nil {
			s.setState(ctx, nil, event)
			return
		}
		user := s.loadUser(ctx, session.User)
		s.tokens.SetAuthToken(session.AccessToken)
		if s.sessions != nil {
			if err := s.sessions.SaveSession(ctx, s.sessionKey, session); err != nil {
				slog.Warn("failed to persist session", "error", err)
			}
		}
		s.setState(ctx, user, event)

	case domain.AuthSignedOut:
		s.tokens.RemoveAuthToken()
		if s.sessions != nil {
			if err := s.sessions.DeleteSession(ctx, s.sessionKey); err != nil {
				slog.Warn("failed to delete session", "error", err)
			}
		}
		s.setState(ctx, nil, event)

	default:
		s.setState(ctx, s.CurrentUser(), event)
	}
}

// loadUser fetches the stored profile, falling back to the provider
// metadata when it is unavailable.
func (s *Service) loadUser(ctx context.Context, pu domain.ProviderUser) *domain.User {
	profile, err := s.profiles.GetProfile(ctx, pu.ID)
	if err == nil {
		if profile.Email == "" {
			profile.Email = pu.Email
		}
		return profile
	}
	if !errors.Is(err, ErrProfileNotFound) {
		slog.Warn("failed to load profile", "user_id", pu.ID, "error", err)
	}

	return &domain.User{
		ID:         pu.ID,
		Email:      pu.Email,
		FullName:   pu.MetadataString("full_name"),
		Role:       domain.ParseRole(pu.MetadataString("role")),
		Department: pu.MetadataString("department"),
		Phone:      pu.MetadataString("phone"),
		CreatedAt:  pu.CreatedAt,
	}
}

// delivery is one notification and the listeners registered when it was
// produced.
type delivery struct {
	state   domain.AuthState
	targets []int
	done    chan struct{}
}

func (s *Service) setState(ctx context.Context, user *domain.User, event domain.AuthEvent) {
	s.mu.Lock()
	if user != nil {
		u := *user
		s.user = &u
	} else {
		s.user = nil
	}
	s.event = event
	state := s.snapshotLocked()

	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	s.pending = append(s.pending, delivery{state: state, targets: ids})
	s.mu.Unlock()

	s.drain()
	s.publish(ctx, state)
}

// drain delivers pending notifications unless another caller, possibly
// a listener further up this stack, is already doing so.
func (s *Service) drain() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true

	for len(s.pending) > 0 {
		d := s.pending[0]
		s.pending = s.pending[1:]

		for _, id := range d.targets {
			l, ok := s.listeners[id]
			if !ok {
				continue
			}
			s.mu.Unlock()
			l(d.state)
			s.mu.Lock()
		}
		if d.done != nil {
			close(d.done)
		}
	}

	s.delivering = false
	s.mu.Unlock()
}

func (s *Service) snapshotLocked() domain.AuthState {
	state := domain.AuthState{Event: s.event}
	if s.user != nil {
		u := *s.user
		state.User = &u
	}
	return state
}

type stateChangedEvent struct {
	Event  domain.AuthEvent `json:"event"`
	UserID string           `json:"userId,omitempty"`
	Role   domain.Role      `json:"role,omitempty"`
}

func (s *Service) publish(ctx context.Context, state domain.AuthState) {
	if s.bus == nil {
		return
	}
	evt := stateChangedEvent{Event: state.Event}
	if state.User != nil {
		evt.UserID = state.User.ID
		evt.Role = state.User.Role
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicAuthStateChanged, payload); err != nil {
		slog.Warn("failed to publish auth state", "event", state.Event, "error", err)
	}
}
