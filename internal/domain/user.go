package domain

import (
	"strings"
	"time"
)

// Role is an authorization tier.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleAgent      Role = "agent"
	RoleAnalyst    Role = "analyst"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

var roleTiers = map[Role]int{
	RoleViewer:     1,
	RoleAgent:      2,
	RoleAnalyst:    3,
	RoleSupervisor: 4,
	RoleAdmin:      5,
}

// Tier returns the ordinal rank of the role, 0 when unknown.
func (r Role) Tier() int {
	return roleTiers[r]
}

// ParseRole normalizes a role name, defaulting to RoleViewer.
func ParseRole(s string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.Tier() == 0 {
		return RoleViewer
	}
	return r
}

// User is the local profile of an authenticated operator.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name"`
	Role       Role      `json:"role"`
	Department string    `json:"department,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// DisplayName falls back to the email when no name is set.
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// ProviderUser is the identity provider's view of a user.
type ProviderUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// MetadataString reads a string value from the user metadata.
func (u *ProviderUser) MetadataString(key string) string {
	if u.UserMetadata == nil {
		return ""
	}
	v, _ := u.UserMetadata[key].(string)
	return v
}

// Session is an authenticated provider session.
type Session struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at,omitempty"`
	User         ProviderUser `json:"user"`
}

// Expired reports whether the session expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt > 0 && now.Unix() >= s.ExpiresAt
}

// AuthEvent is an identity provider state transition.
type AuthEvent string

const (
	AuthInitialSession   AuthEvent = "INITIAL_SESSION"
	AuthSignedIn         AuthEvent = "SIGNED_IN"
	AuthSignedOut        AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed   AuthEvent = "TOKEN_REFRESHED"
	AuthUserUpdated      AuthEvent = "USER_UPDATED"
	AuthPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
)

// AuthState is the snapshot delivered to auth subscribers.
type AuthState struct {
	User  *User     `json:"user"`
	Event AuthEvent `json:"event,omitempty"`
}

// Authenticated reports whether a user is signed in.
func (s AuthState) Authenticated() bool {
	return s.User != nil
}
