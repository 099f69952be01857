package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/repository"
)

// ProfileStore reads and writes operator profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*domain.User, error)
	SaveProfile(ctx context.Context, user *domain.User) error
}

// TokenSource supplies the bearer token for provider data calls.
type TokenSource interface {
	AccessToken() string
}

// RESTProfileStore keeps profiles in the provider's "profiles" table.
type RESTProfileStore struct {
	client *apiclient.Client
	tokens TokenSource
}

// NewRESTProfileStore creates a store that authenticates with the session
// token of tokens, falling back to the client's default headers.
func NewRESTProfileStore(client *apiclient.Client, tokens TokenSource) *RESTProfileStore {
	return &RESTProfileStore{client: client, tokens: tokens}
}

func (s *RESTProfileStore) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	opts := append(s.authOptions(), apiclient.WithQuery(url.Values{
		"id":     {"eq." + userID},
		"select": {"*"},
	}))

	var rows []domain.User
	if err := s.client.Get(ctx, "/rest/v1/profiles", &rows, opts...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrProfileNotFound
	}

	user := rows[0]
	user.Role = domain.ParseRole(string(user.Role))
	return &user, nil
}

func (s *RESTProfileStore) SaveProfile(ctx context.Context, user *domain.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidInput)
	}

	row := map[string]any{
		"id":         user.ID,
		"email":      user.Email,
		"full_name":  user.FullName,
		"role":       domain.ParseRole(string(user.Role)),
		"department": user.Department,
		"phone":      user.Phone,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}

	opts := append(s.authOptions(), apiclient.WithHeader("Prefer", "resolution=merge-duplicates"))
	return s.client.Post(ctx, "/rest/v1/profiles", row, nil, opts...)
}

func (s *RESTProfileStore) authOptions() []apiclient.RequestOption {
	if s.tokens == nil {
		return nil
	}
	if token := s.tokens.AccessToken(); token != "" {
		return []apiclient.RequestOption{apiclient.WithHeader("Authorization", "Bearer "+token)}
	}
	return nil
}

// SQLProfileStore keeps profiles in the local repository.
type SQLProfileStore struct {
	repo domain.Repository
}

// NewSQLProfileStore creates a store backed by repo.
func NewSQLProfileStore(repo domain.Repository) *SQLProfileStore {
	return &SQLProfileStore{repo: repo}
}

func (s *SQLProfileStore) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.repo.GetProfile(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	return user, err
}

func (s *SQLProfileStore) SaveProfile(ctx context.Context, user *domain.User) error {
	err := s.repo.SaveProfile(ctx, user)
	if errors.Is(err, repository.ErrInvalidInput) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}
