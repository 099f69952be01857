package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/repository"
)

const (
	testAnonKey        = "anon-key"
	testBootstrapToken = "bootstrap-secret"
)

type fakeAccount struct {
	user      domain.ProviderUser
	password  string
	confirmed bool
}

// fakeProvider is an in-memory GoTrue/PostgREST server.
type fakeProvider struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount
	tokens   map[string]string
	profiles map[string]domain.User
	nextID   int

	// signupSession makes sign-up return a session directly.
	signupSession bool
	// requireConfirmation leaves new accounts unconfirmed.
	requireConfirmation bool
	// failPasswordGrant answers password grants with a 500.
	failPasswordGrant bool

	logouts    int
	recoveries []string
}

func newFakeProvider(t *testing.T) (*fakeProvider, *httptest.Server) {
	t.Helper()
	f := &fakeProvider{
		accounts: make(map[string]*fakeAccount),
		tokens:   make(map[string]string),
		profiles: make(map[string]domain.User),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", f.token)
	mux.HandleFunc("POST /auth/v1/signup", f.signup)
	mux.HandleFunc("POST /auth/v1/logout", f.logout)
	mux.HandleFunc("POST /auth/v1/recover", f.recover)
	mux.HandleFunc("GET /auth/v1/user", f.getUser)
	mux.HandleFunc("PUT /auth/v1/user", f.updateUser)
	mux.HandleFunc("GET /rest/v1/profiles", f.getProfiles)
	mux.HandleFunc("POST /rest/v1/profiles", f.upsertProfile)
	mux.HandleFunc("POST /functions/v1/create-admin-user", f.createAdmin)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != testAnonKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid API key"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

// addAccount registers a confirmed account with a stored profile.
func (f *fakeProvider) addAccount(email, password string, role domain.Role) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "user-" + string(rune('0'+f.nextID))
	f.accounts[email] = &fakeAccount{
		user:      domain.ProviderUser{ID: id, Email: email, CreatedAt: time.Now().UTC()},
		password:  password,
		confirmed: true,
	}
	f.profiles[id] = domain.User{ID: id, Email: email, FullName: "Awa Diop", Role: role}
	return id
}

func (f *fakeProvider) session(acc *fakeAccount) domain.Session {
	token := "access-" + acc.user.ID + "-" + time.Now().Format("150405.000000000")
	f.tokens[token] = acc.user.Email
	return domain.Session{
		AccessToken:  token,
		RefreshToken: "refresh-" + acc.user.ID,
		TokenType:    "bearer",
		ExpiresIn:    3600,
		User:         acc.user,
	}
}

func (f *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Query().Get("grant_type") {
	case "password":
		if f.failPasswordGrant {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "database unavailable"})
			return
		}
		acc, ok := f.accounts[body["email"]]
		if !ok || acc.password != body["password"] {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials",
			})
			return
		}
		if !acc.confirmed {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"code": 400, "error_code": "email_not_confirmed", "msg": "Email not confirmed",
			})
			return
		}
		writeJSON(w, http.StatusOK, f.session(acc))

	case "refresh_token":
		for _, acc := range f.accounts {
			if "refresh-"+acc.user.ID == body["refresh_token"] {
				writeJSON(w, http.StatusOK, f.session(acc))
				return
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"msg": "Invalid Refresh Token"})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"msg": "unsupported grant type"})
	}
}

func (f *fakeProvider) signup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string         `json:"email"`
		Password string         `json:"password"`
		Data     map[string]any `json:"data"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.accounts[body.Email]; exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"msg": "User already registered"})
		return
	}
	if len(body.Password) < 6 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"msg": "Password should be at least 6 characters"})
		return
	}

	f.nextID++
	acc := &fakeAccount{
		user: domain.ProviderUser{
			ID:           "user-" + string(rune('0'+f.nextID)),
			Email:        body.Email,
			UserMetadata: body.Data,
			CreatedAt:    time.Now().UTC(),
		},
		password:  body.Password,
		confirmed: !f.requireConfirmation,
	}
	f.accounts[body.Email] = acc

	if f.signupSession {
		writeJSON(w, http.StatusOK, f.session(acc))
		return
	}
	writeJSON(w, http.StatusOK, acc.user)
}

func (f *fakeProvider) bearerEmail(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	defer f.mu.Unlock()
	email, ok := f.tokens[token]
	return email, ok
}

func (f *fakeProvider) logout(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.bearerEmail(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"msg": "invalid JWT"})
		return
	}
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeProvider) recover(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.recoveries = append(f.recoveries, body["email"]+"|"+r.URL.Query().Get("redirect_to"))
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeProvider) getUser(w http.ResponseWriter, r *http.Request) {
	email, ok := f.bearerEmail(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"msg": "invalid JWT"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.accounts[email].user)
}

func (f *fakeProvider) updateUser(w http.ResponseWriter, r *http.Request) {
	email, ok := f.bearerEmail(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"msg": "invalid JWT"})
		return
	}
	var body struct {
		Data map[string]any `json:"data"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.accounts[email]
	if acc.user.UserMetadata == nil {
		acc.user.UserMetadata = make(map[string]any)
	}
	for k, v := range body.Data {
		acc.user.UserMetadata[k] = v
	}
	writeJSON(w, http.StatusOK, acc.user)
}

func (f *fakeProvider) getProfiles(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := []domain.User{}
	if p, ok := f.profiles[id]; ok {
		rows = append(rows, p)
	}
	writeJSON(w, http.StatusOK, rows)
}

func (f *fakeProvider) upsertProfile(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.bearerEmail(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "JWT required"})
		return
	}
	if r.Header.Get("Prefer") != "resolution=merge-duplicates" {
		writeJSON(w, http.StatusConflict, map[string]any{"message": "duplicate key"})
		return
	}
	var row domain.User
	json.NewDecoder(r.Body).Decode(&row)
	f.mu.Lock()
	f.profiles[row.ID] = row
	f.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeProvider) createAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(BootstrapTokenHeader) != testBootstrapToken {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid bootstrap token"})
		return
	}
	var req AdminUserRequest
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	user := domain.ProviderUser{ID: "user-" + string(rune('0'+f.nextID)), Email: req.Email, CreatedAt: time.Now().UTC()}
	f.accounts[req.Email] = &fakeAccount{user: user, password: req.Password, confirmed: true}
	f.profiles[user.ID] = domain.User{ID: user.ID, Email: req.Email, FullName: req.FullName, Role: req.Role}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (f *fakeProvider) profile(id string) (domain.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	return p, ok
}

func (f *fakeProvider) set(fn func(*fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeProvider) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

func (f *fakeProvider) recoveryRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recoveries...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newProviderClient(baseURL string) *apiclient.Client {
	return apiclient.New(apiclient.Config{BaseURL: baseURL, Timeout: 2 * time.Second, MaxAttempts: 1})
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "auth.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

type testEnv struct {
	fake    *fakeProvider
	gotrue  *GoTrue
	ml      *apiclient.Client
	repo    domain.Repository
	service *Service
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	fake, srv := newFakeProvider(t)
	repo := newTestRepo(t)
	return newTestEnvWith(t, fake, srv.URL, repo, opts...)
}

func newTestEnvWith(t *testing.T, fake *fakeProvider, url string, repo domain.Repository, opts ...Option) *testEnv {
	t.Helper()
	client := newProviderClient(url)
	gotrue := NewGoTrue(client, testAnonKey)
	ml := apiclient.New(apiclient.Config{BaseURL: "http://ml.invalid"})
	profiles := NewRESTProfileStore(client, gotrue)

	opts = append([]Option{WithSessionStore(repo, "")}, opts...)
	svc := NewService(gotrue, profiles, ml, opts...)
	t.Cleanup(svc.Close)

	return &testEnv{fake: fake, gotrue: gotrue, ml: ml, repo: repo, service: svc}
}
