package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/bus"
	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/repository"
)

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadsProfileAndSetsToken", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.fake.addAccount("awa@police.sn", "secret123", domain.RoleAnalyst)

		user, err := env.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "secret123"})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if user.ID != id || user.Role != domain.RoleAnalyst || user.FullName != "Awa Diop" {
			t.Errorf("unexpected user: %+v", user)
		}

		if env.ml.AuthToken() == "" || env.ml.AuthToken() != env.gotrue.AccessToken() {
			t.Errorf("expected ML client to carry the session token, got %q", env.ml.AuthToken())
		}

		stored, err := env.repo.GetSession(ctx, DefaultSessionKey)
		if err != nil {
			t.Fatalf("expected persisted session: %v", err)
		}
		if stored.AccessToken != env.gotrue.AccessToken() {
			t.Error("persisted session does not match current session")
		}
		if stored.ExpiresAt == 0 {
			t.Error("expected ExpiresAt derived from expires_in")
		}

		if !env.service.HasPermission(domain.RoleAgent) || !env.service.HasPermission(domain.RoleAnalyst) {
			t.Error("analyst should have agent and analyst permissions")
		}
		if env.service.HasPermission(domain.RoleSupervisor) {
			t.Error("analyst should not have supervisor permission")
		}
	})

	t.Run("FallsBackToProviderMetadata", func(t *testing.T) {
		env := newTestEnv(t)
		if _, _, err := env.gotrue.SignUp(ctx, "moussa@police.sn", "secret123", map[string]any{
			"full_name": "Moussa Ndiaye",
			"role":      "supervisor",
		}); err != nil {
			t.Fatalf("SignUp failed: %v", err)
		}

		user, err := env.service.Login(ctx, Credentials{Email: "moussa@police.sn", Password: "secret123"})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if user.FullName != "Moussa Ndiaye" || user.Role != domain.RoleSupervisor {
			t.Errorf("expected profile from metadata, got %+v", user)
		}
	})

	t.Run("TranslatesInvalidCredentials", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.addAccount("awa@police.sn", "secret123", domain.RoleAgent)

		_, err := env.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "wrong"})
		if err == nil {
			t.Fatal("expected error")
		}
		if err.Error() != "Email ou mot de passe incorrect" {
			t.Errorf("expected translated message, got %q", err.Error())
		}
		var apiErr *apiclient.APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Code != "invalid_credentials" {
			t.Errorf("expected status and code to be kept, got %+v", apiErr)
		}
		if env.service.CurrentUser() != nil {
			t.Error("expected no current user")
		}
	})

	t.Run("UnreachableProvider", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		env := newTestEnvWith(t, nil, url, newTestRepo(t))
		_, err := env.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "secret123"})
		if !apiclient.IsNetworkError(err) {
			t.Fatalf("expected NETWORK_ERROR, got %v", err)
		}
		if apiclient.StatusOf(err) != 0 {
			t.Errorf("expected status 0, got %d", apiclient.StatusOf(err))
		}
	})

	t.Run("RequiresCredentials", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.service.Login(ctx, Credentials{Email: "  "})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	req := RegisterRequest{
		Email:      "fatou@police.sn",
		Password:   "secret123",
		FullName:   "Fatou Sow",
		Role:       domain.RoleAgent,
		Department: "Commissariat de Pikine",
	}

	t.Run("SessionReturned", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.set(func(f *fakeProvider) { f.signupSession = true })

		user, err := env.service.Register(ctx, req)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if user.Email != req.Email || user.Role != domain.RoleAgent {
			t.Errorf("unexpected user: %+v", user)
		}
		if env.service.CurrentUser() == nil {
			t.Error("expected operator to be signed in")
		}
		if p, ok := env.fake.profile(user.ID); !ok || p.Department != req.Department {
			t.Errorf("expected stored profile, got %+v", p)
		}
	})

	t.Run("AutoSignIn", func(t *testing.T) {
		env := newTestEnv(t)

		user, err := env.service.Register(ctx, req)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		current := env.service.CurrentUser()
		if current == nil || current.ID != user.ID {
			t.Fatalf("expected auto sign-in, got %+v", current)
		}
		if current.FullName != req.FullName {
			t.Errorf("expected name from metadata, got %q", current.FullName)
		}
	})

	t.Run("EmailNotConfirmedPropagates", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.set(func(f *fakeProvider) { f.requireConfirmation = true })

		_, err := env.service.Register(ctx, req)
		if err == nil {
			t.Fatal("expected error")
		}
		if err.Error() != "Veuillez confirmer votre adresse email avant de vous connecter" {
			t.Errorf("expected translated confirmation message, got %q", err.Error())
		}
	})

	t.Run("OtherAutoSignInErrorsSuppressed", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.set(func(f *fakeProvider) { f.failPasswordGrant = true })

		user, err := env.service.Register(ctx, req)
		if err != nil {
			t.Fatalf("expected suppressed error, got %v", err)
		}
		if user == nil || user.Email != req.Email {
			t.Errorf("expected registered profile, got %+v", user)
		}
		if env.service.CurrentUser() != nil {
			t.Error("expected operator to stay signed out")
		}
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.addAccount(req.Email, "other123", domain.RoleViewer)

		_, err := env.service.Register(ctx, req)
		if err == nil || err.Error() != "Un compte existe déjà avec cet email" {
			t.Errorf("expected translated duplicate error, got %v", err)
		}
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.addAccount("awa@police.sn", "secret123", domain.RoleAgent)

	if _, err := env.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "secret123"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := env.service.Logout(ctx); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if env.service.CurrentUser() != nil {
		t.Error("expected no current user")
	}
	if env.ml.AuthToken() != "" {
		t.Error("expected token to be removed from ML client")
	}
	if _, err := env.repo.GetSession(ctx, DefaultSessionKey); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected session to be deleted, got %v", err)
	}
	if n := env.fake.logoutCount(); n != 1 {
		t.Errorf("expected 1 provider logout, got %d", n)
	}
	if env.service.HasPermission(domain.RoleViewer) {
		t.Error("signed-out operator should have no permission")
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.addAccount("awa@police.sn", "secret123", domain.RoleAgent)

	var mu sync.Mutex
	var states []domain.AuthState
	unsubscribe := env.service.Subscribe(func(s domain.AuthState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	mu.Lock()
	if len(states) != 1 || states[0].Authenticated() {
		t.Fatalf("expected synchronous unauthenticated replay, got %+v", states)
	}
	mu.Unlock()

	if _, err := env.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "secret123"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	mu.Lock()
	last := states[len(states)-1]
	mu.Unlock()
	if !last.Authenticated() || last.Event != domain.AuthSignedIn {
		t.Errorf("expected SIGNED_IN state, got %+v", last)
	}

	t.Run("ReplayAfterSignIn", func(t *testing.T) {
		var replayed domain.AuthState
		unsub := env.service.Subscribe(func(s domain.AuthState) { replayed = s })
		defer unsub()
		if replayed.User == nil || replayed.User.Email != "awa@police.sn" {
			t.Errorf("expected replay of signed-in user, got %+v", replayed)
		}
	})

	unsubscribe()
	mu.Lock()
	count := len(states)
	mu.Unlock()

	if err := env.service.Logout(ctx); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != count {
		t.Errorf("expected no delivery after unsubscribe, got %d states", len(states)-count)
	}
}

func TestListenerChangesState(t *testing.T) {
	ctx := context.Background()

	t.Run("LogoutOnViewerSignIn", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.addAccount("guest@police.sn", "secret123", domain.RoleViewer)

		var mu sync.Mutex
		var events []domain.AuthEvent
		var logoutErr error
		env.service.Subscribe(func(s domain.AuthState) {
			mu.Lock()
			events = append(events, s.Event)
			mu.Unlock()
			if s.Event == domain.AuthSignedIn && s.User != nil && s.User.Role == domain.RoleViewer {
				logoutErr = env.service.Logout(ctx)
			}
		})

		done := make(chan error, 1)
		go func() {
			_, err := env.service.Login(ctx, Credentials{Email: "guest@police.sn", Password: "secret123"})
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Login failed: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("Login did not return while a listener signed the operator out")
		}

		if logoutErr != nil {
			t.Errorf("Logout from listener failed: %v", logoutErr)
		}
		if env.service.CurrentUser() != nil {
			t.Error("expected operator to be signed out")
		}

		mu.Lock()
		defer mu.Unlock()
		want := []domain.AuthEvent{domain.AuthInitialSession, domain.AuthSignedIn, domain.AuthSignedOut}
		if len(events) < len(want) {
			t.Fatalf("expected events %v, got %v", want, events)
		}
		if events[1] != domain.AuthSignedIn || events[len(events)-1] != domain.AuthSignedOut {
			t.Errorf("expected SIGNED_IN before SIGNED_OUT, got %v", events)
		}
	})

	t.Run("LaterListenersSeeOrderedStates", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.addAccount("guest@police.sn", "secret123", domain.RoleViewer)

		env.service.Subscribe(func(s domain.AuthState) {
			if s.Event == domain.AuthSignedIn {
				env.service.Logout(ctx)
			}
		})
		var seen []domain.AuthEvent
		env.service.Subscribe(func(s domain.AuthState) { seen = append(seen, s.Event) })

		if _, err := env.service.Login(ctx, Credentials{Email: "guest@police.sn", Password: "secret123"}); err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if len(seen) != 3 || seen[1] != domain.AuthSignedIn || seen[2] != domain.AuthSignedOut {
			t.Errorf("expected replay, SIGNED_IN, SIGNED_OUT in order, got %v", seen)
		}
	})
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	fake, srv := newFakeProvider(t)
	repo := newTestRepo(t)
	fake.addAccount("awa@police.sn", "secret123", domain.RoleSupervisor)

	first := newTestEnvWith(t, fake, srv.URL, repo)
	if _, err := first.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "secret123"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	first.service.Close()

	t.Run("ValidSession", func(t *testing.T) {
		second := newTestEnvWith(t, fake, srv.URL, repo)
		if err := second.service.Restore(ctx); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		state := second.service.State()
		if !state.Authenticated() || state.Event != domain.AuthInitialSession {
			t.Errorf("expected INITIAL_SESSION with user, got %+v", state)
		}
		if second.ml.AuthToken() == "" {
			t.Error("expected restored token on ML client")
		}
	})

	t.Run("ExpiredSessionRefreshed", func(t *testing.T) {
		stored, err := repo.GetSession(ctx, DefaultSessionKey)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		stored.ExpiresAt = time.Now().Add(-time.Hour).Unix()
		if err := repo.SaveSession(ctx, DefaultSessionKey, stored); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		third := newTestEnvWith(t, fake, srv.URL, repo)
		if err := third.service.Restore(ctx); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		state := third.service.State()
		if !state.Authenticated() || state.Event != domain.AuthTokenRefreshed {
			t.Errorf("expected TOKEN_REFRESHED with user, got %+v", state)
		}
	})

	t.Run("StaleSessionDiscarded", func(t *testing.T) {
		stale := &domain.Session{AccessToken: "old", ExpiresAt: time.Now().Add(-time.Hour).Unix()}
		if err := repo.SaveSession(ctx, DefaultSessionKey, stale); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		fourth := newTestEnvWith(t, fake, srv.URL, repo)
		if err := fourth.service.Restore(ctx); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if fourth.service.CurrentUser() != nil {
			t.Error("expected signed-out state")
		}
		if _, err := repo.GetSession(ctx, DefaultSessionKey); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected stale session to be deleted, got %v", err)
		}
	})

	t.Run("NoSession", func(t *testing.T) {
		fifth := newTestEnvWith(t, fake, srv.URL, newTestRepo(t))
		if err := fifth.service.Restore(ctx); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if fifth.service.State().Event != domain.AuthInitialSession {
			t.Errorf("expected INITIAL_SESSION event, got %q", fifth.service.State().Event)
		}
	})
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	name := "Awa Diop Fall"
	if _, err := env.service.UpdateProfile(ctx, ProfileUpdate{FullName: &name}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	id := env.fake.addAccount("awa@police.sn", "secret123", domain.RoleAgent)
	if _, err := env.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "secret123"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	dept := "Brigade de Rufisque"
	user, err := env.service.UpdateProfile(ctx, ProfileUpdate{FullName: &name, Department: &dept})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if user.FullName != name || user.Department != dept {
		t.Errorf("unexpected user after update: %+v", user)
	}
	if user.Role != domain.RoleAgent {
		t.Errorf("role must not change, got %s", user.Role)
	}

	stored, _ := env.fake.profile(id)
	if stored.FullName != name {
		t.Errorf("expected stored profile to be updated, got %+v", stored)
	}
	if env.service.State().Event != domain.AuthUserUpdated {
		t.Errorf("expected USER_UPDATED event, got %q", env.service.State().Event)
	}
}

func TestResetPassword(t *testing.T) {
	env := newTestEnv(t, WithRedirectURL("http://localhost:8080/reset"))

	if err := env.service.ResetPassword(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if err := env.service.ResetPassword(context.Background(), "awa@police.sn"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	reqs := env.fake.recoveryRequests()
	if len(reqs) != 1 || reqs[0] != "awa@police.sn|http://localhost:8080/reset" {
		t.Errorf("unexpected recovery requests: %v", reqs)
	}
}

func TestCreateAdminUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	req := AdminUserRequest{Email: "chef@police.sn", Password: "secret123", FullName: "Chef Ba"}

	t.Run("RequiresToken", func(t *testing.T) {
		if _, err := env.service.CreateAdminUser(ctx, req, ""); !errors.Is(err, ErrBootstrapToken) {
			t.Errorf("expected ErrBootstrapToken, got %v", err)
		}
	})

	t.Run("WrongToken", func(t *testing.T) {
		_, err := env.service.CreateAdminUser(ctx, req, "nope")
		if apiclient.StatusOf(err) != http.StatusUnauthorized {
			t.Errorf("expected 401, got %v", err)
		}
	})

	t.Run("Created", func(t *testing.T) {
		user, err := env.service.CreateAdminUser(ctx, req, testBootstrapToken)
		if err != nil {
			t.Fatalf("CreateAdminUser failed: %v", err)
		}
		if user.Email != req.Email {
			t.Errorf("unexpected user: %+v", user)
		}

		logged, err := env.service.Login(ctx, Credentials{Email: req.Email, Password: req.Password})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		if logged.Role != domain.RoleAdmin || !env.service.HasPermission(domain.RoleAdmin) {
			t.Errorf("expected admin role, got %s", logged.Role)
		}
	})
}

func TestPublishesStateChanges(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	received := make(chan stateChangedEvent, 4)
	_, err := eventBus.Subscribe(ctx, domain.TopicAuthStateChanged, func(ctx context.Context, msg *domain.Message) error {
		var evt stateChangedEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			return err
		}
		received <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := newTestEnv(t, WithEventBus(eventBus))
	id := env.fake.addAccount("awa@police.sn", "secret123", domain.RoleAnalyst)
	if _, err := env.service.Login(ctx, Credentials{Email: "awa@police.sn", Password: "secret123"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Event != domain.AuthSignedIn || evt.UserID != id || evt.Role != domain.RoleAnalyst {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for auth event")
	}
}

func TestTranslateMessage(t *testing.T) {
	if got := TranslateMessage("Invalid login credentials"); got != "Email ou mot de passe incorrect" {
		t.Errorf("unexpected translation: %q", got)
	}
	if got := TranslateMessage("Something else"); got != "Something else" {
		t.Errorf("unknown messages must pass through, got %q", got)
	}
	if err := translate(errors.New("plain")); err.Error() != "plain" {
		t.Errorf("non-API errors must pass through, got %v", err)
	}
}
