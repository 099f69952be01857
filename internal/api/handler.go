package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/auth"
	"github.com/criminalytix/seenpredyct/internal/cache"
	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/prediction"
	"github.com/criminalytix/seenpredyct/internal/repository"
)

// MaxBatchSize bounds the profiles accepted by POST /predictions/batch.
const MaxBatchSize = 1000

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

// Predictor is the prediction service as used by the console.
type Predictor interface {
	Predict(ctx context.Context, p domain.Profile) domain.PredictionResult
	BatchPredict(ctx context.Context, profiles []domain.Profile) []domain.PredictionResult
	ValidateProfile(ctx context.Context, p domain.Profile) []string
	FieldOptions() map[string][]string
	Publish(ctx context.Context, userID string, p domain.Profile, r domain.PredictionResult) (string, error)
	ModelInfo() *domain.ModelInfo
	DemoMode() bool
	State() prediction.State
}

// Authenticator is the auth service as used by the console.
type Authenticator interface {
	Login(ctx context.Context, creds auth.Credentials) (*domain.User, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*domain.User, error)
	Logout(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	UpdateProfile(ctx context.Context, upd auth.ProfileUpdate) (*domain.User, error)
	CreateAdminUser(ctx context.Context, req auth.AdminUserRequest, bootstrapToken string) (*domain.ProviderUser, error)
	CurrentUser() *domain.User
	RequireRole(required domain.Role) error
}

// Dependencies are the services behind the console API. Repo and Cache
// may be nil.
type Dependencies struct {
	Predictions Predictor
	Auth        Authenticator
	Repo        domain.Repository
	Cache       domain.Cache
	RateLimit   domain.RateLimitConfig
	HistoryTTL  time.Duration
	Version     string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	predictions Predictor
	auth        Authenticator
	repo        domain.Repository
	cache       domain.Cache
	historyTTL  time.Duration
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	ttl := deps.HistoryTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Handler{
		predictions: deps.Predictions,
		auth:        deps.Auth,
		repo:        deps.Repo,
		cache:       deps.Cache,
		historyTTL:  ttl,
		version:     deps.Version,
	}
}

// PredictionResponse is the response for a single scored profile.
type PredictionResponse struct {
	ID     string                  `json:"id,omitempty"`
	Result domain.PredictionResult `json:"result"`
	Source string                  `json:"source"`
}

// BatchRequest is the request body for POST /predictions/batch.
type BatchRequest struct {
	Profiles []domain.Profile `json:"profiles"`
}

// Health reports ML endpoint, repository and cache status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]string{}

	if h.repo != nil {
		components["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			components["repository"] = err.Error()
			status = "degraded"
		}
	}

	if h.cache != nil {
		components["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			components["cache"] = err.Error()
			status = "degraded"
		}
	}

	components["ml"] = h.predictions.State().String()
	if h.predictions.DemoMode() {
		components["ml"] = "demo"
		status = "degraded"
	}

	body := map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	}
	if s, ok := h.cache.(interface{ Stats() cache.Stats }); ok {
		body["cache"] = s.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":    true,
		"ml_state": h.predictions.State().String(),
	})
}

// Predict handles POST /predictions.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var profile domain.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if problems := h.predictions.ValidateProfile(ctx, profile); len(problems) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "invalid profile",
			"details": problems,
		})
		return
	}

	result := h.predictions.Predict(ctx, profile)
	writeJSON(w, http.StatusOK, h.publish(ctx, profile, result))
}

// BatchPredict handles POST /predictions/batch.
func (h *Handler) BatchPredict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Profiles) > MaxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "batch exceeds " + strconv.Itoa(MaxBatchSize) + " profiles",
		})
		return
	}

	results := h.predictions.BatchPredict(ctx, req.Profiles)

	out := make([]PredictionResponse, len(results))
	for i, result := range results {
		out[i] = h.publish(ctx, req.Profiles[i], result)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": out,
		"count":   len(out),
	})
}

// publish announces a result for the history recorder. Failures are
// logged; the caller still gets the result.
func (h *Handler) publish(ctx context.Context, p domain.Profile, result domain.PredictionResult) PredictionResponse {
	var userID string
	if user := GetUser(ctx); user != nil {
		userID = user.ID
	}

	id, err := h.predictions.Publish(ctx, userID, p, result)
	if err != nil {
		slog.Warn("failed to publish prediction", "id", id, "error", err)
	}
	return PredictionResponse{ID: id, Result: result, Source: prediction.SourceOf(result)}
}

// Validate handles POST /predictions/validate.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var profile domain.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	problems := h.predictions.ValidateProfile(r.Context(), profile)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(problems) == 0,
		"errors": problems,
	})
}

// Options handles GET /predictions/options.
func (h *Handler) Options(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"options":  h.predictions.FieldOptions(),
		"demoMode": h.predictions.DemoMode(),
	})
}

// Model handles GET /predictions/model.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	info := h.predictions.ModelInfo()
	if info == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":    "model information not available",
			"demoMode": h.predictions.DemoMode(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":    info,
		"demoMode": h.predictions.DemoMode(),
	})
}

// ListPredictions handles GET /predictions.
func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	q := r.URL.Query()
	filter := domain.PredictionFilter{UserID: q.Get("user")}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 timestamp",
			})
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = limit
	}

	records, err := h.repo.ListPredictions(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list predictions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list predictions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": records,
		"count":       len(records),
	})
}

// GetPrediction handles GET /predictions/{id}. Agents only see their own
// predictions.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rec, err := h.lookupPrediction(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	user := GetUser(ctx)
	if user != nil && user.Role.Tier() < domain.RoleAnalyst.Tier() && rec.UserID != user.ID {
		writeError(w, errNotFound)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// lookupPrediction reads through the cache.
func (h *Handler) lookupPrediction(ctx context.Context, id string) (*domain.PredictionRecord, error) {
	if h.cache != nil {
		rec, err := h.cache.GetPrediction(ctx, id)
		if err != nil {
			slog.Warn("prediction cache read failed", "id", id, "error", err)
		}
		if rec != nil {
			return rec, nil
		}
	}

	rec, err := h.repo.GetPrediction(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		if err := h.cache.SetPrediction(ctx, rec, h.historyTTL); err != nil {
			slog.Warn("prediction cache write failed", "id", id, "error", err)
		}
	}
	return rec, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError answers {"error": ..., "code": ...} with a status derived
// from err.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}

	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		body["code"] = apiErr.Code
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrBootstrapToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errNotFound), errors.Is(err, auth.ErrProfileNotFound):
		return http.StatusNotFound
	}

	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == 0 {
			return http.StatusBadGateway
		}
		return apiErr.Status
	}
	return http.StatusInternalServerError
}
