// Package prediction provides risk predictions for criminal profiles. It
// calls the remote model when reachable and falls back to a local
// heuristic otherwise; callers always receive a result.
package prediction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/criminalytix/seenpredyct/internal/apiclient"
	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/criminalytix/seenpredyct/internal/rules"
	"github.com/google/uuid"
)

// State is the initialization state of the service.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	default:
		return "UNINITIALIZED"
	}
}

// Client is the subset of apiclient.Client used by the service.
type Client interface {
	Get(ctx context.Context, path string, out any, opts ...apiclient.RequestOption) error
	Post(ctx context.Context, path string, body, out any, opts ...apiclient.RequestOption) error
}

// Config holds prediction timeouts.
type Config struct {
	PredictionTimeout time.Duration
	BatchItemTimeout  time.Duration
}

// Service wraps the remote model. Safe for concurrent use.
type Service struct {
	client    Client
	cfg       Config
	heuristic *Heuristic
	rules     *rules.Engine
	bus       domain.EventBus

	mu         sync.Mutex
	state      State
	generation int
	initDone   chan struct{}
	encoders   domain.EncoderTable
	modelInfo  *domain.ModelInfo
	demoMode   bool
}

// Option configures a Service.
type Option func(*Service)

// WithNoise replaces the heuristic's random source.
func WithNoise(noise Noise) Option {
	return func(s *Service) { s.heuristic = NewHeuristic(noise) }
}

// WithRules sets the constraint engine used by ValidateProfile.
func WithRules(engine *rules.Engine) Option {
	return func(s *Service) { s.rules = engine }
}

// WithEventBus publishes prediction events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// NewService creates a prediction service.
func NewService(client Client, cfg Config, opts ...Option) *Service {
	if cfg.PredictionTimeout <= 0 {
		cfg.PredictionTimeout = 30 * time.Second
	}
	if cfg.BatchItemTimeout <= 0 {
		cfg.BatchItemTimeout = 2 * time.Second
	}
	s := &Service{
		client:    client,
		cfg:       cfg,
		heuristic: NewHeuristic(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads the encoder table from the remote model. Repeated
// calls after READY are no-ops and concurrent callers share one load.
// Failures switch the service to demo mode instead of returning.
func (s *Service) Initialize(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return
	case StateInitializing:
		done := s.initDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	s.state = StateInitializing
	s.initDone = make(chan struct{})
	done := s.initDone
	gen := s.generation
	s.mu.Unlock()

	encoders, info, demo := s.load(ctx)

	s.mu.Lock()
	if s.generation == gen {
		s.encoders = encoders
		s.modelInfo = info
		s.demoMode = demo
		s.state = StateReady
	}
	close(done)
	s.mu.Unlock()

	slog.Info("prediction service ready",
		"demo_mode", demo,
		"fields", len(encoders),
	)
}

func (s *Service) load(ctx context.Context) (domain.EncoderTable, *domain.ModelInfo, bool) {
	if err := s.client.Get(ctx, "/health", nil); err != nil {
		slog.Warn("model endpoint unhealthy, using default encoders", "error", err)
		return DefaultEncoders(), nil, true
	}

	var resp struct {
		Encoders domain.EncoderTable `json:"encoders"`
	}
	if err := s.client.Get(ctx, "/encoders", &resp); err != nil {
		slog.Warn("failed to load encoders, using default encoders", "error", err)
		return DefaultEncoders(), nil, true
	}
	if len(resp.Encoders) == 0 {
		slog.Warn("model returned no encoders, using default encoders")
		return DefaultEncoders(), nil, true
	}

	var info domain.ModelInfo
	if err := s.client.Get(ctx, "/model/info", &info); err != nil {
		slog.Info("model info unavailable", "error", err)
		return resp.Encoders, nil, false
	}
	return resp.Encoders, &info, false
}

// Predict scores one profile. It never fails: remote errors and
// malformed responses yield the heuristic result.
func (s *Service) Predict(ctx context.Context, p domain.Profile) domain.PredictionResult {
	s.Initialize(ctx)

	var result domain.PredictionResult
	err := s.client.Post(ctx, "/predict", p, &result, apiclient.WithTimeout(s.cfg.PredictionTimeout))
	if err == nil {
		err = result.Validate()
	}
	if err == nil {
		if result.Metadata.Timestamp.IsZero() {
			result.Metadata.Timestamp = time.Now().UTC()
		}
		if result.Factors == nil {
			result.Factors = map[string]float64{}
		}
		return result
	}

	slog.Warn("remote prediction failed, using heuristic", "error", err)
	s.publishFallback(ctx, 1, err)
	return s.score(p)
}

// BatchPredict scores profiles with one remote call. The result has the
// same length and order as profiles.
func (s *Service) BatchPredict(ctx context.Context, profiles []domain.Profile) []domain.PredictionResult {
	if len(profiles) == 0 {
		return []domain.PredictionResult{}
	}
	s.Initialize(ctx)

	timeout := s.cfg.PredictionTimeout + time.Duration(len(profiles))*s.cfg.BatchItemTimeout

	var resp struct {
		Results []domain.PredictionResult `json:"results"`
	}
	err := s.client.Post(ctx, "/batch_predict", map[string]any{"profiles": profiles}, &resp, apiclient.WithTimeout(timeout))
	if err == nil && len(resp.Results) != len(profiles) {
		err = fmt.Errorf("batch returned %d results for %d profiles", len(resp.Results), len(profiles))
	}
	if err == nil {
		for i := range resp.Results {
			if verr := resp.Results[i].Validate(); verr != nil {
				err = fmt.Errorf("result %d: %w", i, verr)
				break
			}
			if resp.Results[i].Factors == nil {
				resp.Results[i].Factors = map[string]float64{}
			}
		}
	}
	if err == nil {
		return resp.Results
	}

	slog.Warn("remote batch prediction failed, using heuristic",
		"profiles", len(profiles),
		"error", err,
	)
	s.publishFallback(ctx, len(profiles), err)

	results := make([]domain.PredictionResult, len(profiles))
	for i, p := range profiles {
		results[i] = s.score(p)
	}
	return results
}

// score runs the heuristic, substituting the error result on failure.
func (s *Service) score(p domain.Profile) (result domain.PredictionResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("heuristic panicked", "panic", r)
			result = errorResult(time.Now())
		}
	}()

	result, err := s.heuristic.Score(p)
	if err != nil {
		slog.Warn("heuristic failed", "error", err)
		return errorResult(time.Now())
	}
	return result
}

// Missing-field messages, in field order.
var missingMessages = map[string]string{
	domain.FieldRegion:     "La région est requise",
	domain.FieldAge:        "L'âge est requis",
	domain.FieldEthnicity:  "L'ethnie est requise",
	domain.FieldProfession: "La profession est requise",
	domain.FieldCity:       "La ville est requise",
	domain.FieldCrimeType:  "Le type de crime initial est requis",
	domain.FieldPlatform:   "La plateforme principale est requise",
}

// ValidateProfile returns one message per missing field followed by the
// constraint violations of the present fields. An empty slice means the
// profile is valid.
func (s *Service) ValidateProfile(ctx context.Context, p domain.Profile) []string {
	errs := []string{}

	values := p.Categorical()
	for _, field := range domain.ProfileFields {
		missing := values[field] == ""
		if field == domain.FieldAge {
			missing = p.Age == 0
		}
		if missing {
			errs = append(errs, missingMessages[field])
		}
	}

	if s.rules == nil {
		return errs
	}

	violations, evalErrs := s.rules.Violations(ctx, &rules.EvaluateInput{
		Profile: p,
		Options: s.FieldOptions(),
	})
	for _, err := range evalErrs {
		slog.Warn("profile constraint failed to evaluate", "error", err)
	}
	for _, v := range violations {
		errs = append(errs, v.Message)
	}
	return errs
}

// FieldOptions returns the valid labels per categorical field from the
// loaded encoder table, or from the default table before initialization.
func (s *Service) FieldOptions() map[string][]string {
	s.mu.Lock()
	encoders := s.encoders
	s.mu.Unlock()

	if encoders == nil {
		encoders = DefaultEncoders()
	}
	return encoders.Options()
}

// Reset returns the service to UNINITIALIZED and drops loaded data.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.state = StateUninitialized
	s.encoders = nil
	s.modelInfo = nil
	s.demoMode = false
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ModelInfo returns the remote model metadata, or nil.
func (s *Service) ModelInfo() *domain.ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modelInfo == nil {
		return nil
	}
	info := *s.modelInfo
	return &info
}

// DemoMode reports whether the default encoder table is in use.
func (s *Service) DemoMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.demoMode
}

// SourceOf reports whether a result came from the remote model or the
// heuristic.
func SourceOf(r domain.PredictionResult) string {
	if r.Metadata.Algorithm == domain.AlgorithmHeuristic || r.Metadata.Algorithm == domain.AlgorithmError {
		return domain.SourceHeuristic
	}
	return domain.SourceRemote
}

// Publish announces a completed prediction for userID and returns the
// prediction id. Without an event bus it only assigns the id.
func (s *Service) Publish(ctx context.Context, userID string, p domain.Profile, r domain.PredictionResult) (string, error) {
	event := domain.PredictionEvent{
		ID:      uuid.New().String(),
		UserID:  userID,
		Profile: p,
		Result:  r,
		Source:  SourceOf(r),
	}
	if s.bus == nil {
		return event.ID, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal prediction event: %w", err)
	}
	if err := s.bus.Publish(ctx, domain.TopicPredictionCompleted, payload); err != nil {
		return event.ID, fmt.Errorf("failed to publish prediction: %w", err)
	}
	return event.ID, nil
}

func (s *Service) publishFallback(ctx context.Context, count int, cause error) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"profiles": count,
		"error":    cause.Error(),
		"time":     time.Now().UTC(),
	})
	if err := s.bus.Publish(ctx, domain.TopicPredictionFallback, payload); err != nil {
		slog.Debug("failed to publish fallback event", "error", err)
	}
}
