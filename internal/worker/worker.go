// Package worker records prediction history from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

// Worker persists completed predictions published on the EventBus.
type Worker struct {
	bus   domain.EventBus
	repo  domain.Repository
	cache domain.Cache

	cacheTTL time.Duration

	processed atomic.Int64
	failed    atomic.Int64
	fallbacks atomic.Int64

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// CacheTTL is how long recorded predictions stay in the cache
	CacheTTL time.Duration
}

// NewWorker creates a history recorder. cache may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		cache:  cache,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to prediction events.
func (w *Worker) Start(cfg Config) error {
	w.cacheTTL = cfg.CacheTTL
	if w.cacheTTL <= 0 {
		w.cacheTTL = 10 * time.Minute
	}

	completed, err := w.bus.Subscribe(w.ctx, domain.TopicPredictionCompleted, w.handleCompleted)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicPredictionCompleted, err)
	}

	fallback, err := w.bus.Subscribe(w.ctx, domain.TopicPredictionFallback, w.handleFallback)
	if err != nil {
		completed.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicPredictionFallback, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, completed, fallback)
	w.mu.Unlock()

	slog.Info("history recorder started",
		"topics", []string{completed.Topic(), fallback.Topic()},
	)
	return nil
}

// handleCompleted stores one prediction event.
func (w *Worker) handleCompleted(ctx context.Context, msg *domain.Message) error {
	if err := w.record(ctx, msg); err != nil {
		w.failed.Add(1)
		slog.Error("failed to record prediction",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	w.processed.Add(1)
	return nil
}

func (w *Worker) record(ctx context.Context, msg *domain.Message) error {
	var event domain.PredictionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("failed to parse prediction event: %w", err)
	}
	if event.ID == "" {
		event.ID = msg.ID
	}

	createdAt := time.Unix(0, msg.Timestamp).UTC()
	if msg.Timestamp == 0 {
		createdAt = time.Now().UTC()
	}

	rec := &domain.PredictionRecord{
		ID:        event.ID,
		UserID:    event.UserID,
		Profile:   event.Profile,
		Result:    event.Result,
		Source:    event.Source,
		CreatedAt: createdAt,
	}

	if err := w.repo.SavePrediction(ctx, rec); err != nil {
		return err
	}

	if w.cache != nil {
		if err := w.cache.SetPrediction(ctx, rec, w.cacheTTL); err != nil {
			slog.Warn("failed to cache prediction",
				"prediction_id", rec.ID,
				"error", err,
			)
		}
	}

	slog.Debug("prediction recorded",
		"prediction_id", rec.ID,
		"user_id", rec.UserID,
		"risk_level", rec.Result.RiskLevel,
		"source", rec.Source,
	)
	return nil
}

// handleFallback counts heuristic fallbacks.
func (w *Worker) handleFallback(ctx context.Context, msg *domain.Message) error {
	w.fallbacks.Add(1)
	slog.Debug("prediction fell back to heuristic", "message_id", msg.ID)
	return nil
}

// Stop unsubscribes and stops processing.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("history recorder stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Recorded          int64    `json:"recorded"`
	Failed            int64    `json:"failed"`
	Fallbacks         int64    `json:"fallbacks"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Recorded:          w.processed.Load(),
		Failed:            w.failed.Load(),
		Fallbacks:         w.fallbacks.Load(),
	}
}
