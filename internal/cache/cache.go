// Package cache holds recorded predictions for history lookups and the
// per-operator rate limit counters.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("cache key is required")

const predictionPrefix = "prediction:"

// New returns an LRU cache for "memory" and a Redis cache for "redis",
// layered behind an LRU when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// loadPrediction reads a prediction record. An entry that no longer
// decodes is dropped and reported as a miss so callers fall through to
// the repository.
func loadPrediction(ctx context.Context, s byteStore, id string) (*domain.PredictionRecord, error) {
	if id == "" {
		return nil, ErrEmptyKey
	}
	data, err := s.Get(ctx, predictionPrefix+id)
	if err != nil || data == nil {
		return nil, err
	}

	var rec domain.PredictionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("dropping undecodable cached prediction", "prediction_id", id, "error", err)
		_ = s.Delete(ctx, predictionPrefix+id)
		return nil, nil
	}
	return &rec, nil
}

func storePrediction(ctx context.Context, s byteStore, rec *domain.PredictionRecord, ttl time.Duration) error {
	if rec == nil || rec.ID == "" {
		return ErrEmptyKey
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode prediction %s: %w", rec.ID, err)
	}
	return s.Set(ctx, predictionPrefix+rec.ID, data, ttl)
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2). Counters
// always live in Redis so every console shares one rate limit.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	local := NewLRUCache(cfg.LocalMaxSize)

	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	// Check L1 first
	val, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	// Check L2
	val, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		// Populate L1 for future reads
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// Write to L1 with shorter TTL
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}

	// Write to L2 with full TTL
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}

// GetPrediction reads through L1 to L2.
func (c *TwoPhaseCache) GetPrediction(ctx context.Context, id string) (*domain.PredictionRecord, error) {
	return loadPrediction(ctx, c, id)
}

// SetPrediction writes the record to both layers.
func (c *TwoPhaseCache) SetPrediction(ctx context.Context, rec *domain.PredictionRecord, ttl time.Duration) error {
	return storePrediction(ctx, c, rec, ttl)
}

// IncrementCounter counts in Redis only.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}
