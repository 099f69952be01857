package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/google/uuid"
)

// redisAddr returns the test server address or skips the test. Set
// SEENPREDYCT_TEST_REDIS_ADDR to enable.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("SEENPREDYCT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SEENPREDYCT_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestRedisCache(t *testing.T) {
	c, err := NewRedisCache(redisAddr(t), os.Getenv("SEENPREDYCT_TEST_REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	run := uuid.New().String()

	t.Run("SetGetDelete", func(t *testing.T) {
		key := "test:" + run
		if err := c.Set(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if val, _ := c.Get(ctx, key); string(val) != "v" {
			t.Errorf("expected v, got %q", val)
		}
		if err := c.Delete(ctx, key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, err := c.Get(ctx, key); err != nil || val != nil {
			t.Errorf("expected nil, nil after delete, got %q, %v", val, err)
		}
	})

	t.Run("CounterWindow", func(t *testing.T) {
		key := "ratelimit:" + run
		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrementCounter(ctx, key, 200*time.Millisecond)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("expected %d, got %d", want, got)
			}
		}
		time.Sleep(300 * time.Millisecond)
		if got, _ := c.IncrementCounter(ctx, key, 200*time.Millisecond); got != 1 {
			t.Errorf("expected counter to restart after window, got %d", got)
		}
	})

	t.Run("Prediction", func(t *testing.T) {
		rec := &domain.PredictionRecord{ID: "pred-" + run, UserID: "agent-7", Source: domain.SourceRemote}
		if err := c.SetPrediction(ctx, rec, time.Minute); err != nil {
			t.Fatalf("SetPrediction failed: %v", err)
		}
		got, err := c.GetPrediction(ctx, rec.ID)
		if err != nil || got == nil || got.UserID != "agent-7" {
			t.Errorf("expected cached record, got %+v, %v", got, err)
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	c, err := NewTwoPhaseCache(domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      redisAddr(t),
		RedisPassword:  os.Getenv("SEENPREDYCT_TEST_REDIS_PASSWORD"),
		LocalMaxSize:   10,
		LocalTTL:       time.Minute,
		EnableTwoPhase: true,
	})
	if err != nil {
		t.Fatalf("NewTwoPhaseCache failed: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	key := "two-phase:" + uuid.New().String()

	// A value only in L2 is copied into L1 on read.
	if err := c.remote.Set(ctx, key, []byte("from-redis"), time.Minute); err != nil {
		t.Fatalf("remote Set failed: %v", err)
	}
	if val, _ := c.Get(ctx, key); string(val) != "from-redis" {
		t.Fatalf("expected L2 value, got %q", val)
	}
	if val, _ := c.local.Get(ctx, key); string(val) != "from-redis" {
		t.Errorf("expected L1 to be populated, got %q", val)
	}
	if stats := c.Stats(); stats.Entries != 1 {
		t.Errorf("expected 1 local entry, got %d", stats.Entries)
	}
}
