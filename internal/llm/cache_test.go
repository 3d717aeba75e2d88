package llm

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, "trigger:", nil)
	return NewCache(client)
}

func TestCache_MissThenHit(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, "r1", "hash1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if hit {
		t.Fatal("expected miss on empty cache")
	}

	result := decision.WithConfidence(true, 0.8, "strong signal")
	if err := cache.Set(ctx, "r1", "hash1", result); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	got, hit, err := cache.Get(ctx, "r1", "hash1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !hit {
		t.Fatal("expected hit after Set")
	}
	if got.Reason != "strong signal (cached)" {
		t.Errorf("Reason = %q, want cached suffix", got.Reason)
	}
}

func TestCacheKey_DeterministicAndDistinct(t *testing.T) {
	k1, err := CacheKey("r1", "summary", "trade.profit", map[string]interface{}{"a": 1.0})
	if err != nil {
		t.Fatalf("CacheKey error: %v", err)
	}
	k2, err := CacheKey("r1", "summary", "trade.profit", map[string]interface{}{"a": 1.0})
	if err != nil {
		t.Fatalf("CacheKey error: %v", err)
	}
	if k1 != k2 {
		t.Errorf("CacheKey not deterministic: %q vs %q", k1, k2)
	}
	if len(k1) != 16 {
		t.Errorf("len(CacheKey) = %d, want 16", len(k1))
	}

	k3, err := CacheKey("r1", "summary", "trade.profit", map[string]interface{}{"a": 2.0})
	if err != nil {
		t.Fatalf("CacheKey error: %v", err)
	}
	if k1 == k3 {
		t.Error("different event data should produce different cache keys")
	}
}
