package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aixtrade/llmtrigger/internal/decision"
	"github.com/aixtrade/llmtrigger/internal/kv"
)

// CacheTTL is the default lifetime of a cached LLM decision, per
// spec.md §4.6.
const CacheTTL = 60 * time.Second

// Cache is the Redis-backed result cache keyed by
// SHA-256(rule_id ∥ context_summary ∥ event_type ∥ event_data_json).
type Cache struct {
	kv  *kv.Client
	ttl time.Duration
}

// NewCache builds a Cache with the default TTL.
func NewCache(client *kv.Client) *Cache {
	return &Cache{kv: client, ttl: CacheTTL}
}

type cachedResult struct {
	ShouldTrigger bool     `json:"should_trigger"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Reason        string   `json:"reason"`
}

// CacheKey computes the first 16 hex characters of
// SHA-256(ruleID ∥ contextSummary ∥ eventType ∥ eventDataJSON).
func CacheKey(ruleID, contextSummary, eventType string, eventData map[string]interface{}) (string, error) {
	dataJSON, err := json.Marshal(eventData)
	if err != nil {
		return "", fmt.Errorf("llm: marshal event data for cache key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(ruleID))
	h.Write([]byte(contextSummary))
	h.Write([]byte(eventType))
	h.Write(dataJSON)
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

func (c *Cache) key(ruleID, hash string) string {
	return c.kv.Key("llm_cache", ruleID, hash)
}

// Get returns the cached decision for (ruleID, hash), if present. The
// returned reason has " (cached)" appended, per spec.md §4.6.
func (c *Cache) Get(ctx context.Context, ruleID, hash string) (decision.Result, bool, error) {
	raw, err := c.kv.Get(ctx, c.key(ruleID, hash))
	if err != nil {
		return decision.Result{}, false, nil //nolint:nilerr // redis.Nil and real misses both mean "no cache entry"
	}

	var cached cachedResult
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return decision.Result{}, false, nil
	}

	return decision.Result{
		ShouldTrigger: cached.ShouldTrigger,
		Confidence:    cached.Confidence,
		Reason:        cached.Reason + " (cached)",
	}, true, nil
}

// Set stores result under (ruleID, hash) with the cache TTL.
func (c *Cache) Set(ctx context.Context, ruleID, hash string, result decision.Result) error {
	payload, err := json.Marshal(cachedResult{
		ShouldTrigger: result.ShouldTrigger,
		Confidence:    result.Confidence,
		Reason:        result.Reason,
	})
	if err != nil {
		return fmt.Errorf("llm: marshal cache entry: %w", err)
	}
	return c.kv.Set(ctx, c.key(ruleID, hash), string(payload), c.ttl)
}
