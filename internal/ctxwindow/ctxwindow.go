// Package ctxwindow maintains the rolling, time- and count-bounded
// sequence of recent events per context key that the LLM engine
// summarizes and the traditional/hybrid engines never touch directly.
package ctxwindow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aixtrade/llmtrigger/internal/event"
	"github.com/aixtrade/llmtrigger/internal/kv"
)

// Store is a Redis-sorted-set-backed rolling window, one sorted set
// per context key, scored by event timestamp in milliseconds.
//
// Bounding is both by age (WindowSeconds) and count (MaxEvents,
// keeping the most recent), per spec. The store trims on every write
// and relies on a key-level TTL for soft expiry of keys that go quiet
// entirely — mirroring the dual-eviction (count + age) pattern used
// elsewhere in this codebase for in-memory windows.
type Store struct {
	kv            *kv.Client
	windowSeconds int
	maxEvents     int
}

// New builds a Store bounded by windowSeconds and maxEvents.
func New(client *kv.Client, windowSeconds, maxEvents int) *Store {
	return &Store{kv: client, windowSeconds: windowSeconds, maxEvents: maxEvents}
}

func (s *Store) key(contextKey string) string {
	return s.kv.Key("context", contextKey)
}

// Add appends evt to contextKey's window, trims entries older than
// WindowSeconds and beyond MaxEvents, and refreshes the key's TTL to
// WindowSeconds+60s.
func (s *Store) Add(ctx context.Context, contextKey string, evt *event.Event) error {
	payload, err := evt.ToJSON()
	if err != nil {
		return fmt.Errorf("ctxwindow: marshal entry: %w", err)
	}

	key := s.key(contextKey)
	score := float64(evt.Timestamp.UnixMilli())
	if err := s.kv.ZAdd(ctx, key, score, string(payload)); err != nil {
		return fmt.Errorf("ctxwindow: zadd: %w", err)
	}

	if err := s.trim(ctx, key); err != nil {
		return err
	}

	ttl := time.Duration(s.windowSeconds)*time.Second + 60*time.Second
	return s.kv.Expire(ctx, key, ttl)
}

// trim enforces both the age bound and the count bound on key.
func (s *Store) trim(ctx context.Context, key string) error {
	cutoff := float64(time.Now().Add(-time.Duration(s.windowSeconds) * time.Second).UnixMilli())
	if err := s.kv.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
		return fmt.Errorf("ctxwindow: trim by age: %w", err)
	}

	n, err := s.kv.ZCard(ctx, key)
	if err != nil {
		return fmt.Errorf("ctxwindow: card: %w", err)
	}
	if n > int64(s.maxEvents) {
		excess := n - int64(s.maxEvents)
		if err := s.kv.ZRemRangeByRank(ctx, key, 0, excess-1); err != nil {
			return fmt.Errorf("ctxwindow: trim by count: %w", err)
		}
	}
	return nil
}

// Get returns up to limit most-recent entries for contextKey, in
// chronological (oldest-first) order. limit <= 0 means "no limit"
// (bounded only by MaxEvents).
func (s *Store) Get(ctx context.Context, contextKey string, limit int) ([]*event.Event, error) {
	key := s.key(contextKey)
	if err := s.trim(ctx, key); err != nil {
		return nil, err
	}

	n := int64(s.maxEvents)
	if limit > 0 && int64(limit) < n {
		n = int64(limit)
	}

	raw, err := s.kv.ZRevRangeWithLimit(ctx, key, n)
	if err != nil {
		return nil, fmt.Errorf("ctxwindow: range: %w", err)
	}

	entries := make([]*event.Event, 0, len(raw))
	for _, r := range raw {
		var e event.Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}

	// raw is newest-first; reverse to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Count returns the number of entries currently held for contextKey,
// after trimming.
func (s *Store) Count(ctx context.Context, contextKey string) (int, error) {
	key := s.key(contextKey)
	if err := s.trim(ctx, key); err != nil {
		return 0, err
	}
	n, err := s.kv.ZCard(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("ctxwindow: card: %w", err)
	}
	return int(n), nil
}

// Clear removes contextKey's window entirely.
func (s *Store) Clear(ctx context.Context, contextKey string) error {
	return s.kv.Del(ctx, s.key(contextKey))
}
