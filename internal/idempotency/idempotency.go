// Package idempotency deduplicates event consumption so that replayed
// broker messages within the dedup window are processed at most once.
package idempotency

import (
	"context"
	"time"

	"github.com/aixtrade/llmtrigger/internal/kv"
)

// Window is the duration within which a replayed event_id is
// considered a duplicate. Duplicates older than this are not
// deduplicated — an explicit trade-off, not a bug.
const Window = time.Hour

// Store marks event identifiers as processed.
type Store struct {
	kv *kv.Client
}

// New builds a Store over the shared key-value client.
func New(client *kv.Client) *Store {
	return &Store{kv: client}
}

// MarkProcessed sets the processed marker for eventID if absent, with
// TTL Window. It returns true iff this call newly inserted the marker
// — the caller proceeds with the event only on true.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	key := s.kv.Key("processed", eventID)
	return s.kv.SetNX(ctx, key, "1", Window)
}
