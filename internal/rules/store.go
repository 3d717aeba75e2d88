package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/redis/go-redis/v9"
)

// ChangeEvent is published on the rules:update channel on every
// mutation, letting callers with a local cache invalidate eagerly
// instead of waiting on a TTL.
type ChangeEvent struct {
	Action    string    `json:"action"` // "created", "updated", "deleted"
	RuleID    string    `json:"rule_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the Redis-backed rule repository: CRUD plus an all-rules
// set, a per-event-type index, a monotonic version counter, and a
// pub/sub change channel.
type Store struct {
	kv *kv.Client
}

// New builds a Store over the shared key-value client.
func New(client *kv.Client) *Store {
	return &Store{kv: client}
}

func (s *Store) detailKey(ruleID string) string { return s.kv.Key("rules", "detail", ruleID) }
func (s *Store) indexKey(eventType string) string {
	return s.kv.Key("rules", "index", eventType)
}
func (s *Store) allKey() string      { return s.kv.Key("rules", "all") }
func (s *Store) versionKey() string  { return s.kv.Key("rules", "version") }
func (s *Store) updateChannel() string { return s.kv.Key("rules", "update") }

// Create stores a new rule, stamping its metadata and bumping the
// global version counter. RuleID must be set by the caller.
func (s *Store) Create(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	rule.Metadata.CreatedAt = now
	rule.Metadata.UpdatedAt = now
	return s.write(ctx, rule, "created")
}

// Update overwrites an existing rule's config, bumping version and
// updated_at, and republishing the event-type index if EventTypes
// changed relative to the stored version.
func (s *Store) Update(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	existing, err := s.Get(ctx, rule.RuleID)
	if err != nil {
		return err
	}
	rule.Metadata.CreatedAt = existing.Metadata.CreatedAt
	rule.Metadata.UpdatedAt = time.Now().UTC()

	if err := s.unindexEventTypes(ctx, rule.RuleID, existing.EventTypes); err != nil {
		return err
	}
	return s.write(ctx, rule, "updated")
}

func (s *Store) write(ctx context.Context, rule *Rule, action string) error {
	version, err := s.kv.Incr(ctx, s.versionKey())
	if err != nil {
		return fmt.Errorf("rules: bump version: %w", err)
	}
	rule.Metadata.Version = version

	configJSON, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("rules: marshal: %w", err)
	}

	fields := map[string]interface{}{
		"config":     string(configJSON),
		"enabled":    rule.Enabled,
		"version":    rule.Metadata.Version,
		"created_at": rule.Metadata.CreatedAt.Format(time.RFC3339),
		"updated_at": rule.Metadata.UpdatedAt.Format(time.RFC3339),
	}
	if err := s.kv.HSet(ctx, s.detailKey(rule.RuleID), fields); err != nil {
		return fmt.Errorf("rules: hset: %w", err)
	}
	if err := s.kv.SAdd(ctx, s.allKey(), rule.RuleID); err != nil {
		return fmt.Errorf("rules: index all: %w", err)
	}
	for _, et := range rule.EventTypes {
		if err := s.kv.SAdd(ctx, s.indexKey(et), rule.RuleID); err != nil {
			return fmt.Errorf("rules: index event_type: %w", err)
		}
	}

	return s.publishChange(ctx, action, rule.RuleID)
}

func (s *Store) unindexEventTypes(ctx context.Context, ruleID string, eventTypes []string) error {
	for _, et := range eventTypes {
		if err := s.kv.SRem(ctx, s.indexKey(et), ruleID); err != nil {
			return fmt.Errorf("rules: unindex event_type: %w", err)
		}
	}
	return nil
}

// Delete removes a rule from the detail hash and both indexes, and
// publishes a "deleted" change event.
func (s *Store) Delete(ctx context.Context, ruleID string) error {
	rule, err := s.Get(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := s.unindexEventTypes(ctx, ruleID, rule.EventTypes); err != nil {
		return err
	}
	if err := s.kv.SRem(ctx, s.allKey(), ruleID); err != nil {
		return fmt.Errorf("rules: unindex all: %w", err)
	}
	if err := s.kv.Del(ctx, s.detailKey(ruleID)); err != nil {
		return fmt.Errorf("rules: del detail: %w", err)
	}
	return s.publishChange(ctx, "deleted", ruleID)
}

// Get fetches a single rule by id.
func (s *Store) Get(ctx context.Context, ruleID string) (*Rule, error) {
	fields, err := s.kv.HGetAll(ctx, s.detailKey(ruleID))
	if err != nil {
		return nil, fmt.Errorf("rules: get %q: %w", ruleID, err)
	}
	raw, ok := fields["config"]
	if !ok || raw == "" {
		return nil, fmt.Errorf("rules: rule %q not found", ruleID)
	}
	var rule Rule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("rules: unmarshal %q: %w", ruleID, err)
	}
	return &rule, nil
}

// ListAll returns every rule, regardless of enabled state or ordering.
func (s *Store) ListAll(ctx context.Context) ([]*Rule, error) {
	ids, err := s.kv.SMembers(ctx, s.allKey())
	if err != nil {
		return nil, fmt.Errorf("rules: list all: %w", err)
	}
	return s.getMany(ctx, ids)
}

// ListByEventType returns enabled rules registered for eventType,
// sorted descending by priority (highest first), per spec.md §4.3.
func (s *Store) ListByEventType(ctx context.Context, eventType string) ([]*Rule, error) {
	ids, err := s.kv.SMembers(ctx, s.indexKey(eventType))
	if err != nil {
		return nil, fmt.Errorf("rules: list by event_type %q: %w", eventType, err)
	}
	all, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	enabled := make([]*Rule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})
	return enabled, nil
}

func (s *Store) getMany(ctx context.Context, ids []string) ([]*Rule, error) {
	out := make([]*Rule, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			// Index drift (e.g. a concurrent delete) should not fail
			// the whole listing.
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) publishChange(ctx context.Context, action, ruleID string) error {
	evt := ChangeEvent{Action: action, RuleID: ruleID, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("rules: marshal change event: %w", err)
	}
	return s.kv.Publish(ctx, s.updateChannel(), string(payload))
}

// Subscribe returns a *redis.PubSub of rule change events. Callers
// should range over Subscription.Channel() and decode each payload as
// a ChangeEvent.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.kv.Subscribe(ctx, s.updateChannel())
}
