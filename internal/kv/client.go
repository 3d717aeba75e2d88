// Package kv wraps the shared Redis-compatible key-value store with the
// namespace-prefixed, typed operations the rest of the pipeline builds
// on: dedup markers, the context window, rule CRUD, the LLM cache, and
// the notification queue. Every other store in this module composes a
// *kv.Client rather than talking to Redis directly.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a thin, prefix-aware wrapper over a Redis connection pool.
// All mutable pipeline state lives behind this type; per §5 of the
// design, instances are built once at start-up and shared, never
// constructed lazily from a request path.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// New creates a Client connected to the given redis:// URL. The prefix
// is prepended to every key so multiple deployments can share one
// Redis instance.
func New(url, prefix string, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rdb:    redis.NewClient(opts),
		prefix: prefix,
		logger: logger.With("component", "kv"),
	}, nil
}

// NewFromRedis wraps an already-constructed *redis.Client. Used by
// tests to point the Client at an in-process miniredis instance.
func NewFromRedis(rdb *redis.Client, prefix string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rdb: rdb, prefix: prefix, logger: logger.With("component", "kv")}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity, used by the periodic status snapshot.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key joins namespace parts with ':' and prepends the configured
// prefix, e.g. Key("rules", "detail", ruleID) -> "trigger:rules:detail:<id>".
func (c *Client) Key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

// SetNX sets key to value only if it does not already exist, with the
// given TTL. Returns true iff the key was newly set — the building
// block for idempotency markers and advisory locks.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Set unconditionally sets key to value with the given TTL (zero means
// no expiry).
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the string value of key, or redis.Nil if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Del removes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire refreshes the TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// IncrWithExpiry increments key and, only on the first increment
// (post-increment value == 1), applies ttl. This gives a fixed-size
// rolling counter bucket without a separate existence check.
func (c *Client) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SRem(ctx, key, members...).Err()
}

// SMembers returns all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// HSet sets fields on a hash.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return c.rdb.HSet(ctx, key, fields).Err()
}

// HGetAll returns all fields of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Incr increments key by one with no expiry management, used for the
// global rule-version counter.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

// ZAdd adds a member with the given score to a sorted set.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member interface{}) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with score in [min, max], ascending.
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

// ZRevRangeWithLimit returns up to limit members in descending score
// order (newest-first for a timestamp-scored set).
func (c *Client) ZRevRangeWithLimit(ctx context.Context, key string, limit int64) ([]string, error) {
	return c.rdb.ZRevRange(ctx, key, 0, limit-1).Result()
}

// ZRemRangeByScore removes members with score in [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return c.rdb.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

// ZRemRangeByRank removes members by rank range, used to cap a sorted
// set at a maximum size (keep newest N: remove ranks [0, count-N)).
func (c *Client) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.ZRemRangeByRank(ctx, key, start, stop).Err()
}

// ZCard returns the number of members in a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// LPush pushes a value onto the head of a list.
func (c *Client) LPush(ctx context.Context, key string, value interface{}) error {
	return c.rdb.LPush(ctx, key, value).Err()
}

// RPush pushes a value onto the tail of a list.
func (c *Client) RPush(ctx context.Context, key string, value interface{}) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// BRPop blocks up to timeout waiting for an element on the tail of any
// of the given lists. Returns (key, value, ok); ok is false on timeout.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return res[0], res[1], true, nil
}

// LLen returns the length of a list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// LRange returns list elements in [start, stop] (inclusive, -1 means
// "to the end").
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// Publish publishes a message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe subscribes to a pub/sub channel. The caller owns the
// returned *redis.PubSub and must Close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
