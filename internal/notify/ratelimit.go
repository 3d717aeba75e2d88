// Package notify builds, rate-limits, queues, and delivers
// notifications for triggered rules: the dispatcher, the rate/dedup
// limiter, the queue (including dead-letter), and the worker that
// fans tasks out to channels.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/aixtrade/llmtrigger/internal/rules"
)

const rateWindowTTL = 120 * time.Second

// Limiter enforces the two independent checks of spec.md §4.12: a
// per-(rule, context_key) cooldown and a per-(rule, minute) quota.
type Limiter struct {
	kv              *kv.Client
	defaultCooldown time.Duration
}

// NewLimiter builds a Limiter backed by client. defaultCooldown is the
// cooldown applied when a rule's rate_limit.cooldown_seconds is 0,
// matching the original's "cooldown_seconds == 0 means use the
// configured default" behavior (not "no cooldown").
func NewLimiter(client *kv.Client, defaultCooldown time.Duration) *Limiter {
	return &Limiter{kv: client, defaultCooldown: defaultCooldown}
}

// Allow reports whether a notification for ruleID/contextKey may be
// sent under limit, and a reason when it may not. The cooldown check
// runs first; a rejection there short-circuits before the quota is
// touched, so a notification already in cooldown does not also burn
// quota.
func (l *Limiter) Allow(ctx context.Context, ruleID, contextKey string, limit rules.RateLimit) (bool, string, error) {
	cooldown := time.Duration(limit.CooldownSeconds) * time.Second
	if cooldown == 0 {
		cooldown = l.defaultCooldown
	}

	cooldownKey := l.kv.Key("notify", "dedup", ruleID, contextKey)
	allowed, err := l.kv.SetNX(ctx, cooldownKey, time.Now().Unix(), cooldown)
	if err != nil {
		return false, "", fmt.Errorf("check cooldown: %w", err)
	}
	if !allowed {
		return false, fmt.Sprintf("in cooldown period (%s)", cooldown), nil
	}

	rateKey := l.kv.Key("notify", "rate", ruleID, minuteBucket(time.Now()))
	n, err := l.kv.IncrWithExpiry(ctx, rateKey, rateWindowTTL)
	if err != nil {
		return false, "", fmt.Errorf("check rate quota: %w", err)
	}
	if int(n) > limit.MaxPerMinute {
		return false, fmt.Sprintf("rate limit exceeded (%d/min)", limit.MaxPerMinute), nil
	}

	return true, "", nil
}

func minuteBucket(t time.Time) string {
	return t.UTC().Format("200601021504")
}
