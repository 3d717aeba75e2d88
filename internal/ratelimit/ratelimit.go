// Package ratelimit provides a process-local token-bucket guard in
// front of the LLM backend, bounding burst/concurrent call volume
// independent of the per-rule Redis rate limiter in internal/notify
// (which governs notification delivery, a distinct resource).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter to satisfy
// internal/llm.Limiter.
type Limiter struct {
	inner *rate.Limiter
}

// New builds a Limiter allowing up to ratePerSecond calls per second,
// with a burst of burst.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{inner: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.inner.Wait(ctx)
}
