// Package ratelimit paces outbound provider calls. One Limiter is owned
// per channel per process and injected into every worker and the inline
// dispatch path, so all senders of a channel serialize against the same
// clock regardless of pool width.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between sends on one channel.
// Burst is fixed at 1: unused capacity is never banked, so a quiet
// period does not let a worker blast a backlog at full speed.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing maxPerSecond sends. maxPerSecond <= 0
// disables pacing.
func New(maxPerSecond int) *Limiter {
	if maxPerSecond <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	interval := time.Second / time.Duration(maxPerSecond)
	return &Limiter{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next send slot or the context is cancelled.
// Called immediately before every physical provider call.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a send slot is available right now without
// blocking. Used by tests and opportunistic callers.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
