// Package ratelimit implements fixed-window counters on top of store.Store.
//
// Windows are fixed, not sliding: a burst straddling a window boundary can
// admit up to twice MaxAttempts. With the memory store the counters are
// process-local and reset on restart.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/store"
)

// KeyPrefix namespaces limiter counters in the store
const KeyPrefix = "rl:"

// Rule is the number of attempts allowed per window
type Rule struct {
	MaxAttempts int
	Window      time.Duration
}

// RuleFromProfile converts a named policy profile
func RuleFromProfile(p config.RateLimitProfile) Rule {
	return Rule{MaxAttempts: p.MaxRequests, Window: p.Window}
}

// Result is the state of a bucket after a check
type Result struct {
	Limited           bool
	RemainingAttempts int
	ResetIn           time.Duration
}

// Limiter counts attempts per key
type Limiter struct {
	store store.Store
}

// New creates a limiter backed by s
func New(s store.Store) *Limiter {
	return &Limiter{store: s}
}

// Check records one attempt for key and reports whether it is over the rule.
// The first attempt opens the window; once the window elapses the next
// attempt starts a fresh one.
func (l *Limiter) Check(ctx context.Context, key string, rule Rule) (Result, error) {
	if rule.MaxAttempts < 1 || rule.Window <= 0 {
		return Result{}, fmt.Errorf("ratelimit: invalid rule %+v", rule)
	}

	count, resetIn, err := l.store.Increment(ctx, KeyPrefix+key, rule.Window)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}

	remaining := rule.MaxAttempts - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Limited:           count > int64(rule.MaxAttempts),
		RemainingAttempts: remaining,
		ResetIn:           resetIn,
	}, nil
}

// Reset clears the bucket for key
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if _, err := l.store.Delete(ctx, KeyPrefix+key); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", key, err)
	}
	return nil
}
