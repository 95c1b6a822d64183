// Package store is the key-value layer behind every piece of shared security
// state: rate limit buckets, the IP blocklist, attack counters, the refresh
// token registry, verification tokens and the webhook ledger.
//
// Two backends exist. Memory keeps state process-local, so it does not survive
// restarts and is not shared between instances. Redis gives every instance the
// same view. Business code only sees the Store interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired
var ErrNotFound = errors.New("store: key not found")

// Store is a key-value store with atomic counters and expiry.
// A ttl of zero means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetDelete atomically reads and removes key
	GetDelete(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Increment adds one to the counter at key. The ttl starts when the
	// counter is created and is not extended by later increments. It returns
	// the new count and the time left before the counter expires.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	// AddToWindow records an event at time at in a sliding window log,
	// unless limit events already fall inside the window. It returns whether
	// the event was accepted, the number of events in the window and the
	// time of the oldest one.
	AddToWindow(ctx context.Context, key string, at time.Time, window time.Duration, limit int) (WindowResult, error)
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	RemoveFromSet(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	// Keys lists live keys starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// WindowResult is the outcome of AddToWindow
type WindowResult struct {
	Accepted bool
	Count    int
	Oldest   time.Time
}

// RetryAfter returns how long until the oldest event leaves the window
func (r WindowResult) RetryAfter(now time.Time, window time.Duration) time.Duration {
	if r.Oldest.IsZero() {
		return 0
	}
	if d := r.Oldest.Add(window).Sub(now); d > 0 {
		return d
	}
	return 0
}
