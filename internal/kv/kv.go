// Package kv defines the shared key-value store the whole coordination layer
// runs on: response cache, in-flight markers, rate-limit counters, metrics
// counters, and user records are all individually-keyed values here. Only
// single-key atomic operations are offered; nothing in this codebase may
// assume multi-key transactions.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport-level store failures. Callers decide per
// component whether to fail open (rate limiting), treat as a miss (cache), or
// substitute zero (metrics).
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the minimal contract every backend must satisfy.
//
// Get returns (value, found, err); an expired or never-written key is
// indistinguishable from a missing one. Set with ttl <= 0 stores without
// expiry. SetNX is the atomic claim primitive: it writes only when the key is
// absent and reports whether the write happened.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Incr bumps a counter by one.
func Incr(ctx context.Context, s Store, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}
