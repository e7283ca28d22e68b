// Package ratelimit implements fixed-window admission control on the shared
// store: one atomic increment-then-expire pair per request, keyed by
// principal and window start.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/kv"
)

// Defaults match the original deployment surface.
const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of an admission check. Remaining, ResetAt, and
// RetryAfter are reported on allowed and rejected calls alike so callers can
// always emit rate-limit headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Used       int   // admitted requests counted against this window; a rejected call consumes none
	ResetAt    int64 // epoch seconds when the current window rolls over
	RetryAfter int64 // seconds until ResetAt, never negative
}

// Limiter is a fixed-window rate limiter. Window identity is
// now − (now mod window); a request landing exactly on a boundary belongs to
// the new window, so a principal can burst up to 2×limit across a boundary.
// That is a property of fixed windows, not a bug.
type Limiter struct {
	store  kv.Store
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a Limiter. Non-positive limit or window fall back to defaults.
func New(store kv.Store, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, limit: limit, window: window, now: time.Now}
}

// WithClock overrides the limiter's clock. Tests use it to cross window
// boundaries deterministically.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Limit reports the configured per-window request budget.
func (l *Limiter) Limit() int { return l.limit }

// Key returns the counter key for a principal and window start.
func Key(principal string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", principal, windowStart)
}

// Admit counts the request against the principal's current window and
// decides admission. The counter key expires one second after the window so
// a late request just past rollover cannot resurrect a stale count; a new
// window always means a new key. When the store is unreachable the limiter
// fails open: availability of the API wins over strictness of the limit.
func (l *Limiter) Admit(ctx context.Context, principal string) Decision {
	now := l.now().Unix()
	windowSec := int64(l.window / time.Second)
	windowStart := now - (now % windowSec)
	resetAt := windowStart + windowSec

	d := Decision{
		Limit:      l.limit,
		ResetAt:    resetAt,
		RetryAfter: maxInt64(0, resetAt-now),
	}

	key := Key(principal, windowStart)
	used, err := kv.Incr(ctx, l.store, key)
	if err != nil {
		slog.Warn("rate limiter failing open", "principal", principal, "error", err)
		d.Allowed = true
		d.Remaining = l.limit
		return d
	}
	// Only meaningful on first creation; later calls re-arm an expiry that
	// already outlives the window, which is harmless.
	if err := l.store.Expire(ctx, key, l.window+time.Second); err != nil {
		slog.Warn("rate limiter expire failed", "key", key, "error", err)
	}

	count := int(used)
	d.Allowed = count <= l.limit
	d.Used = count
	if !d.Allowed {
		// The increment happened, but a rejected request is not budget spent.
		d.Used = count - 1
	}
	d.Remaining = maxInt(0, l.limit-d.Used)
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
