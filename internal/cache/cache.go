// Package cache implements the content-addressed response cache and the
// in-flight job ledger, both as TTL'd single keys in the shared store.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/kv"
)

// Key namespaces in the shared store.
const (
	resultPrefix   = "result:"   // result:<contentKey> -> serialized envelope
	inflightPrefix = "inflight:" // inflight:<contentKey> -> job id
)

// DefaultTTL applies to result and in-flight keys when no override is
// configured.
const DefaultTTL = 600 * time.Second

// ResultKey returns the store key holding the cached response for a content key.
func ResultKey(contentKey string) string { return resultPrefix + contentKey }

// InflightKey returns the store key holding the in-flight marker for a content key.
func InflightKey(contentKey string) string { return inflightPrefix + contentKey }

// ResultCache is a read-through cache of serialized responses. Absence never
// distinguishes "never computed" from "expired", and store errors on the read
// path degrade to a miss.
type ResultCache struct {
	store kv.Store
	ttl   time.Duration
}

// NewResultCache creates a cache with the given TTL (DefaultTTL when <= 0).
func NewResultCache(store kv.Store, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{store: store, ttl: ttl}
}

// TTL reports the configured entry lifetime.
func (c *ResultCache) TTL() time.Duration { return c.ttl }

// Lookup returns the cached serialized body for contentKey, if present.
func (c *ResultCache) Lookup(ctx context.Context, contentKey string) (string, bool) {
	body, ok, err := c.store.Get(ctx, ResultKey(contentKey))
	if err != nil {
		slog.Warn("result cache lookup degraded to miss", "content_key", contentKey, "error", err)
		return "", false
	}
	return body, ok
}

// Store writes the serialized body under contentKey, overwriting any existing
// entry. Last writer wins; racing writers computed the same deterministic
// input, so convergence is expected but not enforced.
func (c *ResultCache) Store(ctx context.Context, contentKey, body string) error {
	return c.store.Set(ctx, ResultKey(contentKey), body, c.ttl)
}

// InFlightTracker maps content keys to the job currently computing them so
// concurrent identical submissions collapse onto one backing job.
type InFlightTracker struct {
	store kv.Store
	ttl   time.Duration
}

// NewInFlightTracker creates a tracker with the given marker TTL (DefaultTTL
// when <= 0).
func NewInFlightTracker(store kv.Store, ttl time.Duration) *InFlightTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InFlightTracker{store: store, ttl: ttl}
}

// Claim atomically records jobID as the authoritative job for contentKey.
// When another job already holds the key, Claim reports accepted=false and
// returns that job's ID. This single SETNX is the dedup guarantee: at most
// one externally-visible job per content key per TTL window. The
// cache-check/claim sequence around it is deliberately not atomic; two racing
// submissions may both run, and the loser's work is redundant but harmless.
func (t *InFlightTracker) Claim(ctx context.Context, contentKey, jobID string) (accepted bool, existing string, err error) {
	key := InflightKey(contentKey)
	ok, err := t.store.SetNX(ctx, key, jobID, t.ttl)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	cur, found, err := t.store.Get(ctx, key)
	if err != nil {
		return false, "", err
	}
	if !found {
		// Marker expired between SetNX and Get; retry the claim once.
		ok, err = t.store.SetNX(ctx, key, jobID, t.ttl)
		if err != nil {
			return false, "", err
		}
		return ok, "", nil
	}
	return false, cur, nil
}

// Refresh extends the marker TTL for the job that is still authoritative.
// The stored job ID never changes while live; only the owning job calls this.
func (t *InFlightTracker) Refresh(ctx context.Context, contentKey, jobID string) error {
	return t.store.Set(ctx, InflightKey(contentKey), jobID, t.ttl)
}

// Peek returns the job ID currently marked in-flight for contentKey. The
// marker may be stale; callers must verify the referenced job is live before
// trusting it.
func (t *InFlightTracker) Peek(ctx context.Context, contentKey string) (string, bool, error) {
	return t.store.Get(ctx, InflightKey(contentKey))
}

// Clear drops the marker. Called when the referenced job turned out dead.
func (t *InFlightTracker) Clear(ctx context.Context, contentKey string) error {
	return t.store.Del(ctx, InflightKey(contentKey))
}
