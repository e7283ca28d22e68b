package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/kv"
	"github.com/tagsmithhq/tagsmith/internal/ratelimit"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*ratelimit.Limiter, *time.Time) {
	t.Helper()
	store := kv.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.Now = func() time.Time { return now }
	l := ratelimit.New(store, limit, window).WithClock(func() time.Time { return now })
	return l, &now
}

func TestAdmitUnderLimit(t *testing.T) {
	l, _ := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := l.Admit(ctx, "user:alice")
		if !d.Allowed {
			t.Fatalf("request %d rejected under the limit", i)
		}
		if d.Used != i {
			t.Errorf("request %d: used = %d", i, d.Used)
		}
		if d.Remaining != 5-i {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, 5-i)
		}
	}
}

func TestAdmitSixthRejected(t *testing.T) {
	l, now := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Admit(ctx, "user:alice")
	}
	d := l.Admit(ctx, "user:alice")
	if d.Allowed {
		t.Fatal("6th request admitted")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
	// The rejected call itself is not budget spent.
	if d.Used != 5 {
		t.Errorf("used = %d, want 5", d.Used)
	}

	windowStart := now.Unix() - (now.Unix() % 60)
	if d.ResetAt != windowStart+60 {
		t.Errorf("resetAt = %d, want %d", d.ResetAt, windowStart+60)
	}
	if d.RetryAfter < 0 || d.RetryAfter > 60 {
		t.Errorf("retryAfter = %d", d.RetryAfter)
	}
}

func TestAdmitFreshWindow(t *testing.T) {
	l, now := newLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Admit(ctx, "user:alice")
	}

	*now = now.Add(time.Minute)
	d := l.Admit(ctx, "user:alice")
	if !d.Allowed {
		t.Fatal("request in a fresh window rejected")
	}
	if d.Used != 1 {
		t.Errorf("fresh window used = %d, want 1", d.Used)
	}
}

func TestAdmitPrincipalsIsolated(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if d := l.Admit(ctx, "user:alice"); !d.Allowed {
		t.Fatal("alice's first request rejected")
	}
	if d := l.Admit(ctx, "user:alice"); d.Allowed {
		t.Fatal("alice's second request admitted with limit 1")
	}
	if d := l.Admit(ctx, "user:bob"); !d.Allowed {
		t.Fatal("bob throttled by alice's usage")
	}
}

type downStore struct{ *kv.MemoryStore }

func (downStore) IncrBy(context.Context, string, int64) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAdmitFailsOpenWhenStoreDown(t *testing.T) {
	l := ratelimit.New(downStore{kv.NewMemoryStore()}, 5, time.Minute)
	d := l.Admit(context.Background(), "user:alice")
	if !d.Allowed {
		t.Fatal("limiter failed closed on store error")
	}
}
