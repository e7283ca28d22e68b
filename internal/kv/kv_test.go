package kv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/kv"
)

func TestMemorySetGet(t *testing.T) {
	s := kv.NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "v" {
		t.Errorf("Get = (%q, %v), want (v, true)", v, ok)
	}

	_, ok, _ = s.Get(ctx, "missing")
	if ok {
		t.Error("missing key reported as present")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	s := kv.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	s.Set(ctx, "k", "v", 10*time.Second)

	now = now.Add(9 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("key expired before its TTL")
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key still present after TTL")
	}
}

func TestMemorySetNX(t *testing.T) {
	s := kv.NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "claim", "a", 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, _ = s.SetNX(ctx, "claim", "b", 0)
	if ok {
		t.Fatal("second SetNX succeeded on a held key")
	}
	v, _, _ := s.Get(ctx, "claim")
	if v != "a" {
		t.Errorf("held value = %q, want %q", v, "a")
	}
}

func TestMemorySetNXAfterExpiry(t *testing.T) {
	s := kv.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	s.SetNX(ctx, "claim", "a", time.Second)
	now = now.Add(2 * time.Second)
	ok, _ := s.SetNX(ctx, "claim", "b", time.Second)
	if !ok {
		t.Fatal("SetNX on an expired key should succeed")
	}
}

func TestMemoryIncrBy(t *testing.T) {
	s := kv.NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrBy(ctx, "n", 1)
		if err != nil {
			t.Fatalf("IncrBy: %v", err)
		}
		if got != want {
			t.Errorf("IncrBy = %d, want %d", got, want)
		}
	}
	got, _ := s.IncrBy(ctx, "n", 7)
	if got != 10 {
		t.Errorf("IncrBy(7) = %d, want 10", got)
	}
}

func TestMemoryIncrByConcurrent(t *testing.T) {
	s := kv.NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.IncrBy(ctx, "n", 1)
		}()
	}
	wg.Wait()

	v, _, _ := s.Get(ctx, "n")
	if v != "50" {
		t.Errorf("counter = %s, want 50", v)
	}
}

func TestMemoryExpireAndDel(t *testing.T) {
	s := kv.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.Now = func() time.Time { return now }
	ctx := context.Background()

	s.Set(ctx, "k", "v", 0)
	s.Expire(ctx, "k", time.Second)
	now = now.Add(2 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("key survived Expire")
	}

	s.Set(ctx, "a", "1", 0)
	s.Set(ctx, "b", "2", 0)
	s.Del(ctx, "a", "b")
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("key survived Del")
	}
}
