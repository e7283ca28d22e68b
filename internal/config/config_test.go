package config_test

import (
	"testing"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KVBackend != "redis" {
		t.Errorf("KVBackend = %s", cfg.KVBackend)
	}
	if cfg.CacheTTL != 600*time.Second || cfg.JobTTL != 3600*time.Second {
		t.Errorf("TTLs = %s / %s", cfg.CacheTTL, cfg.JobTTL)
	}
	if cfg.RateLimitReqs != 60 || cfg.RateLimitWindow != time.Minute {
		t.Errorf("rate limit = %d / %s", cfg.RateLimitReqs, cfg.RateLimitWindow)
	}
	if cfg.SoftTimeLimit != 55*time.Second || cfg.HardTimeLimit != 60*time.Second {
		t.Errorf("time limits = %s / %s", cfg.SoftTimeLimit, cfg.HardTimeLimit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KV_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_REQS", "5")
	t.Setenv("API_KEYS", "k1:acme,k2:globex")
	t.Setenv("WORKER_CONCURRENCY", "0")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KVBackend != "memory" {
		t.Errorf("KVBackend = %s", cfg.KVBackend)
	}
	if cfg.RateLimitReqs != 5 {
		t.Errorf("RateLimitReqs = %d", cfg.RateLimitReqs)
	}
	if cfg.APIKeys["k2"] != "globex" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.Concurrency != 1 {
		t.Errorf("Concurrency floor = %d", cfg.Concurrency)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	t.Setenv("KV_BACKEND", "etcd")
	if _, err := config.Load(); err == nil {
		t.Fatal("unsupported backend accepted")
	}
}

func TestLoadRejectsInvertedTimeLimits(t *testing.T) {
	t.Setenv("SOFT_TIME_LIMIT", "120")
	if _, err := config.Load(); err == nil {
		t.Fatal("soft limit above hard limit accepted")
	}
}
