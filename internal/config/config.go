// Package config loads service settings from the environment once at startup.
// The struct is passed down explicitly; nothing reads the environment after
// Load returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/auth"
)

// Config holds every tunable the server and worker processes share.
type Config struct {
	RedisURL  string
	KVBackend string // redis, badger, or memory
	DataDir   string
	BindAddr  string

	CacheTTL time.Duration
	JobTTL   time.Duration

	RateLimitReqs   int
	RateLimitWindow time.Duration

	Queue         string
	MaxRetries    int // automatic retries beyond the first attempt
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	Concurrency   int

	APIKeys        map[string]string
	JWTSecret      string
	AccessTokenTTL time.Duration

	OtelEnabled  bool
	OtelEndpoint string
	LogLevel     string
}

// Load reads the environment, applying defaults for anything unset.
func Load() (Config, error) {
	cfg := Config{
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		KVBackend:       getenv("KV_BACKEND", "redis"),
		DataDir:         getenv("DATA_DIR", "data"),
		BindAddr:        getenv("BIND_ADDR", ":8080"),
		CacheTTL:        seconds("CACHE_TTL_SECONDS", 600),
		JobTTL:          seconds("JOB_TTL_SECONDS", 3600),
		RateLimitReqs:   integer("RATE_LIMIT_REQS", 60),
		RateLimitWindow: seconds("RATE_LIMIT_WINDOW", 60),
		Queue:           getenv("TAGGING_QUEUE", "tagging"),
		MaxRetries:      integer("MAX_RETRIES", 3),
		SoftTimeLimit:   seconds("SOFT_TIME_LIMIT", 55),
		HardTimeLimit:   seconds("HARD_TIME_LIMIT", 60),
		Concurrency:     integer("WORKER_CONCURRENCY", 4),
		APIKeys:         auth.ParseAPIKeys(os.Getenv("API_KEYS")),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		AccessTokenTTL:  time.Duration(integer("ACCESS_TOKEN_EXPIRE_MINUTES", 60)) * time.Minute,
		OtelEnabled:     boolean("OTEL_ENABLED", false),
		OtelEndpoint:    os.Getenv("OTEL_ENDPOINT"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
	}

	switch cfg.KVBackend {
	case "redis", "badger", "memory":
	default:
		return Config{}, fmt.Errorf("unsupported KV_BACKEND %q (want redis, badger, or memory)", cfg.KVBackend)
	}
	if cfg.SoftTimeLimit >= cfg.HardTimeLimit {
		return Config{}, fmt.Errorf("SOFT_TIME_LIMIT (%s) must be below HARD_TIME_LIMIT (%s)",
			cfg.SoftTimeLimit, cfg.HardTimeLimit)
	}
	if cfg.RateLimitReqs < 1 || cfg.RateLimitWindow < time.Second {
		return Config{}, fmt.Errorf("rate limit requires at least 1 request per 1s window")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func seconds(key string, def int) time.Duration {
	return time.Duration(integer(key, def)) * time.Second
}

func boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
