package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tagsmithhq/tagsmith/internal/auth"
	"github.com/tagsmithhq/tagsmith/internal/cache"
	"github.com/tagsmithhq/tagsmith/internal/config"
	"github.com/tagsmithhq/tagsmith/internal/jobs"
	"github.com/tagsmithhq/tagsmith/internal/kv"
	"github.com/tagsmithhq/tagsmith/internal/metrics"
	"github.com/tagsmithhq/tagsmith/internal/observability"
	"github.com/tagsmithhq/tagsmith/internal/queue"
	"github.com/tagsmithhq/tagsmith/internal/ratelimit"
	"github.com/tagsmithhq/tagsmith/internal/server"
	"github.com/tagsmithhq/tagsmith/internal/tagging"
	"github.com/tagsmithhq/tagsmith/internal/worker"
)

var (
	logLevel  string
	bindAddr  string
	kvBackend string
	dataDir   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tagsmith",
	Short: "Tagsmith — batch text tagging with a shared-store coordination layer",
	Long:  "A text-tagging API and worker pool coordinated through a shared key-value store: content-addressed caching, request dedup, rate limiting, and job lifecycle tracking.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the tagging API server",
	RunE:  runServer,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a tagging worker pool",
	RunE:  runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&kvBackend, "kv-backend", "", "Shared store backend: redis, badger, or memory; overrides KV_BACKEND")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for the badger backend; overrides DATA_DIR")
	serverCmd.Flags().StringVar(&bindAddr, "bind", "", "HTTP bind address; overrides BIND_ADDR")
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
}

func setupLogging() {
	level := slog.LevelInfo
	l := logLevel
	if l == "" {
		l = os.Getenv("LOG_LEVEL")
	}
	switch l {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// maintBroker is what both broker implementations provide: delivery plus the
// upkeep the scheduler drives.
type maintBroker interface {
	queue.Broker
	queue.Maintainer
}

type stack struct {
	cfg      config.Config
	store    kv.Store
	broker   maintBroker
	manager  *jobs.Manager
	recorder *metrics.Recorder
}

// buildStack opens the shared store and wires the lifecycle manager on top
// of it. The redis backend gets the redis broker; badger and memory are
// single-process deployments and use the in-process broker.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if kvBackend != "" {
		cfg.KVBackend = kvBackend
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}

	var store kv.Store
	var broker maintBroker
	brokerCfg := queue.RedisBrokerConfig{Queue: cfg.Queue, JobTTL: cfg.JobTTL}

	switch cfg.KVBackend {
	case "redis":
		rs, err := kv.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		store = rs
		broker = queue.NewRedisBroker(rs.Client(), brokerCfg)
	case "badger":
		bs, err := kv.OpenBadger(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		store = bs
		broker = queue.NewMemoryBroker(brokerCfg)
	case "memory":
		store = kv.NewMemoryStore()
		broker = queue.NewMemoryBroker(brokerCfg)
	default:
		return nil, fmt.Errorf("unsupported KV backend %q", cfg.KVBackend)
	}

	recorder := metrics.NewRecorder(store)
	manager := jobs.NewManager(
		cache.NewResultCache(store, cfg.CacheTTL),
		cache.NewInFlightTracker(store, cfg.CacheTTL),
		broker, recorder, tagging.NewHeuristicEngine(),
		jobs.ManagerConfig{
			Queue:      cfg.Queue,
			MaxRetries: cfg.MaxRetries,
			SoftLimit:  cfg.SoftTimeLimit,
		},
	)
	return &stack{cfg: cfg, store: store, broker: broker, manager: manager, recorder: recorder}, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer st.store.Close()
	cfg := st.cfg

	slog.Info("starting tagsmith server",
		"bind", cfg.BindAddr,
		"kv_backend", cfg.KVBackend,
		"queue", cfg.Queue,
		"cache_ttl", cfg.CacheTTL,
		"rate_limit", cfg.RateLimitReqs,
		"rate_window", cfg.RateLimitWindow,
		"otel_enabled", cfg.OtelEnabled,
	)

	otelShutdown, err := observability.InitTracer(cfg.OtelEnabled, "tagsmith-server", cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := queue.NewScheduler(st.broker, queue.SchedulerConfig{})
	go sched.Run(runCtx)

	// Single-process backends have no external workers; run the pool here so
	// batch jobs still execute.
	if cfg.KVBackend != "redis" {
		slog.Info("running in-process worker pool", "kv_backend", cfg.KVBackend, "concurrency", cfg.Concurrency)
		pool := worker.New(st.broker, st.manager, st.recorder, worker.Config{
			Queue:       cfg.Queue,
			Concurrency: cfg.Concurrency,
			HardLimit:   cfg.HardTimeLimit,
		})
		go pool.Run(runCtx)
	}

	collector := metrics.NewCollector(st.store, func(ctx context.Context) (int64, error) {
		return st.broker.Len(ctx, cfg.Queue)
	})

	opts := []server.Option{}
	if cfg.OtelEnabled {
		opts = append(opts, server.WithTracing())
	}
	if cfg.JWTSecret == "" && len(cfg.APIKeys) == 0 {
		slog.Warn("no JWT_SECRET or API_KEYS configured; API runs open with a dev principal")
	}
	srv := server.New(server.Deps{
		Store:     st.store,
		Auth:      auth.NewService(st.store, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.APIKeys),
		Limiter:   ratelimit.New(st.store, cfg.RateLimitReqs, cfg.RateLimitWindow),
		Manager:   st.manager,
		Annotator: tagging.NewHeuristicEngine(),
		Results:   cache.NewResultCache(st.store, cfg.CacheTTL),
		Recorder:  st.recorder,
		Registry:  metrics.NewRegistry(collector),
		SoftLimit: cfg.SoftTimeLimit,
	}, cfg.BindAddr, opts...)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("tagsmith server ready", "bind", cfg.BindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error; forcing close", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			slog.Error("HTTP force close error", "error", closeErr)
		}
	}
	cancel()
	slog.Info("tagsmith server stopped")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer st.store.Close()
	cfg := st.cfg

	if cfg.KVBackend != "redis" {
		return fmt.Errorf("standalone workers need the redis backend; %q runs its pool inside the server process", cfg.KVBackend)
	}

	slog.Info("starting tagsmith worker",
		"queue", cfg.Queue,
		"concurrency", cfg.Concurrency,
		"soft_limit", cfg.SoftTimeLimit,
		"hard_limit", cfg.HardTimeLimit,
	)

	otelShutdown, err := observability.InitTracer(cfg.OtelEnabled, "tagsmith-worker", cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := queue.NewScheduler(st.broker, queue.SchedulerConfig{})
	go sched.Run(runCtx)

	pool := worker.New(st.broker, st.manager, st.recorder, worker.Config{
		Queue:       cfg.Queue,
		Concurrency: cfg.Concurrency,
		HardLimit:   cfg.HardTimeLimit,
	})
	poolDone := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(poolDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	cancel()
	select {
	case <-poolDone:
	case <-time.After(10 * time.Second):
		slog.Warn("worker pool did not drain in time")
	}
	slog.Info("tagsmith worker stopped")
	return nil
}
