package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/cache"
	"github.com/tagsmithhq/tagsmith/internal/jobs"
	"github.com/tagsmithhq/tagsmith/internal/kv"
	"github.com/tagsmithhq/tagsmith/internal/metrics"
	"github.com/tagsmithhq/tagsmith/internal/queue"
	"github.com/tagsmithhq/tagsmith/internal/tagging"
	"github.com/tagsmithhq/tagsmith/internal/worker"
)

type annotatorFunc func(ctx context.Context, texts []string, language string, domainTerms []string) ([]tagging.TagResult, error)

func (f annotatorFunc) Annotate(ctx context.Context, texts []string, language string, domainTerms []string) ([]tagging.TagResult, error) {
	return f(ctx, texts, language, domainTerms)
}

type rig struct {
	store   *kv.MemoryStore
	broker  *queue.MemoryBroker
	manager *jobs.Manager
	pool    *worker.Pool
}

func newRig(t *testing.T, annotate annotatorFunc, maxRetries int, cfg worker.Config) *rig {
	t.Helper()
	store := kv.NewMemoryStore()
	broker := queue.NewMemoryBroker(queue.RedisBrokerConfig{
		Queue:          "tagging",
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	})
	recorder := metrics.NewRecorder(store)
	manager := jobs.NewManager(
		cache.NewResultCache(store, 0),
		cache.NewInFlightTracker(store, 0),
		broker, recorder, annotate,
		jobs.ManagerConfig{MaxRetries: maxRetries, SoftLimit: time.Second},
	)
	cfg.Queue = "tagging"
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = 5 * time.Millisecond
	}
	return &rig{
		store:   store,
		broker:  broker,
		manager: manager,
		pool:    worker.New(broker, manager, recorder, cfg),
	}
}

func (r *rig) submit(t *testing.T, text string) string {
	t.Helper()
	res, err := r.manager.Submit(context.Background(), tagging.TagRequest{Texts: []string{text}}, "key-"+text)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res.JobID
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestPoolProcessesJob(t *testing.T) {
	r := newRig(t, func(_ context.Context, texts []string, _ string, _ []string) ([]tagging.TagResult, error) {
		return []tagging.TagResult{{Text: texts[0], Tags: []string{"ok"}}}, nil
	}, 3, worker.Config{Concurrency: 2})
	jobID := r.submit(t, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		r.pool.Run(ctx)
		close(poolDone)
	}()

	ok := waitFor(t, 2*time.Second, func() bool {
		job, found, _ := r.broker.Job(context.Background(), jobID)
		return found && job.State == queue.StateSucceeded
	})
	cancel()
	<-poolDone
	if !ok {
		t.Fatal("job never succeeded")
	}

	status := r.manager.Resolve(context.Background(), jobID)
	if status.Status != tagging.StatusSuccess {
		t.Errorf("resolved status = %s", status.Status)
	}
}

func TestPoolRetriesThenFailsTerminally(t *testing.T) {
	r := newRig(t, func(context.Context, []string, string, []string) ([]tagging.TagResult, error) {
		return nil, errors.New("engine down")
	}, 2, worker.Config{Concurrency: 1})
	jobID := r.submit(t, "doomed")

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		r.pool.Run(ctx)
		close(poolDone)
	}()

	// A scheduler promotes the retry in production; drive it here.
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go func() {
		sched := queue.NewScheduler(r.broker, queue.SchedulerConfig{})
		for schedCtx.Err() == nil {
			sched.RunOnce(schedCtx)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ok := waitFor(t, 2*time.Second, func() bool {
		job, found, _ := r.broker.Job(context.Background(), jobID)
		return found && job.State == queue.StateFailed
	})
	cancel()
	<-poolDone
	if !ok {
		t.Fatal("job never failed terminally")
	}

	job, _, _ := r.broker.Job(context.Background(), jobID)
	if job.Attempt != 3 {
		t.Errorf("attempts = %d, want 3 with two retries", job.Attempt)
	}
	if v, _, _ := r.store.Get(context.Background(), "metrics:tasks_total:failure"); v != "1" {
		t.Errorf("tasks_total:failure = %q, want 1", v)
	}
}

func TestPoolAbandonsAtHardLimit(t *testing.T) {
	release := make(chan struct{})
	r := newRig(t, func(ctx context.Context, texts []string, _ string, _ []string) ([]tagging.TagResult, error) {
		if texts[0] == "stuck" {
			// Ignores ctx on purpose: a computation the soft limit cannot stop.
			<-release
			return nil, errors.New("finally gave up")
		}
		return []tagging.TagResult{{Text: texts[0]}}, nil
	}, 3, worker.Config{Concurrency: 1, HardLimit: 30 * time.Millisecond})
	defer close(release)

	stuckID := r.submit(t, "stuck")
	okID := r.submit(t, "fine")

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		r.pool.Run(ctx)
		close(poolDone)
	}()

	// The single slot must abandon the stuck delivery and pick up the next.
	ok := waitFor(t, 2*time.Second, func() bool {
		job, found, _ := r.broker.Job(context.Background(), okID)
		return found && job.State == queue.StateSucceeded
	})
	cancel()
	<-poolDone
	if !ok {
		t.Fatal("slot never freed up after hard-limit abandonment")
	}

	stuck, _, _ := r.broker.Job(context.Background(), stuckID)
	if queue.IsTerminal(stuck.State) {
		t.Errorf("abandoned job reached terminal state %s without an ack", stuck.State)
	}
}

func TestPoolStopsOnCancel(t *testing.T) {
	r := newRig(t, func(_ context.Context, texts []string, _ string, _ []string) ([]tagging.TagResult, error) {
		return []tagging.TagResult{{Text: texts[0]}}, nil
	}, 3, worker.Config{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.pool.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
