// Package worker runs the tagging worker pool: N slots, each fetching one
// delivery at a time from the queue and executing it under the time-limit
// policy. Acks are late: a delivery is acknowledged only after its result and
// metrics have been written, so a crash anywhere before that redelivers.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/jobs"
	"github.com/tagsmithhq/tagsmith/internal/metrics"
	"github.com/tagsmithhq/tagsmith/internal/queue"
)

// Config tunes a Pool.
type Config struct {
	Queue       string
	Concurrency int
	HardLimit   time.Duration // wall-clock budget per delivery before the slot abandons it
	LeaseSlack  time.Duration // added to HardLimit for the delivery lease
	IdleSleep   time.Duration // pause between fetches when the queue is empty
}

// DefaultConfig returns the default pool tuning.
func DefaultConfig() Config {
	return Config{
		Queue:       "tagging",
		Concurrency: 4,
		HardLimit:   60 * time.Second,
		LeaseSlack:  10 * time.Second,
		IdleSleep:   250 * time.Millisecond,
	}
}

// Pool executes tagging jobs.
type Pool struct {
	broker   queue.Broker
	manager  *jobs.Manager
	recorder *metrics.Recorder
	cfg      Config
}

// New creates a Pool.
func New(broker queue.Broker, manager *jobs.Manager, recorder *metrics.Recorder, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = def.HardLimit
	}
	if cfg.LeaseSlack <= 0 {
		cfg.LeaseSlack = def.LeaseSlack
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = def.IdleSleep
	}
	return &Pool{broker: broker, manager: manager, recorder: recorder, cfg: cfg}
}

// Run blocks until ctx is cancelled and every slot has drained its current
// delivery or abandoned it.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("worker pool started",
		"queue", p.cfg.Queue,
		"concurrency", p.cfg.Concurrency,
		"hard_limit", p.cfg.HardLimit,
	)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}
	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) runSlot(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.broker.Fetch(ctx, p.cfg.Queue, p.cfg.HardLimit+p.cfg.LeaseSlack)
		if err != nil {
			slog.Warn("fetch failed", "slot", slot, "error", err)
			if !p.sleep(ctx, p.cfg.IdleSleep) {
				return
			}
			continue
		}
		if job == nil {
			if !p.sleep(ctx, p.cfg.IdleSleep) {
				return
			}
			continue
		}
		p.process(ctx, slot, job)
	}
}

type execResult struct {
	payload json.RawMessage
	err     error
}

// process runs one delivery. The hard deadline is enforced here, not inside
// Execute: when it fires the slot walks away without acking and the
// computation goroutine is left to finish into the void. The expired lease
// then hands the job to Reclaim.
func (p *Pool) process(ctx context.Context, slot int, job *queue.Job) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		payload, err := p.manager.Execute(execCtx, job)
		done <- execResult{payload: payload, err: err}
	}()

	hard := time.NewTimer(p.cfg.HardLimit)
	defer hard.Stop()

	select {
	case res := <-done:
		p.settle(ctx, job, res)
	case <-hard.C:
		slog.Error("hard time limit exceeded, abandoning delivery",
			"slot", slot, "job_id", job.ID, "attempt", job.Attempt, "hard_limit", p.cfg.HardLimit)
	case <-ctx.Done():
		slog.Info("shutdown during delivery, abandoning", "slot", slot, "job_id", job.ID)
	}
}

// settle acks a successful execution or reports the failure to the broker.
// Both talk to the broker even when ctx is cancelled: an execution that
// finished deserves its ack.
func (p *Pool) settle(ctx context.Context, job *queue.Job, res execResult) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if res.err != nil {
		outcome, err := p.broker.Fail(settleCtx, job.ID, res.err.Error())
		if err != nil {
			slog.Error("fail report lost, lease reclaim will redeliver", "job_id", job.ID, "error", err)
			return
		}
		if outcome.Status == queue.StateFailed {
			p.recorder.TaskFailed(settleCtx)
			slog.Warn("job failed terminally", "job_id", job.ID, "attempt", job.Attempt, "error", res.err)
		} else {
			slog.Info("job scheduled for retry",
				"job_id", job.ID, "attempt", job.Attempt,
				"attempts_remaining", outcome.AttemptsRemaining,
				"next_attempt_at", outcome.NextAttemptAt)
		}
		return
	}

	if err := p.broker.Ack(settleCtx, job.ID, res.payload); err != nil {
		slog.Error("ack lost, lease reclaim will redeliver", "job_id", job.ID, "error", err)
	}
}

// sleep waits for d or until ctx is cancelled, reporting whether to continue.
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
