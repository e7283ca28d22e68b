package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. The pending list and retry zset are broker-private
// structures; job documents share the job:<id> namespace read by the status
// resolver.
func jobKey(id string) string        { return "job:" + id }
func leaseKey(id string) string      { return "lease:" + id }
func pendingKey(queue string) string { return "queue:" + queue }
func activeKey(queue string) string  { return "queue:" + queue + ":active" }
func retryKey(queue string) string   { return "queue:" + queue + ":retry" }

// RedisBrokerConfig tunes a RedisBroker.
type RedisBrokerConfig struct {
	Queue          string
	JobTTL         time.Duration // job document lifetime; terminal jobs age out
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// RedisBroker implements Broker on Redis lists and sorted sets: a pending
// list per queue, an active list for claimed deliveries, a retry zset scored
// by due time, and a lease key per delivery whose expiry drives reclaim.
type RedisBroker struct {
	rdb *redis.Client
	cfg RedisBrokerConfig
}

// NewRedisBroker creates a broker over an existing client.
func NewRedisBroker(rdb *redis.Client, cfg RedisBrokerConfig) *RedisBroker {
	if cfg.Queue == "" {
		cfg.Queue = "tagging"
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = time.Hour
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	return &RedisBroker{rdb: rdb, cfg: cfg}
}

func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	job.State = StateQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Queue == "" {
		job.Queue = b.cfg.Queue
	}
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, pendingKey(job.Queue), job.ID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) Fetch(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	id, err := b.rdb.LMove(ctx, pendingKey(queue), activeKey(queue), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", queue, err)
	}

	job, found, err := b.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		// Document aged out while queued; drop the orphaned delivery.
		b.rdb.LRem(ctx, activeKey(queue), 1, id)
		return nil, nil
	}

	now := time.Now().UTC()
	job.State = StateRunning
	job.Attempt++
	job.StartedAt = &now
	job.NextAttemptAt = nil
	if err := b.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if lease > 0 {
		if err := b.rdb.Set(ctx, leaseKey(id), "1", lease).Err(); err != nil {
			return nil, fmt.Errorf("lease %s: %w", id, err)
		}
	}
	return job, nil
}

func (b *RedisBroker) Ack(ctx context.Context, jobID string, result json.RawMessage) error {
	job, found, err := b.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("ack %s: %w", jobID, ErrNotFound)
	}
	now := time.Now().UTC()
	job.State = StateSucceeded
	job.Result = result
	job.FinishedAt = &now
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	b.release(ctx, job)
	return nil
}

func (b *RedisBroker) Fail(ctx context.Context, jobID, errMsg string) (*FailResult, error) {
	job, found, err := b.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("fail %s: %w", jobID, ErrNotFound)
	}

	job.Error = errMsg
	remaining := job.MaxRetries - (job.Attempt - 1)

	if remaining > 0 {
		due := time.Now().UTC().Add(RetryDelay(job.Attempt, b.cfg.RetryBaseDelay, b.cfg.RetryMaxDelay))
		job.State = StateRetryScheduled
		job.NextAttemptAt = &due
		if err := b.saveJob(ctx, job); err != nil {
			return nil, err
		}
		if err := b.rdb.ZAdd(ctx, retryKey(job.Queue), redis.Z{
			Score:  float64(due.Unix()),
			Member: job.ID,
		}).Err(); err != nil {
			return nil, fmt.Errorf("schedule retry %s: %w", jobID, err)
		}
		b.release(ctx, job)
		return &FailResult{Status: StateRetryScheduled, NextAttemptAt: &due, AttemptsRemaining: remaining}, nil
	}

	now := time.Now().UTC()
	job.State = StateFailed
	job.FinishedAt = &now
	if err := b.saveJob(ctx, job); err != nil {
		return nil, err
	}
	b.release(ctx, job)
	return &FailResult{Status: StateFailed, AttemptsRemaining: 0}, nil
}

func (b *RedisBroker) Job(ctx context.Context, jobID string) (*Job, bool, error) {
	raw, err := b.rdb.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, true, nil
}

func (b *RedisBroker) Len(ctx context.Context, queue string) (int64, error) {
	return b.rdb.LLen(ctx, pendingKey(queue)).Result()
}

// Promote moves retries whose due time has passed back onto the pending
// list. Runs from the maintenance scheduler.
func (b *RedisBroker) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	ids, err := b.rdb.ZRangeByScore(ctx, retryKey(b.cfg.Queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote scan: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := b.rdb.ZRem(ctx, retryKey(b.cfg.Queue), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", id, err)
		}
		if removed == 0 {
			continue // another scheduler instance won this one
		}
		job, found, err := b.Job(ctx, id)
		if err != nil {
			return promoted, err
		}
		if !found {
			continue
		}
		job.State = StateQueued
		if err := b.saveJob(ctx, job); err != nil {
			return promoted, err
		}
		if err := b.rdb.LPush(ctx, pendingKey(job.Queue), id).Err(); err != nil {
			return promoted, fmt.Errorf("promote push %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// Reclaim requeues active deliveries whose lease expired without an ack:
// the worker crashed or was hard-killed mid-computation. At-least-once
// redelivery, by construction.
func (b *RedisBroker) Reclaim(ctx context.Context) (int, error) {
	ids, err := b.rdb.LRange(ctx, activeKey(b.cfg.Queue), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reclaim scan: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		n, err := b.rdb.Exists(ctx, leaseKey(id)).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim lease check %s: %w", id, err)
		}
		if n > 0 {
			continue // delivery still leased
		}
		job, found, err := b.Job(ctx, id)
		if err != nil {
			return reclaimed, err
		}
		if !found || IsTerminal(job.State) {
			b.rdb.LRem(ctx, activeKey(b.cfg.Queue), 1, id)
			continue
		}
		removed, err := b.rdb.LRem(ctx, activeKey(b.cfg.Queue), 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job.State = StateQueued
		if err := b.saveJob(ctx, job); err != nil {
			return reclaimed, err
		}
		if err := b.rdb.LPush(ctx, pendingKey(job.Queue), id).Err(); err != nil {
			return reclaimed, fmt.Errorf("reclaim push %s: %w", id, err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (b *RedisBroker) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := b.rdb.Set(ctx, jobKey(job.ID), raw, b.cfg.JobTTL).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (b *RedisBroker) release(ctx context.Context, job *Job) {
	b.rdb.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	b.rdb.Del(ctx, leaseKey(job.ID))
}
