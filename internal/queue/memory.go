package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with the same semantics as the Redis
// backend: claimed deliveries carry a lease, retries wait for their due
// time, Promote/Reclaim perform the upkeep. Used by tests and the memory
// backend.
type MemoryBroker struct {
	mu      sync.Mutex
	cfg     RedisBrokerConfig
	jobs    map[string]*Job
	pending []string
	active  map[string]time.Time // job id -> lease expiry
	retry   map[string]time.Time // job id -> due time

	// Now is the clock for leases and retry due times; tests override it.
	Now func() time.Time
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker(cfg RedisBrokerConfig) *MemoryBroker {
	if cfg.Queue == "" {
		cfg.Queue = "tagging"
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	return &MemoryBroker{
		cfg:    cfg,
		jobs:   make(map[string]*Job),
		active: make(map[string]time.Time),
		retry:  make(map[string]time.Time),
		Now:    time.Now,
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job.State = StateQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = b.Now().UTC()
	}
	if job.Queue == "" {
		job.Queue = b.cfg.Queue
	}
	cp := *job
	b.jobs[job.ID] = &cp
	b.pending = append(b.pending, job.ID)
	return nil
}

func (b *MemoryBroker) Fetch(_ context.Context, queue string, lease time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) > 0 {
		id := b.pending[0]
		b.pending = b.pending[1:]
		job, ok := b.jobs[id]
		if !ok || job.Queue != queue {
			continue
		}
		now := b.Now().UTC()
		job.State = StateRunning
		job.Attempt++
		job.StartedAt = &now
		job.NextAttemptAt = nil
		b.active[id] = now.Add(lease)
		cp := *job
		return &cp, nil
	}
	return nil, nil
}

func (b *MemoryBroker) Ack(_ context.Context, jobID string, result json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("ack %s: %w", jobID, ErrNotFound)
	}
	now := b.Now().UTC()
	job.State = StateSucceeded
	job.Result = result
	job.FinishedAt = &now
	delete(b.active, jobID)
	return nil
}

func (b *MemoryBroker) Fail(_ context.Context, jobID, errMsg string) (*FailResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("fail %s: %w", jobID, ErrNotFound)
	}
	delete(b.active, jobID)
	job.Error = errMsg

	remaining := job.MaxRetries - (job.Attempt - 1)
	if remaining > 0 {
		due := b.Now().UTC().Add(RetryDelay(job.Attempt, b.cfg.RetryBaseDelay, b.cfg.RetryMaxDelay))
		job.State = StateRetryScheduled
		job.NextAttemptAt = &due
		b.retry[jobID] = due
		return &FailResult{Status: StateRetryScheduled, NextAttemptAt: &due, AttemptsRemaining: remaining}, nil
	}

	now := b.Now().UTC()
	job.State = StateFailed
	job.FinishedAt = &now
	return &FailResult{Status: StateFailed, AttemptsRemaining: 0}, nil
}

func (b *MemoryBroker) Job(_ context.Context, jobID string) (*Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return nil, false, nil
	}
	cp := *job
	return &cp, true, nil
}

func (b *MemoryBroker) Len(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, id := range b.pending {
		if job, ok := b.jobs[id]; ok && job.Queue == queue {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBroker) Promote(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.Now()
	promoted := 0
	for id, due := range b.retry {
		if due.After(now) {
			continue
		}
		delete(b.retry, id)
		if job, ok := b.jobs[id]; ok {
			job.State = StateQueued
			b.pending = append(b.pending, id)
			promoted++
		}
	}
	return promoted, nil
}

func (b *MemoryBroker) Reclaim(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.Now()
	reclaimed := 0
	for id, expiry := range b.active {
		if expiry.After(now) {
			continue
		}
		delete(b.active, id)
		job, ok := b.jobs[id]
		if !ok || IsTerminal(job.State) {
			continue
		}
		job.State = StateQueued
		b.pending = append(b.pending, id)
		reclaimed++
	}
	return reclaimed, nil
}
