// Package jobs coordinates the tagging job lifecycle: submission with
// cache-aware dedup, the worker-side execution body, and status resolution
// for polling clients.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tagsmithhq/tagsmith/internal/cache"
	"github.com/tagsmithhq/tagsmith/internal/metrics"
	"github.com/tagsmithhq/tagsmith/internal/queue"
	"github.com/tagsmithhq/tagsmith/internal/tagging"
)

// Error codes surfaced in status payloads.
const (
	CodeTimeout  = "TIMEOUT"
	CodeFailure  = "TASK_FAILURE"
	CodeInternal = "INTERNAL"
)

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	Queue      string
	MaxRetries int           // retries beyond the first attempt
	SoftLimit  time.Duration // annotation deadline inside a delivery
}

// Manager owns the job lifecycle around the execution substrate. It is used
// from both sides: the API server calls Submit and Resolve, the worker pool
// calls Execute.
type Manager struct {
	results   *cache.ResultCache
	inflight  *cache.InFlightTracker
	broker    queue.Broker
	recorder  *metrics.Recorder
	annotator tagging.Annotator
	cfg       ManagerConfig
}

// NewManager wires a Manager. The annotator may be nil on API-only processes
// that never call Execute.
func NewManager(results *cache.ResultCache, inflight *cache.InFlightTracker,
	broker queue.Broker, recorder *metrics.Recorder, annotator tagging.Annotator,
	cfg ManagerConfig) *Manager {
	if cfg.Queue == "" {
		cfg.Queue = "tagging"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = 55 * time.Second
	}
	return &Manager{
		results:   results,
		inflight:  inflight,
		broker:    broker,
		recorder:  recorder,
		annotator: annotator,
		cfg:       cfg,
	}
}

// SubmitResult reports the job backing a submission.
type SubmitResult struct {
	JobID   string
	Deduped bool // an existing live job was returned instead of a new one
}

// Submit registers a batch for asynchronous tagging. Identical in-flight
// submissions collapse onto one job via the in-flight marker; a marker
// pointing at a terminally-failed job is treated as absent. The job payload
// carries the request as received, not its canonical form; only the content
// key is canonical. A submission whose result is already cached and whose
// marker still points at a pollable job is answered from cache and counts
// as a cache hit.
func (m *Manager) Submit(ctx context.Context, req tagging.TagRequest, contentKey string) (SubmitResult, error) {
	if _, hit := m.results.Lookup(ctx, contentKey); hit {
		if id, ok := m.liveJobFor(ctx, contentKey); ok {
			m.recorder.CacheHit(ctx)
			return SubmitResult{JobID: id, Deduped: true}, nil
		}
		// Result is cached but no job survives to poll; fall through and
		// enqueue one. Its execution is a cache hit.
	}

	jobID := queue.NewJobID()
	accepted, existing, err := m.inflight.Claim(ctx, contentKey, jobID)
	if err != nil {
		// Dedup is best-effort: a store outage degrades to duplicate work,
		// not to a rejected submission.
		slog.Warn("in-flight claim degraded, submitting without dedup",
			"content_key", contentKey, "error", err)
		accepted = true
	}
	if !accepted {
		if id, ok := m.liveJob(ctx, existing); ok {
			return SubmitResult{JobID: id, Deduped: true}, nil
		}
		// Marker points at a terminally-failed job: clear it and claim again.
		if err := m.inflight.Clear(ctx, contentKey); err != nil {
			slog.Warn("stale in-flight marker not cleared", "content_key", contentKey, "error", err)
		}
		if accepted, existing, err = m.inflight.Claim(ctx, contentKey, jobID); err == nil && !accepted {
			if id, ok := m.liveJob(ctx, existing); ok {
				return SubmitResult{JobID: id, Deduped: true}, nil
			}
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode job payload: %w", err)
	}
	job := &queue.Job{
		ID:         jobID,
		Queue:      m.cfg.Queue,
		ContentKey: contentKey,
		Payload:    payload,
		MaxRetries: m.cfg.MaxRetries,
	}
	if err := m.broker.Enqueue(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("enqueue tagging job: %w", err)
	}
	return SubmitResult{JobID: jobID}, nil
}

// liveJobFor resolves the in-flight marker for contentKey to a pollable job ID.
func (m *Manager) liveJobFor(ctx context.Context, contentKey string) (string, bool) {
	id, found, err := m.inflight.Peek(ctx, contentKey)
	if err != nil || !found {
		return "", false
	}
	return m.liveJob(ctx, id)
}

// liveJob reports whether jobID is still worth pointing a client at. Only a
// terminally-failed job disqualifies the marker. A missing document does not:
// the job TTL exceeds the marker TTL, so a live marker over a missing
// document means a racing Submit claimed the key but has not written the
// document yet, and clients polling the ID meanwhile read PENDING.
func (m *Manager) liveJob(ctx context.Context, jobID string) (string, bool) {
	if jobID == "" {
		return "", false
	}
	job, found, err := m.broker.Job(ctx, jobID)
	if err != nil || !found {
		return jobID, true
	}
	if job.State == queue.StateFailed {
		return "", false
	}
	return jobID, true
}

// Execute is the worker body for one delivery. It returns the terminal
// payload to ack with, or an error that the worker pool turns into a retry
// or terminal failure. A soft-deadline timeout is a substrate success
// carrying an application error, so retries never re-run a batch that
// already burned its time budget.
func (m *Manager) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	if body, hit := m.results.Lookup(ctx, job.ContentKey); hit {
		m.recorder.CacheHit(ctx)
		m.recorder.ObserveDuration(ctx, 0)
		return json.RawMessage(body), nil
	}

	var req tagging.TagRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", job.ID, err)
	}

	start := time.Now()
	softCtx, cancel := context.WithTimeout(ctx, m.cfg.SoftLimit)
	defer cancel()

	results, err := m.annotator.Annotate(softCtx, req.Texts, req.Language, req.DomainDict)
	if err != nil {
		if errors.Is(softCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return m.finishTimeout(ctx, job)
		}
		return nil, err
	}

	body, err := json.Marshal(tagging.Envelope{Results: results})
	if err != nil {
		return nil, fmt.Errorf("encode result for %s: %w", job.ID, err)
	}
	if err := m.results.Store(ctx, job.ContentKey, string(body)); err != nil {
		slog.Warn("result not cached", "job_id", job.ID, "error", err)
	}
	if err := m.inflight.Refresh(ctx, job.ContentKey, job.ID); err != nil {
		slog.Warn("in-flight marker not refreshed", "job_id", job.ID, "error", err)
	}
	m.recorder.TaskSucceeded(ctx)
	m.recorder.ObserveDuration(ctx, time.Since(start))
	return body, nil
}

// finishTimeout caches and returns the timeout envelope. Caching it means
// identical resubmissions within the TTL observe the timeout instead of
// re-running a batch known to exceed the budget.
func (m *Manager) finishTimeout(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	body, err := json.Marshal(tagging.Envelope{Error: &tagging.ErrorInfo{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("tagging exceeded the %s soft time limit", m.cfg.SoftLimit),
	}})
	if err != nil {
		return nil, fmt.Errorf("encode timeout envelope for %s: %w", job.ID, err)
	}
	if err := m.results.Store(ctx, job.ContentKey, string(body)); err != nil {
		slog.Warn("timeout result not cached", "job_id", job.ID, "error", err)
	}
	m.recorder.TaskTimedOut(ctx)
	return body, nil
}

// Resolve maps a job to its client-facing status. Unknown jobs report
// PENDING: the ID may belong to a submission another instance accepted but
// whose document this store has not seen or has already expired. A succeeded
// job whose payload carries the error envelope surfaces as FAILURE with that
// error.
func (m *Manager) Resolve(ctx context.Context, jobID string) tagging.BatchStatusResponse {
	job, found, err := m.broker.Job(ctx, jobID)
	if err != nil {
		slog.Warn("job lookup degraded to pending", "job_id", jobID, "error", err)
		return tagging.BatchStatusResponse{Status: tagging.StatusPending}
	}
	if !found {
		return tagging.BatchStatusResponse{Status: tagging.StatusPending}
	}

	switch job.State {
	case queue.StateQueued:
		return tagging.BatchStatusResponse{Status: tagging.StatusPending}
	case queue.StateRunning:
		return tagging.BatchStatusResponse{Status: tagging.StatusStarted}
	case queue.StateRetryScheduled:
		return tagging.BatchStatusResponse{Status: tagging.StatusRetry}
	case queue.StateFailed:
		return tagging.BatchStatusResponse{
			Status: tagging.StatusFailure,
			Error:  &tagging.ErrorInfo{Code: CodeFailure, Message: job.Error},
		}
	case queue.StateSucceeded:
		var env tagging.Envelope
		if err := json.Unmarshal(job.Result, &env); err != nil {
			slog.Warn("corrupt result payload", "job_id", jobID, "error", err)
			return tagging.BatchStatusResponse{
				Status: tagging.StatusFailure,
				Error:  &tagging.ErrorInfo{Code: CodeInternal, Message: "result payload unreadable"},
			}
		}
		if env.Error != nil {
			return tagging.BatchStatusResponse{Status: tagging.StatusFailure, Error: env.Error}
		}
		return tagging.BatchStatusResponse{
			Status: tagging.StatusSuccess,
			Result: &tagging.TagResponse{Results: env.Results},
		}
	default:
		return tagging.BatchStatusResponse{Status: tagging.StatusPending}
	}
}
