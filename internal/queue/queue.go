// Package queue is the task execution substrate: an at-least-once job queue
// with acknowledgement after completion, automatic retries with exponential
// backoff and jitter, and lease-based redelivery after worker crashes.
package queue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"
)

// Job states.
const (
	StateQueued         = "queued"
	StateRunning        = "running"
	StateRetryScheduled = "retry_scheduled"
	StateSucceeded      = "succeeded"
	StateFailed         = "failed"
)

// IsTerminal reports whether state admits no further transitions. Terminal
// states are the only ones with a readable result or error payload.
func IsTerminal(state string) bool {
	return state == StateSucceeded || state == StateFailed
}

// ErrNotFound is returned for job IDs with no (possibly expired) record.
var ErrNotFound = errors.New("queue: job not found")

// Job is one unit of work plus its lifecycle bookkeeping. The document lives
// at job:<id> in the shared store with a TTL, so terminal jobs age out.
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	ContentKey    string          `json:"content_key"`
	Payload       json.RawMessage `json:"payload"`
	State         string          `json:"state"`
	Attempt       int             `json:"attempt"`
	MaxRetries    int             `json:"max_retries"` // retries beyond the first attempt
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
}

// FailResult reports what Fail decided for the job.
type FailResult struct {
	Status            string     `json:"status"` // retry_scheduled or failed
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	AttemptsRemaining int        `json:"attempts_remaining"`
}

// Broker is the queue contract shared by the Redis and in-memory backends.
//
// Fetch claims one job, marks it running, and opens a delivery lease; it
// returns (nil, nil) when the queue is idle. Ack and Fail are called only
// after the worker finished its cache and metrics writes — late
// acknowledgement, so a crash mid-computation leads to redelivery rather
// than loss. Duplicate work from redelivery is accepted; all writes keyed by
// content key are idempotent in effect.
type Broker interface {
	Enqueue(ctx context.Context, job *Job) error
	Fetch(ctx context.Context, queue string, lease time.Duration) (*Job, error)
	Ack(ctx context.Context, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, jobID, errMsg string) (*FailResult, error)
	Job(ctx context.Context, jobID string) (*Job, bool, error)
	Len(ctx context.Context, queue string) (int64, error)
}

// Maintainer is implemented by brokers that need periodic upkeep: promoting
// due retries back to pending and reclaiming jobs whose delivery lease
// expired without an ack.
type Maintainer interface {
	Promote(ctx context.Context) (int, error)
	Reclaim(ctx context.Context) (int, error)
}

var idSeq uint64

// NewJobID generates a lexicographically sortable job ID: "job_" plus
// 16 hex chars of timestamp ns and 10 hex chars of sequence.
func NewJobID() string {
	ns := uint64(time.Now().UnixNano())
	seq := atomic.AddUint64(&idSeq, 1)
	var raw [13]byte
	raw[0] = byte(ns >> 56)
	raw[1] = byte(ns >> 48)
	raw[2] = byte(ns >> 40)
	raw[3] = byte(ns >> 32)
	raw[4] = byte(ns >> 24)
	raw[5] = byte(ns >> 16)
	raw[6] = byte(ns >> 8)
	raw[7] = byte(ns)
	raw[8] = byte(seq >> 32)
	raw[9] = byte(seq >> 24)
	raw[10] = byte(seq >> 16)
	raw[11] = byte(seq >> 8)
	raw[12] = byte(seq)
	dst := make([]byte, 26)
	hex.Encode(dst, raw[:])
	return "job_" + string(dst)
}
