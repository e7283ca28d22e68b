// Package metrics accumulates counters and a fixed-bucket duration histogram
// as individually-keyed values in the shared store, then assembles them into
// a Prometheus exposition on scrape. Every increment is independent and
// best-effort; no cross-counter consistency is enforced, and a scrape never
// fails because a sub-key read failed.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tagsmithhq/tagsmith/internal/kv"
)

// Store keys.
const (
	keyTasksSuccess = "metrics:tasks_total:success"
	keyTasksFailure = "metrics:tasks_total:failure"
	keyTasksTimeout = "metrics:tasks_total:timeout"
	keyCacheHits    = "metrics:cache_hits_total"
	keyDurationSum  = "metrics:task_duration_ms:sum"
	keyDurationCnt  = "metrics:task_duration_ms:count"
)

// BucketBoundsMs are the histogram bucket upper bounds in milliseconds.
// Observations beyond the last bound land in the overflow bucket.
var BucketBoundsMs = []int64{50, 100, 250, 500, 1000, 2000, 5000}

func bucketKey(boundMs int64) string {
	return fmt.Sprintf("metrics:task_duration_ms:bucket:le_%d", boundMs)
}

const overflowBucketKey = "metrics:task_duration_ms:bucket:le_inf"

// Recorder increments metric keys in the shared store. All methods swallow
// store errors after logging; metrics must never fail the request path.
type Recorder struct {
	store kv.Store
}

// NewRecorder creates a Recorder on the given store.
func NewRecorder(store kv.Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) TaskSucceeded(ctx context.Context) { r.bump(ctx, keyTasksSuccess, 1) }
func (r *Recorder) TaskFailed(ctx context.Context)    { r.bump(ctx, keyTasksFailure, 1) }
func (r *Recorder) TaskTimedOut(ctx context.Context)  { r.bump(ctx, keyTasksTimeout, 1) }
func (r *Recorder) CacheHit(ctx context.Context)      { r.bump(ctx, keyCacheHits, 1) }

// ObserveDuration records one task duration sample. Each sample lands in
// exactly one incremental bucket key; the collector accumulates them into
// cumulative Prometheus buckets on scrape.
func (r *Recorder) ObserveDuration(ctx context.Context, d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	key := overflowBucketKey
	for _, bound := range BucketBoundsMs {
		if ms <= bound {
			key = bucketKey(bound)
			break
		}
	}
	r.bump(ctx, key, 1)
	r.bump(ctx, keyDurationSum, ms)
	r.bump(ctx, keyDurationCnt, 1)
}

func (r *Recorder) bump(ctx context.Context, key string, n int64) {
	if _, err := r.store.IncrBy(ctx, key, n); err != nil {
		slog.Debug("metric increment dropped", "key", key, "error", err)
	}
}

// BacklogFunc reports the current work-queue backlog length.
type BacklogFunc func(ctx context.Context) (int64, error)

// Collector assembles the exposition from the shared store on each scrape.
// Every key is read independently and substitutes zero on failure, so one
// unavailable sub-key degrades a number, not the whole scrape. No cross-
// process aggregation is needed: all processes share the same counters.
type Collector struct {
	store   kv.Store
	backlog BacklogFunc

	tasksDesc    *prometheus.Desc
	cacheDesc    *prometheus.Desc
	backlogDesc  *prometheus.Desc
	durationDesc *prometheus.Desc
}

// NewCollector creates a Collector. backlog may be nil when no queue gauge
// should be exposed.
func NewCollector(store kv.Store, backlog BacklogFunc) *Collector {
	return &Collector{
		store:   store,
		backlog: backlog,
		tasksDesc: prometheus.NewDesc("tagsmith_tasks_total",
			"Total tagging tasks by final status.", []string{"status"}, nil),
		cacheDesc: prometheus.NewDesc("tagsmith_cache_hits_total",
			"Total cache hits in the tagging worker.", nil, nil),
		backlogDesc: prometheus.NewDesc("tagsmith_queue_backlog",
			"Jobs waiting in the tagging queue.", nil, nil),
		durationDesc: prometheus.NewDesc("tagsmith_task_duration_ms",
			"Tagging task wall-clock duration in milliseconds.", nil, nil),
	}
}

// NewRegistry returns a registry containing only this service's collector.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasksDesc
	ch <- c.cacheDesc
	ch <- c.backlogDesc
	ch <- c.durationDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for status, key := range map[string]string{
		"success": keyTasksSuccess,
		"failure": keyTasksFailure,
		"timeout": keyTasksTimeout,
	} {
		ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.CounterValue,
			float64(c.read(ctx, key)), status)
	}
	ch <- prometheus.MustNewConstMetric(c.cacheDesc, prometheus.CounterValue,
		float64(c.read(ctx, keyCacheHits)))

	if c.backlog != nil {
		n, err := c.backlog(ctx)
		if err != nil {
			slog.Debug("queue backlog read failed, exposing zero", "error", err)
			n = 0
		}
		ch <- prometheus.MustNewConstMetric(c.backlogDesc, prometheus.GaugeValue, float64(n))
	}

	buckets := make(map[float64]uint64, len(BucketBoundsMs))
	var cum uint64
	for _, bound := range BucketBoundsMs {
		cum += uint64(c.read(ctx, bucketKey(bound)))
		buckets[float64(bound)] = cum
	}
	count := uint64(c.read(ctx, keyDurationCnt))
	sum := float64(c.read(ctx, keyDurationSum))
	ch <- prometheus.MustNewConstHistogram(c.durationDesc, count, sum, buckets)
}

// read fetches a counter, treating absence, parse failures, and store errors
// all as zero.
func (c *Collector) read(ctx context.Context, key string) int64 {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Debug("metric read failed, substituting zero", "key", key, "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Debug("metric key holds non-integer value", "key", key, "value", raw)
		return 0
	}
	return v
}
