package queue

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig holds the upkeep cadence.
type SchedulerConfig struct {
	Interval        time.Duration // base tick (default 1s)
	PromoteInterval time.Duration
	ReclaimInterval time.Duration
}

// DefaultSchedulerConfig returns the default cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:        time.Second,
		PromoteInterval: time.Second,
		ReclaimInterval: 5 * time.Second,
	}
}

// Scheduler periodically runs broker maintenance: promoting due retries and
// reclaiming expired delivery leases. Safe to run on several processes at
// once; both operations tolerate concurrent runners.
type Scheduler struct {
	broker      Maintainer
	config      SchedulerConfig
	lastPromote time.Time
	lastReclaim time.Time
}

// NewScheduler creates a Scheduler over a maintainable broker.
func NewScheduler(broker Maintainer, config SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.PromoteInterval == 0 {
		config.PromoteInterval = def.PromoteInterval
	}
	if config.ReclaimInterval == 0 {
		config.ReclaimInterval = def.ReclaimInterval
	}
	return &Scheduler{broker: broker, config: config}
}

// Run starts the upkeep loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("queue scheduler started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, false)
		}
	}
}

// RunOnce executes a single forced tick. Useful for tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.tick(ctx, true)
}

func (s *Scheduler) tick(ctx context.Context, force bool) {
	now := time.Now()

	if force || now.Sub(s.lastPromote) >= s.config.PromoteInterval {
		if n, err := s.broker.Promote(ctx); err != nil {
			slog.Error("promote due retries", "error", err)
		} else if n > 0 {
			slog.Debug("promoted retries", "count", n)
		}
		s.lastPromote = now
	}
	if force || now.Sub(s.lastReclaim) >= s.config.ReclaimInterval {
		if n, err := s.broker.Reclaim(ctx); err != nil {
			slog.Error("reclaim expired leases", "error", err)
		} else if n > 0 {
			slog.Debug("reclaimed deliveries", "count", n)
		}
		s.lastReclaim = now
	}
}
