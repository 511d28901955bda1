package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/rideline/internal/dashboard"
	"github.com/dukerupert/rideline/internal/model"
	"github.com/dukerupert/rideline/internal/notification"
)

// StatsSource fetches the authoritative dashboard stats.
type StatsSource interface {
	DashboardStats(ctx context.Context) (model.DashboardStats, error)
}

// Scheduler periodically restores expired snoozes, applies the retention
// horizon and refreshes the dashboard stats.
type Scheduler struct {
	mu            sync.RWMutex
	notifications *notification.Engine
	dashboard     *dashboard.Projector
	stats         StatsSource
	interval      time.Duration
	logger        *slog.Logger
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewScheduler creates a sweep scheduler. stats may be nil to skip the
// dashboard refresh.
func NewScheduler(engine *notification.Engine, projector *dashboard.Projector, stats StatsSource, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		notifications: engine,
		dashboard:     projector,
		stats:         stats,
		interval:      interval,
		logger:        logger,
	}
}

// Start runs the scheduler loop in the background until ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop gracefully stops a scheduler started with Start.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass of every periodic task.
func (s *Scheduler) Sweep(ctx context.Context) {
	if n := s.notifications.UnsnoozeExpired(); n > 0 {
		s.logger.Debug("snoozes expired", "count", n)
	}

	days := s.notifications.Settings().RetentionDays
	if n := s.notifications.ClearOlderThan(days); n > 0 {
		s.logger.Info("cleared old notifications", "count", n, "retention_days", days)
	}

	if s.stats == nil {
		return
	}
	stats, err := s.stats.DashboardStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("refresh dashboard stats", "error", err)
		}
		return
	}
	s.dashboard.Replace(stats)
}
