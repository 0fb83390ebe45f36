package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/metrics"
	"github.com/conductor-sh/conductor/internal/protocol"
)

// SessionDropper severs the live channel of a worker the sweeper declared
// offline. The session manager implements it.
type SessionDropper interface {
	Drop(workerID uuid.UUID, reason string)
}

// Sweeper periodically demotes silent workers to offline. It is the only
// component that sets the offline status; pings are the only thing that set
// online again.
type Sweeper struct {
	cron     gocron.Scheduler
	registry *Registry
	sessions SessionDropper
	window   time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper. window is the liveness window; interval is
// how often a pass runs. Call Start to begin sweeping.
func NewSweeper(reg *Registry, sessions SessionDropper, window, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweeper: creating scheduler: %w", err)
	}
	return &Sweeper{
		cron:     cron,
		registry: reg,
		sessions: sessions,
		window:   window,
		interval: interval,
		logger:   logger.Named("sweeper"),
	}, nil
}

// Start schedules the sweep loop and starts the underlying scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pass failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("sweeper: scheduling sweep job: %w", err)
	}

	s.logger.Info("sweeper started",
		zap.Duration("window", s.window),
		zap.Duration("interval", s.interval))
	s.cron.Start()
	return nil
}

// Stop shuts down the scheduler, waiting for a running pass to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeper: shutdown: %w", err)
	}
	s.logger.Info("sweeper stopped")
	return nil
}

// Sweep runs one pass: every online worker silent for longer than the
// liveness window goes offline and loses its session. Exported so tests can
// drive passes without the scheduler.
func (s *Sweeper) Sweep(ctx context.Context) error {
	workers, err := s.registry.workers.List(ctx)
	if err != nil {
		return fmt.Errorf("sweeper: listing workers: %w", err)
	}
	metrics.SweepsTotal.Inc()

	now := s.registry.now().UTC()
	cutoff := now.Add(-s.window)
	counts := map[string]int{}

	for i := range workers {
		w := &workers[i]
		counts[w.Status]++

		if w.Status != protocol.StatusOnline {
			continue
		}
		if w.LastSeenAt != nil && w.LastSeenAt.After(cutoff) {
			continue
		}

		if err := s.registry.MarkOffline(ctx, w.ID); err != nil {
			s.logger.Error("failed to mark worker offline",
				zap.String("worker_id", w.ID.String()),
				zap.Error(err))
			continue
		}
		counts[w.Status]--
		counts[protocol.StatusOffline]++
		if s.sessions != nil {
			s.sessions.Drop(w.ID, "liveness window expired")
		}
		s.logger.Warn("worker missed liveness window",
			zap.String("worker_id", w.ID.String()),
			zap.String("hostname", w.Hostname))
	}

	for _, status := range []string{protocol.StatusPending, protocol.StatusOnline, protocol.StatusDegraded, protocol.StatusOffline} {
		metrics.WorkersByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
	return nil
}
