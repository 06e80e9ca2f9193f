// Package sweeper returns jobs whose lease lapsed to the pending pool.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/metrics"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// DefaultInterval is the pause between sweeps.
const DefaultInterval = 30 * time.Second

// Locker elects a single sweeping instance.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Sweeper reclaims expired leases.
type Sweeper struct {
	jobs     store.JobRepository
	clock    coordinator.Clock
	interval time.Duration
	lock     Locker
	logger   *zap.Logger
}

// New builds a Sweeper. lock may be nil when only one instance runs.
func New(jobs store.JobRepository, clock coordinator.Clock, interval time.Duration, lock Locker, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		jobs:     jobs,
		clock:    clock,
		interval: interval,
		lock:     lock,
		logger:   logging.OrNop(logger).Named("sweeper"),
	}
}

// SweepOnce resets every running job whose lease expired and returns how many
// were reset. It returns zero without sweeping when another instance holds
// the lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.lock != nil {
		ok, err := s.lock.TryAcquire(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			s.logger.Debug("sweep skipped; lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	n, err := s.jobs.ReclaimExpiredLeases(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ObserveLeasesReclaimed(n)
		s.logger.Info("expired leases reclaimed", zap.Int64("jobs", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
