package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultTickInterval = time.Minute

// Scheduler drives Manager.Tick on a fixed interval.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(manager *Manager, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{manager: manager, interval: interval, logger: logger}
}

// Run ticks immediately and then on every interval until ctx is done. Tick
// failures are logged and retried on the next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.manager.Tick(ctx, s.manager.clock())
	if err != nil {
		s.logger.Error("lifecycle tick failed", zap.Error(err))
		return
	}
	if report.Rolled {
		s.logger.Info("lifecycle tick rolled cycle",
			zap.Int64("archived_cycle_id", report.ArchivedCycleID),
			zap.Int64("cycle_id", report.CurrentCycleID))
	}
}
