package service

import (
	"context"
	"time"

	"meshrelay/internal/constants"
	"meshrelay/internal/metrics"

	"github.com/sirupsen/logrus"
)

// MaintenanceDatabase defines the cleanup operations run by the scheduler
type MaintenanceDatabase interface {
	PruneTerminalMessages(ctx context.Context, retentionDays int) (int64, error)
	PruneArchivedSessions(ctx context.Context, retentionDays int) (int64, error)
}

// Consolidator is the slice of SessionResolver the scheduler drives.
type Consolidator interface {
	Consolidate(ctx context.Context) (int, error)
}

// Scheduler runs periodic maintenance: retention pruning and duplicate
// session consolidation.
type Scheduler struct {
	db           MaintenanceDatabase
	consolidator Consolidator
	logger       *logrus.Logger

	interval              time.Duration
	retentionDays         int
	archivedRetentionDays int
}

func NewScheduler(db MaintenanceDatabase, consolidator Consolidator, retentionDays int, logger *logrus.Logger) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	return &Scheduler{
		db:                    db,
		consolidator:          consolidator,
		logger:                logger,
		interval:              time.Duration(constants.DefaultMaintenanceIntervalHrs) * time.Hour,
		retentionDays:         retentionDays,
		archivedRetentionDays: constants.DefaultArchivedRetentionDays,
	}
}

// Start runs maintenance on a fixed interval until ctx is cancelled. The
// first pass runs immediately so a long-stopped node cleans up promptly.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"interval":       s.interval,
		"retention_days": s.retentionDays,
	}).Info("Maintenance scheduler started")

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Maintenance scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one maintenance pass. Each step failing only logs; the
// remaining steps still run.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	if pruned, err := s.db.PruneTerminalMessages(ctx, s.retentionDays); err != nil {
		s.logger.WithError(err).Warn("Failed to prune old messages")
	} else if pruned > 0 {
		s.logger.WithField("pruned", pruned).Info("Pruned old messages")
	}

	if pruned, err := s.db.PruneArchivedSessions(ctx, s.archivedRetentionDays); err != nil {
		s.logger.WithError(err).Warn("Failed to prune archived sessions")
	} else if pruned > 0 {
		s.logger.WithField("pruned", pruned).Info("Pruned archived sessions")
	}

	if merged, err := s.consolidator.Consolidate(ctx); err != nil {
		s.logger.WithError(err).Warn("Session consolidation failed")
	} else if merged > 0 {
		s.logger.WithField("merged", merged).Info("Consolidated duplicate sessions")
	}

	metrics.RecordTimer("maintenance_duration", time.Since(start), nil, "Maintenance pass duration")
}
