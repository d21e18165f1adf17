// Package scheduler runs the gateway's periodic maintenance: evicting idle
// CSV sessions from the pool and reconciling the persisted connection
// status column with the in-memory registry (the registry is authoritative;
// the column can drift after a crash or an unclean shutdown).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/repositories"
)

// CSVSweeper evicts idle CSV sessions. Implemented by the csv pool.
type CSVSweeper interface {
	SweepIdle() int
}

// Presence answers whether an agent currently has a live session.
// Implemented by the registry.
type Presence interface {
	IsConnected(agentID uuid.UUID) bool
}

// Scheduler wraps gocron and owns the maintenance jobs. The zero value is
// not usable — create instances with New.
type Scheduler struct {
	cron        gocron.Scheduler
	pool        CSVSweeper
	presence    Presence
	connections repositories.ConnectionRepository
	logger      *zap.Logger
}

const (
	csvSweepInterval  = 5 * time.Minute
	reconcileInterval = time.Minute
)

// New creates and configures the Scheduler. Call Start to begin.
func New(pool CSVSweeper, presence Presence, connections repositories.ConnectionRepository, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: gocron.NewScheduler: %w", err)
	}
	return &Scheduler{
		cron:        cron,
		pool:        pool,
		presence:    presence,
		connections: connections,
		logger:      logger.Named("scheduler"),
	}, nil
}

// Start registers the maintenance jobs and starts the ticker. Jobs run in
// singleton mode so a slow run is never overlapped by the next tick.
func (s *Scheduler) Start() error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(csvSweepInterval),
		gocron.NewTask(s.sweepCSV),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduler: registering csv sweep: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(reconcileInterval),
		gocron.NewTask(s.reconcileStatus),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduler: registering status reconciliation: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("csv_sweep_interval", csvSweepInterval),
		zap.Duration("reconcile_interval", reconcileInterval),
	)
	return nil
}

// Stop shuts the ticker down and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown error", zap.Error(err))
	}
}

func (s *Scheduler) sweepCSV() {
	if n := s.pool.SweepIdle(); n > 0 {
		s.logger.Info("evicted idle csv sessions", zap.Int("count", n))
	}
}

// reconcileStatus walks connections marked online in the database and
// flips any whose agent has no live session. Covers status rows orphaned
// by a crash, where the detach path never ran.
func (s *Scheduler) reconcileStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	online, err := s.connections.ListByStatus(ctx, "online")
	if err != nil {
		s.logger.Warn("status reconciliation list failed", zap.Error(err))
		return
	}

	fixed := 0
	for _, conn := range online {
		if s.presence.IsConnected(conn.AgentID) {
			continue
		}
		if err := s.connections.UpdateStatus(ctx, conn.ID, "offline", time.Now().UTC()); err != nil {
			s.logger.Warn("status reconciliation update failed",
				zap.String("connection_id", conn.ID.String()),
				zap.Error(err),
			)
			continue
		}
		fixed++
	}
	if fixed > 0 {
		s.logger.Info("reconciled stale connection statuses", zap.Int("count", fixed))
	}
}
