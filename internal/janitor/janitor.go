// Package janitor runs the periodic background maintenance: marking jobs
// that ran past their timeout, purging old log entries, and reconciling
// robot rows whose connections died without a clean disconnect.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// Config controls the sweep cadences and policies. Zero values are replaced
// by defaults.
type Config struct {
	// TimeoutSweepEvery is the cadence of the job timeout sweep.
	TimeoutSweepEvery time.Duration
	// TimeoutGrace is added on top of each job's own timeout before the
	// sweep declares it timed out, leaving room for a late terminal report.
	TimeoutGrace time.Duration
	// LogRetention is how long log entries are kept. Zero disables purging.
	LogRetention time.Duration
	// RetentionSweepEvery is the cadence of the log purge.
	RetentionSweepEvery time.Duration
	// RobotStaleAfter flips robot rows to offline when their persisted
	// heartbeat is older than this. Catches rows orphaned by a crash, since
	// the in-memory sweeper's state dies with the process.
	RobotStaleAfter time.Duration
	// ReconcileEvery is the cadence of the robot row reconciliation.
	ReconcileEvery time.Duration
}

func (c *Config) withDefaults() {
	if c.TimeoutSweepEvery <= 0 {
		c.TimeoutSweepEvery = 30 * time.Second
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = 60 * time.Second
	}
	if c.RetentionSweepEvery <= 0 {
		c.RetentionSweepEvery = time.Hour
	}
	if c.RobotStaleAfter <= 0 {
		c.RobotStaleAfter = 5 * time.Minute
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = time.Minute
	}
}

// Janitor owns the gocron scheduler and its three jobs.
type Janitor struct {
	cfg       Config
	stores    *store.Stores
	registry  *registry.Registry
	logger    *zap.Logger
	scheduler gocron.Scheduler
}

// New constructs a Janitor. Start must be called to begin sweeping.
func New(cfg Config, stores *store.Stores, reg *registry.Registry, logger *zap.Logger) (*Janitor, error) {
	cfg.withDefaults()

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: create scheduler: %w", err)
	}

	j := &Janitor{
		cfg:       cfg,
		stores:    stores,
		registry:  reg,
		logger:    logger.Named("janitor"),
		scheduler: s,
	}

	if _, err := s.NewJob(
		gocron.DurationJob(cfg.TimeoutSweepEvery),
		gocron.NewTask(j.sweepTimeouts),
	); err != nil {
		return nil, fmt.Errorf("janitor: schedule timeout sweep: %w", err)
	}

	if cfg.LogRetention > 0 {
		if _, err := s.NewJob(
			gocron.DurationJob(cfg.RetentionSweepEvery),
			gocron.NewTask(j.purgeLogs),
		); err != nil {
			return nil, fmt.Errorf("janitor: schedule log purge: %w", err)
		}
	}

	if _, err := s.NewJob(
		gocron.DurationJob(cfg.ReconcileEvery),
		gocron.NewTask(j.reconcileRobots),
	); err != nil {
		return nil, fmt.Errorf("janitor: schedule robot reconciliation: %w", err)
	}

	return j, nil
}

// Start begins the sweeps in the background.
func (j *Janitor) Start() {
	j.scheduler.Start()
	j.logger.Info("janitor started",
		zap.Duration("timeout_sweep", j.cfg.TimeoutSweepEvery),
		zap.Duration("log_retention", j.cfg.LogRetention))
}

// Stop shuts the scheduler down, waiting for running sweeps to finish.
func (j *Janitor) Stop() {
	if err := j.scheduler.Shutdown(); err != nil {
		j.logger.Warn("scheduler shutdown", zap.Error(err))
	}
}

// sweepTimeouts marks jobs timed_out once their own timeout plus the grace
// window has elapsed since start. The robot is not interrupted: if it later
// reports a terminal state, RecordTerminal's idempotence discards it.
func (j *Janitor) sweepTimeouts() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobs, err := j.stores.Jobs.ListTimedOut(ctx, j.cfg.TimeoutGrace, time.Now().UTC())
	if err != nil {
		j.logger.Error("list timed out jobs", zap.Error(err))
		return
	}

	for i := range jobs {
		job := &jobs[i]
		jobID := job.ID.String()

		err := j.stores.Jobs.RecordTerminal(ctx, jobID, store.TerminalUpdate{
			Status: types.JobStatusTimedOut,
			Error:  fmt.Sprintf("exceeded timeout of %ds", job.TimeoutSeconds),
		})
		if err != nil {
			j.logger.Error("mark job timed out", zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		j.registry.Release(job.AssignedRobotID, jobID)
		j.logger.Warn("job timed out",
			zap.String("job_id", jobID),
			zap.String("robot_id", job.AssignedRobotID),
			zap.Int("timeout_seconds", job.TimeoutSeconds))

		if err := j.stores.Audit.Append(ctx, "janitor", "job.timed_out", jobID,
			fmt.Sprintf("on robot %s after %ds", job.AssignedRobotID, job.TimeoutSeconds)); err != nil {
			j.logger.Warn("audit timeout", zap.Error(err))
		}
	}
}

// purgeLogs deletes log entries older than the retention window.
func (j *Janitor) purgeLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.cfg.LogRetention)
	n, err := j.stores.Logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("purge logs", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("purged old log entries", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
}

// reconcileRobots flips stale robot rows to offline and re-queues their
// jobs. The live sweeper already handles robots this process is connected
// to; this sweep repairs rows left behind by a previous process.
func (j *Janitor) reconcileRobots() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.cfg.RobotStaleAfter)
	robotIDs, err := j.stores.Robots.MarkOfflineStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("mark stale robots offline", zap.Error(err))
		return
	}

	for _, robotID := range robotIDs {
		// Skip robots with a live connection; their heartbeats will refresh
		// the row on the next beat.
		if _, connected := j.registry.Get(robotID); connected {
			continue
		}
		released, err := j.stores.Jobs.ReleaseAllForRobot(ctx, robotID)
		if err != nil {
			j.logger.Error("release jobs for stale robot", zap.String("robot_id", robotID), zap.Error(err))
			continue
		}
		if len(released) > 0 {
			j.logger.Warn("re-queued jobs from stale robot",
				zap.String("robot_id", robotID),
				zap.Strings("job_ids", released))
		}
	}
	if len(robotIDs) > 0 {
		j.registry.Notify()
	}
}
