package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// gormJobStore is the GORM implementation of JobStore.
//
// Every state transition is guarded by a status predicate in the WHERE
// clause, so concurrent writers serialise on the row: the first transition
// wins, later ones see ErrStale. Transitions that change ownership also
// update the owning robot's current_job_ids inside the same transaction.
type gormJobStore struct {
	db *gorm.DB
}

// Enqueue creates a job in pending state and returns it.
func (r *gormJobStore) Enqueue(ctx context.Context, req JobRequest) (*db.Job, error) {
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	job := &db.Job{
		TenantID:       req.TenantID,
		WorkflowID:     req.WorkflowID,
		WorkflowName:   req.WorkflowName,
		WorkflowJSON:   req.WorkflowJSON,
		Parameters:     encodeMap(req.Parameters),
		Priority:       int(req.Priority),
		TimeoutSeconds: req.TimeoutSeconds,
		RequestedRobot: req.RequestedRobot,
		RequiredCaps:   EncodeList(req.RequiredCaps),
		Status:         string(types.JobStatusPending),
		Result:         "{}",
	}

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("jobs: enqueue: %w", classify(err))
	}
	return job, nil
}

// Get retrieves a job by its server-assigned UUID.
func (r *gormJobStore) Get(ctx context.Context, jobID string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("jobs: get: %w", classify(err))
	}
	return &job, nil
}

// List returns a paginated list of jobs, optionally filtered by status,
// most recent first.
func (r *gormJobStore) List(ctx context.Context, status types.JobStatus, opts ListOptions) ([]db.Job, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Job{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", classify(err))
	}

	var jobs []db.Job
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", classify(err))
	}

	return jobs, total, nil
}

// NextPending returns the dispatch candidate batch: pending jobs ordered by
// priority DESC then created_at ASC. Within one priority dispatch order is
// FIFO; across priorities higher always wins.
func (r *gormJobStore) NextPending(ctx context.Context, limit int) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", string(types.JobStatusPending)).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: next pending: %w", classify(err))
	}
	return jobs, nil
}

// MarkAssigned transitions pending → assigned and adds the job to the
// robot's current_job_ids set, in one transaction. ErrStale means the job
// left pending between selection and assignment — the dispatcher skips it.
func (r *gormJobStore) MarkAssigned(ctx context.Context, jobID, robotID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Model(&db.Job{}).
			Where("id = ? AND status = ?", jobID, string(types.JobStatusPending)).
			Updates(map[string]interface{}{
				"status":            string(types.JobStatusAssigned),
				"assigned_robot_id": robotID,
				"assigned_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStale
		}
		return addRobotJob(tx, robotID, jobID)
	})
	if err != nil {
		if errors.Is(err, ErrStale) {
			return ErrStale
		}
		return fmt.Errorf("jobs: mark assigned: %w", classify(err))
	}
	return nil
}

// Release returns an assigned or running job to pending and removes it from
// the robot's current_job_ids. Terminal jobs are left untouched (ErrStale).
func (r *gormJobStore) Release(ctx context.Context, jobID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMissing
			}
			return err
		}

		result := tx.Model(&db.Job{}).
			Where("id = ? AND status IN ?", jobID,
				[]string{string(types.JobStatusAssigned), string(types.JobStatusRunning)}).
			Updates(map[string]interface{}{
				"status":            string(types.JobStatusPending),
				"assigned_robot_id": "",
				"assigned_at":       nil,
				"started_at":        nil,
				"progress_percent":  0,
				"current_node":      "",
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStale
		}
		if job.AssignedRobotID != "" {
			return removeRobotJob(tx, job.AssignedRobotID, jobID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStale) || errors.Is(err, ErrMissing) {
			return err
		}
		return fmt.Errorf("jobs: release: %w", classify(err))
	}
	return nil
}

// MarkRunning transitions assigned → running and stamps started_at.
func (r *gormJobStore) MarkRunning(ctx context.Context, jobID string) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", jobID, string(types.JobStatusAssigned)).
		Updates(map[string]interface{}{
			"status":     string(types.JobStatusRunning),
			"started_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: mark running: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// UpdateProgress records the latest progress report. Progress is clamped to
// [0,100]. Terminal jobs ignore late progress silently.
func (r *gormJobStore) UpdateProgress(ctx context.Context, jobID string, progress float64, currentNode string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	result := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status IN ?", jobID,
			[]string{string(types.JobStatusAssigned), string(types.JobStatusRunning)}).
		Updates(map[string]interface{}{
			"progress_percent": progress,
			"current_node":     currentNode,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update progress: %w", classify(result.Error))
	}
	return nil
}

// RecordTerminal writes the final outcome of a job. Idempotent: the guard on
// non-terminal status makes a repeat call a no-op, and the owning robot's
// current_job_ids entry is removed exactly once.
func (r *gormJobStore) RecordTerminal(ctx context.Context, jobID string, upd TerminalUpdate) error {
	if !upd.Status.Terminal() {
		return fmt.Errorf("jobs: record terminal: %q is not a terminal status", upd.Status)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMissing
			}
			return err
		}
		if types.JobStatus(job.Status).Terminal() {
			// Already settled — absorbing state, nothing to do.
			return nil
		}

		updates := map[string]interface{}{
			"status":      string(upd.Status),
			"finished_at": time.Now().UTC(),
			"error":       upd.Error,
		}
		if upd.Result != nil {
			updates["result"] = encodeMap(upd.Result)
		}
		if upd.Status == types.JobStatusSucceeded {
			updates["progress_percent"] = 100.0
		}

		result := tx.Model(&db.Job{}).
			Where("id = ? AND status NOT IN ?", jobID, terminalStatuses()).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil // lost the race to another terminal writer
		}

		if job.AssignedRobotID != "" {
			return removeRobotJob(tx, job.AssignedRobotID, jobID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMissing) {
			return ErrMissing
		}
		return fmt.Errorf("jobs: record terminal: %w", classify(err))
	}
	return nil
}

// ReleaseAllForRobot re-queues every non-terminal job held by a robot and
// clears the robot's current_job_ids. Returns the affected job ids.
func (r *gormJobStore) ReleaseAllForRobot(ctx context.Context, robotID string) ([]string, error) {
	var released []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []db.Job
		if err := tx.
			Where("assigned_robot_id = ? AND status IN ?", robotID,
				[]string{string(types.JobStatusAssigned), string(types.JobStatusRunning)}).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]string, 0, len(jobs))
		for i := range jobs {
			ids = append(ids, jobs[i].ID.String())
		}

		result := tx.Model(&db.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":            string(types.JobStatusPending),
				"assigned_robot_id": "",
				"assigned_at":       nil,
				"started_at":        nil,
				"progress_percent":  0,
				"current_node":      "",
			})
		if result.Error != nil {
			return result.Error
		}

		if err := tx.Model(&db.Robot{}).
			Where("robot_id = ?", robotID).
			Update("current_job_ids", "[]").Error; err != nil {
			return err
		}

		released = ids
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: release all for robot: %w", classify(err))
	}
	return released, nil
}

// ListTimedOut returns non-terminal jobs with a positive timeout whose
// started_at + timeout_seconds + grace lies in the past.
func (r *gormJobStore) ListTimedOut(ctx context.Context, grace time.Duration, now time.Time) ([]db.Job, error) {
	var candidates []db.Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(types.JobStatusAssigned), string(types.JobStatusRunning)}).
		Where("timeout_seconds > 0 AND started_at IS NOT NULL").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list timed out: %w", classify(err))
	}

	var out []db.Job
	for i := range candidates {
		deadline := candidates[i].StartedAt.Add(time.Duration(candidates[i].TimeoutSeconds)*time.Second + grace)
		if now.After(deadline) {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

// ─── Robot job-set maintenance ───────────────────────────────────────────────

func terminalStatuses() []string {
	return []string{
		string(types.JobStatusSucceeded),
		string(types.JobStatusFailed),
		string(types.JobStatusCancelled),
		string(types.JobStatusTimedOut),
	}
}

// addRobotJob appends jobID to the robot's current_job_ids JSON set.
// Runs inside the caller's transaction; SQLite's single writer and
// Postgres's row lock on UPDATE keep the read-modify-write safe.
func addRobotJob(tx *gorm.DB, robotID, jobID string) error {
	var robot db.Robot
	if err := tx.First(&robot, "robot_id = ?", robotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // handle-only robot, nothing to track
		}
		return err
	}

	ids := DecodeList(robot.CurrentJobIDs)
	for _, id := range ids {
		if id == jobID {
			return nil
		}
	}
	ids = append(ids, jobID)

	return tx.Model(&db.Robot{}).
		Where("robot_id = ?", robotID).
		Update("current_job_ids", EncodeList(ids)).Error
}

// removeRobotJob removes jobID from the robot's current_job_ids JSON set.
func removeRobotJob(tx *gorm.DB, robotID, jobID string) error {
	var robot db.Robot
	if err := tx.First(&robot, "robot_id = ?", robotID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	ids := DecodeList(robot.CurrentJobIDs)
	out := ids[:0]
	for _, id := range ids {
		if id != jobID {
			out = append(out, id)
		}
	}

	return tx.Model(&db.Robot{}).
		Where("robot_id = ?", robotID).
		Update("current_job_ids", EncodeList(out)).Error
}
