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

// maxNameLen matches the robots.name / robots.hostname column length.
// Disambiguated values are truncated so the suffix always survives.
const maxNameLen = 255

// registerRetries is how many times Register retries after a unique-name
// collision before giving up.
const registerRetries = 3

// gormRobotStore is the GORM implementation of RobotStore.
type gormRobotStore struct {
	db *gorm.DB
}

// Register upserts a robot keyed on robot_id. Re-registering with the same
// name and hostname yields the same row. On a unique collision of name or
// hostname against a different robot, the value is disambiguated
// deterministically: first "<name> (<last8-of-robot-id>)", then
// "<name> (<last8>-<n>)" — so operators see stable identities instead of
// random suffixes.
func (r *gormRobotStore) Register(ctx context.Context, reg Registration) (*db.Robot, error) {
	if reg.MaxConcurrentJobs < 1 {
		reg.MaxConcurrentJobs = 1
	}
	if reg.TenantID == "" {
		reg.TenantID = "default"
	}
	if reg.Hostname == "" {
		reg.Hostname = "robot-" + reg.RobotID
	}
	if reg.Name == "" {
		reg.Name = reg.Hostname
	}

	var existing db.Robot
	err := r.db.WithContext(ctx).First(&existing, "robot_id = ?", reg.RobotID).Error
	switch {
	case err == nil:
		return r.update(ctx, &existing, reg)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.create(ctx, reg)
	default:
		return nil, fmt.Errorf("robots: register lookup: %w", classify(err))
	}
}

// create inserts a fresh row, retrying with disambiguated name/hostname on
// unique violations.
func (r *gormRobotStore) create(ctx context.Context, reg Registration) (*db.Robot, error) {
	name, hostname := reg.Name, reg.Hostname

	var lastErr error
	for attempt := 0; attempt <= registerRetries; attempt++ {
		if attempt > 0 {
			name = disambiguate(reg.Name, reg.RobotID, attempt)
			hostname = disambiguate(reg.Hostname, reg.RobotID, attempt)
		}

		robot := &db.Robot{
			RobotID:           reg.RobotID,
			Name:              name,
			Hostname:          hostname,
			TenantID:          reg.TenantID,
			Environment:       reg.Environment,
			Status:            string(types.RobotStatusOffline),
			MaxConcurrentJobs: reg.MaxConcurrentJobs,
			Capabilities:      EncodeList(reg.Capabilities),
			Tags:              EncodeList(reg.Tags),
			CurrentJobIDs:     "[]",
			Metrics:           "{}",
		}

		err := r.db.WithContext(ctx).Create(robot).Error
		if err == nil {
			return robot, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("robots: create: %w", classify(err))
		}
		lastErr = err
	}

	return nil, fmt.Errorf("robots: create after %d rename attempts: %w", registerRetries, classify(lastErr))
}

// update refreshes the declared fields of an existing row, applying the same
// rename-on-collision discipline when the name or hostname changed.
func (r *gormRobotStore) update(ctx context.Context, robot *db.Robot, reg Registration) (*db.Robot, error) {
	name, hostname := reg.Name, reg.Hostname

	var lastErr error
	for attempt := 0; attempt <= registerRetries; attempt++ {
		if attempt > 0 {
			name = disambiguate(reg.Name, reg.RobotID, attempt)
			hostname = disambiguate(reg.Hostname, reg.RobotID, attempt)
		}

		robot.Name = name
		robot.Hostname = hostname
		robot.TenantID = reg.TenantID
		robot.Environment = reg.Environment
		robot.MaxConcurrentJobs = reg.MaxConcurrentJobs
		robot.Capabilities = EncodeList(reg.Capabilities)
		robot.Tags = EncodeList(reg.Tags)

		err := r.db.WithContext(ctx).Save(robot).Error
		if err == nil {
			return robot, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("robots: update: %w", classify(err))
		}
		lastErr = err
	}

	return nil, fmt.Errorf("robots: update after %d rename attempts: %w", registerRetries, classify(lastErr))
}

// disambiguate derives the deterministic rename for a colliding unique value:
// attempt 1 appends the last 8 characters of the robot_id; later attempts add
// a numeric suffix. The result is capped at the column length, trimming the
// base so the suffix is preserved.
func disambiguate(val, robotID string, attempt int) string {
	last8 := robotID
	if len(last8) > 8 {
		last8 = last8[len(last8)-8:]
	}

	var suffix string
	if attempt <= 1 {
		suffix = fmt.Sprintf(" (%s)", last8)
	} else {
		suffix = fmt.Sprintf(" (%s-%d)", last8, attempt)
	}

	if len(val)+len(suffix) > maxNameLen {
		val = val[:maxNameLen-len(suffix)]
	}
	return val + suffix
}

// UpdateStatus atomically updates the liveness fields of a robot. If no row
// exists yet — a heartbeat arriving before registration — a minimal row is
// created with sensible defaults so the fleet self-heals.
func (r *gormRobotStore) UpdateStatus(ctx context.Context, robotID string, status types.RobotStatus, heartbeat time.Time, metrics map[string]float64) error {
	updates := map[string]interface{}{
		"status":            string(status),
		"last_seen_at":      heartbeat,
		"last_heartbeat_at": heartbeat,
	}
	if metrics != nil {
		updates["metrics"] = encodeMap(metrics)
	}

	result := r.db.WithContext(ctx).
		Model(&db.Robot{}).
		Where("robot_id = ?", robotID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("robots: update status: %w", classify(result.Error))
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// Self-healing path: heartbeat before registration.
	_, err := r.Register(ctx, Registration{
		RobotID:  robotID,
		Name:     "robot-" + robotID,
		Hostname: "robot-" + robotID,
	})
	if err != nil {
		return fmt.Errorf("robots: self-heal on heartbeat: %w", err)
	}

	result = r.db.WithContext(ctx).
		Model(&db.Robot{}).
		Where("robot_id = ?", robotID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("robots: update status after self-heal: %w", classify(result.Error))
	}
	return nil
}

// Get retrieves a robot by its client-chosen robot_id.
func (r *gormRobotStore) Get(ctx context.Context, robotID string) (*db.Robot, error) {
	var robot db.Robot
	err := r.db.WithContext(ctx).First(&robot, "robot_id = ?", robotID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("robots: get: %w", classify(err))
	}
	return &robot, nil
}

// List returns a filtered, paginated list of robots and the total count.
// Capability filtering matches the JSON array column with a substring
// predicate — capability tags never contain quotes, so the match is exact.
func (r *gormRobotStore) List(ctx context.Context, filter RobotFilter, opts ListOptions) ([]db.Robot, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Robot{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Capability != "" {
		q = q.Where("capabilities LIKE ?", `%"`+filter.Capability+`"%`)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("robots: list count: %w", classify(err))
	}

	var robots []db.Robot
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&robots).Error; err != nil {
		return nil, 0, fmt.Errorf("robots: list: %w", classify(err))
	}

	return robots, total, nil
}

// Update persists all fields of an existing robot record.
func (r *gormRobotStore) Update(ctx context.Context, robot *db.Robot) error {
	result := r.db.WithContext(ctx).Save(robot)
	if result.Error != nil {
		return fmt.Errorf("robots: update: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrMissing
	}
	return nil
}

// Delete removes a robot row. In-flight jobs are not touched — the caller is
// responsible for releasing them first.
func (r *gormRobotStore) Delete(ctx context.Context, robotID string) error {
	result := r.db.WithContext(ctx).Delete(&db.Robot{}, "robot_id = ?", robotID)
	if result.Error != nil {
		return fmt.Errorf("robots: delete: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrMissing
	}
	return nil
}

// MarkOfflineStale flips every non-offline robot whose last heartbeat is
// older than the cutoff and returns the affected robot_ids. Used by the
// stale sweeper to reconcile DB state with connection reality.
func (r *gormRobotStore) MarkOfflineStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []db.Robot
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{string(types.RobotStatusOffline), string(types.RobotStatusMaintenance)}).
		Where("last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("robots: find stale: %w", classify(err))
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(stale))
	for i := range stale {
		ids = append(ids, stale[i].RobotID)
	}

	result := r.db.WithContext(ctx).
		Model(&db.Robot{}).
		Where("robot_id IN ?", ids).
		Update("status", string(types.RobotStatusOffline))
	if result.Error != nil {
		return nil, fmt.Errorf("robots: mark stale offline: %w", classify(result.Error))
	}

	return ids, nil
}
