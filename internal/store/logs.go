package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
)

// gormLogStore is the GORM implementation of LogStore.
type gormLogStore struct {
	db *gorm.DB
}

// AppendBatch inserts multiple log lines in a single statement. Robots ship
// log batches; inserting them row by row would dominate write load.
func (r *gormLogStore) AppendBatch(ctx context.Context, entries []db.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("logs: append batch: %w", classify(err))
	}
	return nil
}

// ListByJob returns log lines for a job ordered by timestamp ascending so
// the caller can replay execution order without additional sorting.
func (r *gormLogStore) ListByJob(ctx context.Context, jobID string, opts ListOptions) ([]db.LogEntry, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.LogEntry{}).Where("job_id = ?", jobID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("logs: list count: %w", classify(err))
	}

	var entries []db.LogEntry
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("timestamp ASC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("logs: list by job: %w", classify(err))
	}

	return entries, total, nil
}

// DeleteOlderThan purges log lines older than the cutoff. Called by the
// janitor's retention job. Returns the number of rows removed.
func (r *gormLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&db.LogEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("logs: delete older than: %w", classify(result.Error))
	}
	return result.RowsAffected, nil
}
