package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
)

// gormAuditStore is the GORM implementation of AuditStore.
type gormAuditStore struct {
	db *gorm.DB
}

// Append records one audit entry. Audit writes are advisory — callers that
// cannot afford to fail on audit errors log and continue.
func (r *gormAuditStore) Append(ctx context.Context, actor, action, entityID, detail string) error {
	entry := &db.AuditEntry{
		Actor:    actor,
		Action:   action,
		EntityID: entityID,
		Detail:   detail,
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit: append: %w", classify(err))
	}
	return nil
}

// List returns a paginated audit trail, newest first.
func (r *gormAuditStore) List(ctx context.Context, opts ListOptions) ([]db.AuditEntry, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.AuditEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list count: %w", classify(err))
	}

	var entries []db.AuditEntry
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", classify(err))
	}

	return entries, total, nil
}
