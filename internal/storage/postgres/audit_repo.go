package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/safeshell/internal/audit"
)

// AuditRepository implements audit.Store with GORM. The SQLite backend reuses it.
// Append-only: there is no Update method, and Delete only runs through Prune.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit record. Missing ID and timestamp are filled in.
func (r *AuditRepository) Append(ctx context.Context, rec audit.Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	model := toAuditModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// Recent returns audit records, newest first. Limit defaults to 100.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = audit.DefaultRecentLimit
	}

	var models []AuditRecordModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}

	records := make([]audit.Record, len(models))
	for i := range models {
		records[i] = toAuditDomain(&models[i])
	}
	return records, nil
}

// Prune deletes records created before cutoff.
func (r *AuditRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&AuditRecordModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var _ audit.Store = (*AuditRepository)(nil)
