package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/reelflow/reelflow/pkg/model"
)

type JournalRepository struct {
	db *gorm.DB
}

func NewJournalRepository(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

func (r *JournalRepository) CreateBatch(ctx context.Context, records []*model.TransitionRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(records, 100).Error
}

func (r *JournalRepository) ListByWorkflow(ctx context.Context, brand, workflowID string, limit int) ([]model.TransitionRecord, error) {
	var records []model.TransitionRecord
	query := r.db.WithContext(ctx).
		Where("brand = ? AND workflow_id = ?", brand, workflowID).
		Order("at ASC, id ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Find(&records).Error
	return records, err
}

func (r *JournalRepository) DeleteOlderThan(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return r.db.WithContext(ctx).
		Where("at < ?", cutoff).
		Delete(&model.TransitionRecord{}).Error
}

// Close is a no-op; the connection pool belongs to Store.
func (r *JournalRepository) Close() error {
	return nil
}
