package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Append(ctx context.Context, entry *model.DeadLetter) error {
	err := r.db.WithContext(ctx).Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrExists
	}
	return err
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	var entry model.DeadLetter
	if err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetter, error) {
	var entries []model.DeadLetter
	query := r.db.WithContext(ctx).Order("created_at DESC")

	if filter.Brand != "" {
		query = query.Where("brand = ?", filter.Brand)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Resolved != nil {
		query = query.Where("resolved = ?", *filter.Resolved)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	err := query.Find(&entries).Error
	return entries, err
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, map[string]interface{}{
		"replayed":    true,
		"replayed_at": at,
	})
}

func (r *DeadLetterRepository) Resolve(ctx context.Context, id, notes string, at time.Time) error {
	updates := map[string]interface{}{
		"resolved":    true,
		"resolved_at": at,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	return r.update(ctx, id, updates)
}

func (r *DeadLetterRepository) update(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&model.DeadLetter{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
