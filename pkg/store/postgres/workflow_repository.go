package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) Create(ctx context.Context, wf *model.Workflow) error {
	err := r.db.WithContext(ctx).Create(wf).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrExists
	}
	return err
}

func (r *WorkflowRepository) Get(ctx context.Context, brand, id string) (*model.Workflow, error) {
	var wf model.Workflow
	err := r.db.WithContext(ctx).First(&wf, "brand = ? AND id = ?", brand, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &wf, nil
}

func (r *WorkflowRepository) FindByExternalRef(ctx context.Context, brand, vendorJobID string) (*model.Workflow, error) {
	var wf model.Workflow
	err := r.db.WithContext(ctx).
		Where("brand = ?", brand).
		Where(`EXISTS (SELECT 1 FROM jsonb_each_text(external_refs) ref WHERE ref.value = ?)
			OR EXISTS (SELECT 1 FROM unnest(superseded_refs) old WHERE substring(old from position(':' in old) + 1) = ?)`,
			vendorJobID, vendorJobID).
		Order("updated_at DESC").
		First(&wf).Error
	if err != nil {
		return nil, translate(err)
	}
	return &wf, nil
}

// Mutate holds a row lock for the whole of fn, so a vendor submit made
// inside fn is serialized with any concurrent callback for the same record.
func (r *WorkflowRepository) Mutate(ctx context.Context, brand, id string, fn store.MutateFunc) (*model.Workflow, error) {
	var result *model.Workflow

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wf model.Workflow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&wf, "brand = ? AND id = ?", brand, id).Error
		if err != nil {
			return translate(err)
		}

		before := wf.Version
		m, err := fn(&wf)
		if err != nil {
			return err
		}
		if !m.Changed {
			result = &wf
			return nil
		}

		wf.Version = before + 1
		res := tx.Model(&model.Workflow{}).
			Where("brand = ? AND id = ? AND version = ?", brand, id, before).
			Updates(map[string]interface{}{
				"stage":            wf.Stage,
				"external_refs":    wf.ExternalRefs,
				"superseded_refs":  wf.SupersededRefs,
				"attempt":          wf.Attempt,
				"retry_count":      wf.RetryCount,
				"failed_stage":     wf.FailedStage,
				"retries_disabled": wf.RetriesDisabled,
				"version":          wf.Version,
				"last_error":       wf.LastError,
				"payload":          wf.Payload,
				"artifacts":        wf.Artifacts,
				"terminal_result":  wf.TerminalResult,
				"stage_entered_at": wf.StageEnteredAt,
				"updated_at":       wf.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrConflict
		}

		if m.Event != nil {
			if err := tx.Create(m.Event).Error; err != nil {
				return err
			}
		}

		result = &wf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *WorkflowRepository) ListStalled(ctx context.Context, stage model.Stage, cutoff time.Time, after store.Cursor, limit int) ([]model.Workflow, error) {
	var workflows []model.Workflow
	query := r.db.WithContext(ctx).
		Where("stage = ? AND stage_entered_at < ?", stage, cutoff)
	if !after.IsZero() {
		query = query.Where("(stage_entered_at, brand, id) > (?, ?, ?)", after.At, after.Brand, after.ID)
	}
	query = query.Order("stage_entered_at ASC, brand ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&workflows).Error
	return workflows, err
}

func (r *WorkflowRepository) ListFailed(ctx context.Context, maxRetryCount int, updatedBefore time.Time, after store.Cursor, limit int) ([]model.Workflow, error) {
	var workflows []model.Workflow
	query := r.db.WithContext(ctx).
		Where("stage = ? AND retries_disabled = ? AND retry_count < ? AND updated_at < ?",
			model.StageFailed, false, maxRetryCount, updatedBefore)
	if !after.IsZero() {
		query = query.Where("(updated_at, brand, id) > (?, ?, ?)", after.At, after.Brand, after.ID)
	}
	query = query.Order("updated_at ASC, brand ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&workflows).Error
	return workflows, err
}

func (r *WorkflowRepository) List(ctx context.Context, filter store.WorkflowFilter) ([]model.Workflow, int64, error) {
	var workflows []model.Workflow
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Workflow{})
	if filter.Brand != "" {
		query = query.Where("brand = ?", filter.Brand)
	}
	if filter.Stage != nil {
		query = query.Where("stage = ?", *filter.Stage)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&workflows).Error

	return workflows, total, err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}
