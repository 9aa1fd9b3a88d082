package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelflow/reelflow/pkg/model"
)

// OutboxRepository reads and settles workflow_events rows for the relay.
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// ListPending returns undelivered stage changes in commit order. event_id
// breaks created_at ties so a workflow's rows keep a stable order.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]model.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []model.WorkflowEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC, event_id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	return r.settle(ctx, eventID, map[string]interface{}{
		"status":       model.OutboxStatusPublished,
		"published_at": publishedAt,
	})
}

// MarkFailed records a row that went to the dead-letter topic along with the
// broker error that sent it there.
func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID uuid.UUID, publishErr string, failedAt time.Time) error {
	return r.settle(ctx, eventID, map[string]interface{}{
		"status":     model.OutboxStatusFailed,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": publishErr,
		"failed_at":  failedAt,
	})
}

// RecordAttempt keeps the row pending after a delivery that reached neither
// topic.
func (r *OutboxRepository) RecordAttempt(ctx context.Context, eventID uuid.UUID, publishErr string) error {
	return r.settle(ctx, eventID, map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": publishErr,
	})
}

// settle only touches pending rows, so a relay replica that lost the race
// cannot flip a published row back to failed.
func (r *OutboxRepository) settle(ctx context.Context, eventID uuid.UUID, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&model.WorkflowEvent{}).
		Where("event_id = ? AND status = ?", eventID, model.OutboxStatusPending).
		Updates(updates).Error
}
