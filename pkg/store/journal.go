package store

import (
	"context"

	"github.com/reelflow/reelflow/pkg/model"
)

// JournalStore defines the interface for transition history backends (PostgreSQL, ClickHouse)
type JournalStore interface {
	// CreateBatch inserts a batch of transition records
	CreateBatch(ctx context.Context, records []*model.TransitionRecord) error

	// ListByWorkflow returns the history of one workflow, oldest first
	ListByWorkflow(ctx context.Context, brand, workflowID string, limit int) ([]model.TransitionRecord, error)

	// DeleteOlderThan removes history past the retention period (if backend requires it)
	DeleteOlderThan(ctx context.Context, retentionDays int) error

	// Close closes the connection to the storage backend
	Close() error
}
