// Package journal batches transition records into the configured journal store.
package journal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

const (
	defaultBuffer    = 1024
	defaultBatchSize = 100
	flushInterval    = time.Second
	pruneInterval    = 6 * time.Hour
)

type Writer struct {
	store         store.JournalStore
	queue         chan *model.TransitionRecord
	retentionDays int
	logger        *zap.Logger
}

func NewWriter(st store.JournalStore, buffer, retentionDays int, logger *zap.Logger) *Writer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Writer{
		store:         st,
		queue:         make(chan *model.TransitionRecord, buffer),
		retentionDays: retentionDays,
		logger:        logger.With(zap.String("component", "journal")),
	}
}

// Record enqueues rec without blocking; a full buffer drops it.
func (w *Writer) Record(rec *model.TransitionRecord) {
	select {
	case w.queue <- rec:
	default:
		metrics.JournalDropped.Inc()
		w.logger.Warn("journal buffer full, dropping record",
			zap.String("workflow_id", rec.WorkflowID),
			zap.String("to_stage", string(rec.ToStage)),
		)
	}
}

func (w *Writer) Run(ctx context.Context) error {
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	batch := make([]*model.TransitionRecord, 0, defaultBatchSize)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case rec := <-w.queue:
					batch = append(batch, rec)
				default:
					break drain
				}
			}
			w.flush(context.Background(), batch)
			return nil
		case rec := <-w.queue:
			batch = append(batch, rec)
			if len(batch) >= defaultBatchSize {
				batch = w.flush(ctx, batch)
			}
		case <-flush.C:
			batch = w.flush(ctx, batch)
		case <-prune.C:
			if w.retentionDays > 0 {
				if err := w.store.DeleteOlderThan(ctx, w.retentionDays); err != nil {
					w.logger.Warn("failed to prune journal", zap.Error(err))
				}
			}
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []*model.TransitionRecord) []*model.TransitionRecord {
	if len(batch) == 0 {
		return batch
	}
	if err := w.store.CreateBatch(ctx, batch); err != nil {
		w.logger.Error("failed to write journal batch", zap.Int("records", len(batch)), zap.Error(err))
	}
	return batch[:0]
}

func (w *Writer) ListByWorkflow(ctx context.Context, brand, workflowID string, limit int) ([]model.TransitionRecord, error) {
	return w.store.ListByWorkflow(ctx, brand, workflowID, limit)
}
