// Package deadletter keeps the operator log of events and workflows the
// engine could not resolve by itself.
package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/model"
	"github.com/reelflow/reelflow/pkg/store"
)

const (
	defaultBuffer = 256
	drainTimeout  = 5 * time.Second
)

// Recorder writes dead letters from a background goroutine so callers on
// the transition path never wait on the store.
type Recorder struct {
	store  store.DeadLetterStore
	queue  chan *model.DeadLetter
	logger *zap.Logger
}

func NewRecorder(st store.DeadLetterStore, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Recorder{
		store:  st,
		queue:  make(chan *model.DeadLetter, buffer),
		logger: logger.With(zap.String("component", "deadletter")),
	}
}

// Record enqueues entry and returns immediately. When the buffer is full the
// entry is logged and dropped.
func (r *Recorder) Record(entry *model.DeadLetter) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	select {
	case r.queue <- entry:
	default:
		metrics.DeadLettersTotal.WithLabelValues(string(entry.Kind), "dropped").Inc()
		r.logger.Error("dead letter buffer full, dropping entry",
			zap.String("kind", string(entry.Kind)),
			zap.String("brand", entry.Brand),
			zap.String("workflow_id", entry.WorkflowID),
			zap.String("error", entry.Error),
		)
	}
}

// Run writes queued entries until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info("dead letter recorder starting", zap.Int("buffer", cap(r.queue)))
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case entry := <-r.queue:
			r.write(ctx, entry)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case entry := <-r.queue:
			r.write(ctx, entry)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, entry *model.DeadLetter) {
	if err := r.store.Append(ctx, entry); err != nil {
		metrics.DeadLettersTotal.WithLabelValues(string(entry.Kind), "error").Inc()
		r.logger.Error("failed to write dead letter",
			zap.String("id", entry.ID),
			zap.String("kind", string(entry.Kind)),
			zap.Error(err),
		)
		return
	}
	metrics.DeadLettersTotal.WithLabelValues(string(entry.Kind), "written").Inc()
	r.logger.Warn("dead letter recorded",
		zap.String("id", entry.ID),
		zap.String("kind", string(entry.Kind)),
		zap.String("vendor", entry.Vendor),
		zap.String("brand", entry.Brand),
		zap.String("workflow_id", entry.WorkflowID),
		zap.String("error", entry.Error),
	)
}
