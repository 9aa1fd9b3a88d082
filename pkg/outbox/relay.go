// Package outbox forwards committed stage-change rows to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/metrics"
	"github.com/reelflow/reelflow/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.WorkflowEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, publishErr string, failedAt time.Time) error
	RecordAttempt(ctx context.Context, eventID uuid.UUID, publishErr string) error
}

// MessageWriter is the part of *kafka.Writer the relay uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Relay struct {
	repo         Repository
	writer       MessageWriter
	dlqWriter    MessageWriter
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

type Message struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	Brand      string      `json:"brand"`
	WorkflowID string      `json:"workflow_id"`
	Payload    model.JSONB `json:"payload"`
	CreatedAt  time.Time   `json:"created_at"`
}

type DLQMessage struct {
	Event    Message   `json:"event"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

func NewRelay(repo Repository, writer, dlqWriter MessageWriter, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		repo:         repo,
		writer:       writer,
		dlqWriter:    dlqWriter,
		logger:       logger.With(zap.String("component", "outbox-relay")),
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.ProcessPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return nil
		case <-ticker.C:
			r.ProcessPending(ctx)
		}
	}
}

// ProcessPending publishes one batch and reports how many rows it handled.
func (r *Relay) ProcessPending(ctx context.Context) int {
	events, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending outbox events", zap.Error(err))
		return 0
	}

	handled := 0
	for _, event := range events {
		if err := r.publishEvent(ctx, event); err != nil {
			r.logger.Warn("failed to publish outbox event",
				zap.Error(err),
				zap.String("event_id", event.EventID.String()),
				zap.String("workflow_id", event.WorkflowID))
			continue
		}
		handled++
	}
	return handled
}

func (r *Relay) publishEvent(ctx context.Context, event model.WorkflowEvent) error {
	message := Message{
		EventID:    event.EventID.String(),
		EventType:  event.EventType,
		Brand:      event.Brand,
		WorkflowID: event.WorkflowID,
		Payload:    event.Payload,
		CreatedAt:  event.CreatedAt,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// keyed by workflow so consumers see one workflow's changes in order
	kafkaMessage := kafka.Message{
		Key:   messageKey(event),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "rf-event-id", Value: []byte(message.EventID)},
			{Key: "rf-event-type", Value: []byte(event.EventType)},
		},
		Time: time.Now(),
	}

	if err := r.writer.WriteMessages(ctx, kafkaMessage); err != nil {
		metrics.OutboxPublished.WithLabelValues("dlq").Inc()
		r.logger.Warn("failed to publish to kafka, sending to DLQ", zap.Error(err), zap.String("event_id", message.EventID))
		return r.publishDLQ(ctx, message, err, event)
	}
	metrics.OutboxPublished.WithLabelValues("published").Inc()

	if err := r.repo.MarkPublished(ctx, event.EventID, time.Now()); err != nil {
		r.logger.Warn("failed to mark event published", zap.Error(err), zap.String("event_id", message.EventID))
		return err
	}

	return nil
}

func (r *Relay) publishDLQ(ctx context.Context, message Message, publishErr error, event model.WorkflowEvent) error {
	if r.dlqWriter == nil {
		r.recordAttempt(ctx, event, publishErr)
		return publishErr
	}

	failedAt := time.Now()
	dlq := DLQMessage{
		Event:    message,
		Error:    publishErr.Error(),
		Attempts: event.Attempts + 1,
		FailedAt: failedAt,
	}

	payload, err := json.Marshal(dlq)
	if err != nil {
		return err
	}

	kafkaMessage := kafka.Message{
		Key:   messageKey(event),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "rf-event-id", Value: []byte(message.EventID)},
			{Key: "rf-error", Value: []byte(dlq.Error)},
		},
		Time: failedAt,
	}

	if err := r.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		metrics.OutboxPublished.WithLabelValues(metrics.ResultError).Inc()
		err = errors.Join(publishErr, err)
		r.recordAttempt(ctx, event, err)
		return err
	}

	if err := r.repo.MarkFailed(ctx, event.EventID, dlq.Error, failedAt); err != nil {
		r.logger.Warn("failed to mark event failed", zap.Error(err), zap.String("event_id", message.EventID))
		return err
	}

	return nil
}

// recordAttempt leaves the row pending for the next poll with the error that
// stopped it.
func (r *Relay) recordAttempt(ctx context.Context, event model.WorkflowEvent, err error) {
	if rerr := r.repo.RecordAttempt(ctx, event.EventID, err.Error()); rerr != nil {
		r.logger.Warn("failed to record outbox attempt", zap.Error(rerr), zap.String("event_id", event.EventID.String()))
	}
}

func messageKey(event model.WorkflowEvent) []byte {
	return []byte(event.Brand + "/" + event.WorkflowID)
}
