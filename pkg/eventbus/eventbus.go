// Package eventbus fans out workflow stage changes to live subscribers such
// as the operator dashboard stream.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reelflow/reelflow/pkg/model"
)

const EventStageChanged = "stage_changed"

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type StageChange struct {
	WorkflowID string      `json:"workflow_id"`
	Brand      string      `json:"brand"`
	FromStage  model.Stage `json:"from_stage"`
	Stage      model.Stage `json:"stage"`
	Attempt    int         `json:"attempt"`
	RetryCount int         `json:"retry_count"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}

// Broker publishes stage changes and lets callers follow one brand.
type Broker interface {
	StageChanged(ctx context.Context, wf *model.Workflow, from model.Stage)
	Subscribe(ctx context.Context, brand string) <-chan *Event
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func stageChangeEvent(wf *model.Workflow, from model.Stage) (Event, error) {
	return NewEvent(EventStageChanged, StageChange{
		WorkflowID: wf.ID,
		Brand:      wf.Brand,
		FromStage:  from,
		Stage:      wf.Stage,
		Attempt:    wf.Attempt,
		RetryCount: wf.RetryCount,
		Error:      wf.LastError,
		At:         wf.UpdatedAt,
	})
}

// Bus is the redis pub/sub Broker shared by every engine replica.
type Bus struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

func NewBus(client redis.UniversalClient, prefix string, logger *zap.Logger) *Bus {
	return &Bus{client: client, prefix: prefix, logger: logger.With(zap.String("component", "eventbus"))}
}

func (b *Bus) channel(brand string) string {
	if b.prefix == "" {
		return "events:" + brand
	}
	return b.prefix + ":events:" + brand
}

// StageChanged publishes best effort; a lost notification only delays a dashboard.
func (b *Bus) StageChanged(ctx context.Context, wf *model.Workflow, from model.Stage) {
	event, err := stageChangeEvent(wf, from)
	if err == nil {
		err = b.Publish(ctx, b.channel(wf.Brand), event)
	}
	if err != nil {
		b.logger.Warn("failed to publish stage change",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, brand string) <-chan *Event {
	sub := b.client.Subscribe(ctx, b.channel(brand))
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case ch <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
