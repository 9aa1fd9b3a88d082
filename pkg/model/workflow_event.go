package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

const EventTypeStageChanged = "workflow_stage_changed"

// WorkflowEvent is an outbox row written in the same transaction as the
// stage change it describes.
type WorkflowEvent struct {
	EventID     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	EventType   string    `gorm:"not null"`
	Brand       string    `gorm:"type:varchar(64);not null"`
	WorkflowID  string    `gorm:"type:varchar(64);not null;index"`
	Payload     JSONB     `gorm:"type:jsonb;not null"`
	Status      string    `gorm:"not null;default:'pending';index"`
	// Attempts counts failed deliveries; LastError keeps the most recent one.
	Attempts    int       `gorm:"not null;default:0"`
	LastError   string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime;not null;index"`
	PublishedAt *time.Time
	FailedAt    *time.Time
}

func (WorkflowEvent) TableName() string {
	return "workflow_events"
}

func NewStageChangedEvent(wf *Workflow, from Stage, source EventSource) *WorkflowEvent {
	payload := JSONB{
		"workflow_id": wf.ID,
		"brand":       wf.Brand,
		"from_stage":  string(from),
		"stage":       string(wf.Stage),
		"attempt":     wf.Attempt,
		"retry_count": wf.RetryCount,
		"source":      string(source),
	}
	if ref := wf.Ref(wf.Stage); ref != "" {
		payload["vendor_job_id"] = ref
	}
	if wf.LastError != "" {
		payload["error_message"] = wf.LastError
	}
	if wf.Stage == StageCompleted && wf.TerminalResult != nil {
		payload["result"] = map[string]interface{}(wf.TerminalResult.Clone())
	}
	return &WorkflowEvent{
		EventID:    uuid.New(),
		EventType:  EventTypeStageChanged,
		Brand:      wf.Brand,
		WorkflowID: wf.ID,
		Payload:    payload,
		Status:     OutboxStatusPending,
	}
}
