package model

import "time"

type DeadLetterKind string

const (
	DeadLetterUnparseable      DeadLetterKind = "unparseable_callback"
	DeadLetterAdapterError     DeadLetterKind = "adapter_error"
	DeadLetterRetriesExhausted DeadLetterKind = "retries_exhausted"
)

// DeadLetter records something the engine could not resolve on its own.
// Entries are append-only apart from the operator bookkeeping fields.
type DeadLetter struct {
	ID         string         `gorm:"type:uuid;primaryKey" json:"id"`
	Kind       DeadLetterKind `gorm:"type:varchar(40);not null;index" json:"kind"`
	Vendor     string         `gorm:"type:varchar(40);index" json:"vendor,omitempty"`
	Brand      string         `gorm:"type:varchar(64);index" json:"brand,omitempty"`
	WorkflowID string         `gorm:"type:varchar(64);index" json:"workflow_id,omitempty"`
	Stage      Stage          `gorm:"type:varchar(32)" json:"stage,omitempty"`
	Method     string         `gorm:"type:varchar(10)" json:"method,omitempty"`
	URL        string         `json:"url,omitempty"`
	Headers    JSONB          `gorm:"type:jsonb" json:"headers,omitempty"`
	Body       string         `gorm:"type:text" json:"body,omitempty"`
	Error      string         `gorm:"type:text;not null" json:"error"`
	CreatedAt  time.Time      `gorm:"not null;index" json:"created_at"`

	Replayed   bool       `gorm:"not null;default:false" json:"replayed"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
	Resolved   bool       `gorm:"not null;default:false;index" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

func (DeadLetter) TableName() string {
	return "dead_letters"
}
