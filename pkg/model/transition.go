package model

import "time"

// TransitionRecord is one committed state change, kept for the operator journal.
type TransitionRecord struct {
	ID          uint64      `gorm:"primaryKey;autoIncrement" json:"-"`
	WorkflowID  string      `gorm:"type:varchar(64);not null;index:idx_transitions_workflow,priority:2" json:"workflow_id"`
	Brand       string      `gorm:"type:varchar(64);not null;index:idx_transitions_workflow,priority:1" json:"brand"`
	FromStage   Stage       `gorm:"type:varchar(32)" json:"from_stage"`
	ToStage     Stage       `gorm:"type:varchar(32)" json:"to_stage"`
	Source      EventSource `gorm:"type:varchar(16)" json:"source"`
	Outcome     Outcome     `gorm:"type:varchar(16)" json:"outcome,omitempty"`
	VendorJobID string      `gorm:"type:varchar(128)" json:"vendor_job_id,omitempty"`
	Attempt     int         `json:"attempt"`
	RetryCount  int         `json:"retry_count"`
	Error       string      `gorm:"type:text" json:"error,omitempty"`
	At          time.Time   `gorm:"not null;index:idx_transitions_workflow,priority:3" json:"at"`
}

func (TransitionRecord) TableName() string {
	return "workflow_transitions"
}
