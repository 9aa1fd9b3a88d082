package model

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeProcessing Outcome = "processing"
)

func (o Outcome) Valid() bool {
	return o == OutcomeCompleted || o == OutcomeFailed || o == OutcomeProcessing
}

type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourcePoll    EventSource = "poll"
	SourceRetry   EventSource = "retry"
	SourceAdmin   EventSource = "admin"
)

// StageEvent is the vendor-neutral form of a status report for one stage
// attempt. Stage adapters produce it from webhook bodies and poll responses.
type StageEvent struct {
	Source      EventSource            `json:"source"`
	Stage       Stage                  `json:"stage"`
	Outcome     Outcome                `json:"outcome"`
	VendorJobID string                 `json:"vendor_job_id"`
	Artifact    map[string]interface{} `json:"artifact,omitempty"`
	Error       string                 `json:"error,omitempty"`
	// Permanent marks a failure the vendor will not recover from on resubmission.
	Permanent bool `json:"permanent,omitempty"`

	// WorkflowID is set when the vendor echoes our correlation id back.
	WorkflowID string `json:"workflow_id,omitempty"`
	// EventID identifies the delivery for the request-level idempotency cache.
	EventID string `json:"event_id,omitempty"`
}
