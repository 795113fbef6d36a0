package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookInbox JobType = "webhook_inbox"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a unit of work on the Redis list. Jobs carry references only; the
// durable state lives in the database rows they point at.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
}

// WebhookInboxJobPayload points at one billing_webhook_events row.
type WebhookInboxJobPayload struct {
	EventID  uint   `json:"event_id"`
	Provider string `json:"provider"`
}

// ToMap converts the payload to a map for storage
func (p WebhookInboxJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event_id": p.EventID,
		"provider": p.Provider,
	}
}

func WebhookInboxJobPayloadFromMap(data map[string]interface{}) (*WebhookInboxJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload WebhookInboxJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing(now time.Time) {
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted(now time.Time) {
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(now time.Time, errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = now
	j.ErrorMsg = errorMsg
}
