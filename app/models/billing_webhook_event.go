package models

import "time"

const (
	WebhookStatusReceived   = "received"
	WebhookStatusEnqueued   = "enqueued"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
	WebhookStatusIgnored    = "ignored"
)

// BillingWebhookEvent is the webhook inbox: every verified delivery is stored
// once per (provider, provider event id) and replayed from here.
type BillingWebhookEvent struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Provider            string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID     string     `gorm:"type:varchar(191);not null;default:'';index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType           string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON         string     `gorm:"type:longtext;not null" json:"payload_json"`
	PayloadHash         string     `gorm:"type:char(64);default:''" json:"payload_hash"`
	SignatureValid      bool       `gorm:"default:false;index" json:"signature_valid"`
	Status              string     `gorm:"type:varchar(16);not null;default:'received';index:idx_billing_webhook_events_status_retry,priority:1" json:"status"`
	Attempts            int        `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt         *time.Time `gorm:"type:datetime;default:null;index:idx_billing_webhook_events_status_retry,priority:2" json:"next_retry_at,omitempty"`
	ProcessingStartedAt *time.Time `gorm:"type:datetime;default:null" json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time `gorm:"type:datetime;default:null" json:"processed_at,omitempty"`
	ProcessingError     string     `gorm:"type:text" json:"processing_error"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
