package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event categories. The set is closed; unknown categories are rejected at ingest.
const (
	EventCategoryNavigation   = "navigation"
	EventCategoryAcquisition  = "acquisition"
	EventCategoryEngagement   = "engagement"
	EventCategoryRegistration = "registration"
	EventCategoryCheckout     = "checkout"
	EventCategoryPurchase     = "purchase"
	EventCategorySupport      = "support"
	EventCategoryActivation   = "activation"
	EventCategoryRetention    = "retention"
	EventCategorySystem       = "system"
)

// Event names with meaning to the reconciliation and metrics code.
const (
	EventPageView               = "page_view"
	EventLPToRegister           = "lp_to_register"
	EventRegistrationCompleted  = "registration_completed"
	EventCheckoutStarted        = "checkout_started"
	EventCheckoutStart          = "checkout_start"
	EventCheckoutMethodSelected = "checkout_method_selected"
	EventPaymentSuccess         = "payment_success"
	EventPaymentFailed          = "payment_failed"
	EventTrialStarted           = "trial_started"
	EventTrialConverted         = "trial_converted"
	EventSubscriptionCanceled   = "subscription_canceled"
	EventInvoluntaryChurn       = "involuntary_churn"
	EventSupportChatOpened      = "support_chat_opened"
	EventWebVitalReported       = "web_vital_reported"
)

// AnalyticsEvent is one row of the append-only business event ledger. Rows are
// inserted with insert-or-ignore on EventID and never updated afterwards.
type AnalyticsEvent struct {
	ID            uint64              `gorm:"primaryKey" json:"id"`
	EventID       string              `gorm:"type:varchar(80);not null;uniqueIndex:ux_analytics_events_event_id" json:"event_id"`
	EventName     string              `gorm:"type:varchar(80);not null;index:idx_analytics_events_name_ts,priority:1;index:idx_analytics_events_user_name_ts,priority:2" json:"event_name"`
	EventCategory string              `gorm:"type:varchar(32);not null;default:'system';index" json:"event_category"`
	EventTs       time.Time           `gorm:"type:datetime;not null;index:idx_analytics_events_name_ts,priority:2;index:idx_analytics_events_user_name_ts,priority:3" json:"event_ts"`
	ReceivedAt    time.Time           `gorm:"type:datetime;not null" json:"received_at"`
	SessionID     *string             `gorm:"type:varchar(80);index" json:"session_id,omitempty"`
	VisitorID     *string             `gorm:"type:varchar(80);index" json:"visitor_id,omitempty"`
	UserID        *uint               `gorm:"index:idx_analytics_events_user_name_ts,priority:1" json:"user_id,omitempty"`
	PagePath      *string             `gorm:"type:varchar(255)" json:"page_path,omitempty"`
	PageURL       *string             `gorm:"type:varchar(1000)" json:"page_url,omitempty"`
	Referrer      *string             `gorm:"type:varchar(1000)" json:"referrer,omitempty"`
	ReferrerHost  *string             `gorm:"type:varchar(255)" json:"referrer_host,omitempty"`
	UTMSource     *string             `gorm:"column:utm_source;type:varchar(120)" json:"utm_source,omitempty"`
	UTMMedium     *string             `gorm:"column:utm_medium;type:varchar(120)" json:"utm_medium,omitempty"`
	UTMCampaign   *string             `gorm:"column:utm_campaign;type:varchar(180)" json:"utm_campaign,omitempty"`
	UTMTerm       *string             `gorm:"column:utm_term;type:varchar(180)" json:"utm_term,omitempty"`
	UTMContent    *string             `gorm:"column:utm_content;type:varchar(180)" json:"utm_content,omitempty"`
	Fbclid        *string             `gorm:"type:varchar(255)" json:"fbclid,omitempty"`
	Gclid         *string             `gorm:"type:varchar(255)" json:"gclid,omitempty"`
	CountryCode   *string             `gorm:"type:varchar(8)" json:"country_code,omitempty"`
	Currency      *string             `gorm:"type:varchar(8)" json:"currency,omitempty"`
	Amount        decimal.NullDecimal `gorm:"type:decimal(14,2)" json:"amount"`

	// Purchase details are typed columns so lookups stay portable across SQL dialects.
	PlanID          *uint      `gorm:"index" json:"plan_id,omitempty"`
	OrderID         *uint      `gorm:"index" json:"order_id,omitempty"`
	PaymentProvider *string    `gorm:"type:varchar(32)" json:"payment_provider,omitempty"`
	ProviderRef     *string    `gorm:"type:varchar(191);index" json:"provider_ref,omitempty"`
	IsRenewal       bool       `gorm:"default:false" json:"is_renewal"`
	SourceEvent     *string    `gorm:"type:varchar(80)" json:"source_event,omitempty"`
	SourceEventTs   *time.Time `gorm:"type:datetime" json:"source_event_ts,omitempty"`

	MetadataJSON string  `gorm:"type:text" json:"metadata_json,omitempty"`
	IPHash       *string `gorm:"type:varchar(64)" json:"-"`
	UserAgent    *string `gorm:"type:varchar(500)" json:"user_agent,omitempty"`
}

func (AnalyticsEvent) TableName() string {
	return "analytics_events"
}

// EventCategories returns the closed category set in a stable order.
func EventCategories() []string {
	return []string{
		EventCategoryNavigation,
		EventCategoryAcquisition,
		EventCategoryEngagement,
		EventCategoryRegistration,
		EventCategoryCheckout,
		EventCategoryPurchase,
		EventCategorySupport,
		EventCategoryActivation,
		EventCategoryRetention,
		EventCategorySystem,
	}
}

// CheckoutEventNames is the checkout-initiation family used for attribution lookups.
func CheckoutEventNames() []string {
	return []string{EventCheckoutStarted, EventCheckoutStart, EventCheckoutMethodSelected}
}
