package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is what a provider event asks the lifecycle to do.
type Action string

const (
	ActionIgnore              Action = "ignore"
	ActionSubscriptionCreated Action = "subscription_created"
	ActionSubscriptionUpdated Action = "subscription_updated"
	ActionSubscriptionDeleted Action = "subscription_deleted"
	ActionOrderPaid           Action = "order_paid"
	ActionOrderFailed         Action = "order_failed"
	ActionOrderExpired        Action = "order_expired"
	ActionOrderCanceled       Action = "order_canceled"
)

// SubscriptionTransition is the provider-agnostic shape every webhook payload
// is normalized into before it reaches the subscription lifecycle.
type SubscriptionTransition struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Action          Action

	SubscriptionID string
	CustomerID     string
	CustomerEmail  string
	// UserID and OrderID come from checkout metadata when the provider echoes it.
	UserID  uint
	OrderID uint

	PriceID   string
	ProductID string

	Status              string
	PreviousStatus      string
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	PreviousPeriodStart *time.Time
	TrialEnd            *time.Time
	CancelAtPeriodEnd   bool

	Amount        *decimal.Decimal
	Currency      string
	PaymentMethod string
	PaymentRef    string
	OccurredAt    time.Time
}

// PlanRefs returns the provider references usable for a plan lookup, most
// specific first.
func (t *SubscriptionTransition) PlanRefs() []string {
	refs := make([]string, 0, 2)
	if t.PriceID != "" {
		refs = append(refs, t.PriceID)
	}
	if t.ProductID != "" && t.ProductID != t.PriceID {
		refs = append(refs, t.ProductID)
	}
	return refs
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
