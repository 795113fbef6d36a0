package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
)

const (
	StripeSubscriptionCreated = "customer.subscription.created"
	StripeSubscriptionUpdated = "customer.subscription.updated"
	StripeSubscriptionDeleted = "customer.subscription.deleted"
)

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes struct {
			Status             string `json:"status"`
			CurrentPeriodStart int64  `json:"current_period_start"`
		} `json:"previous_attributes"`
	} `json:"data"`
}

type stripePrice struct {
	ID         string     `json:"id"`
	Product    idOrObject `json:"product"`
	UnitAmount int64      `json:"unit_amount"`
	Amount     int64      `json:"amount"`
	Currency   string     `json:"currency"`
}

type stripeSubscription struct {
	ID                 string                 `json:"id"`
	Customer           idOrObject             `json:"customer"`
	Status             string                 `json:"status"`
	Metadata           map[string]interface{} `json:"metadata"`
	CurrentPeriodStart int64                  `json:"current_period_start"`
	CurrentPeriodEnd   int64                  `json:"current_period_end"`
	TrialEnd           int64                  `json:"trial_end"`
	CancelAtPeriodEnd  bool                   `json:"cancel_at_period_end"`
	LatestInvoice      idOrObject             `json:"latest_invoice"`
	Plan               *stripePrice           `json:"plan"`
	Items              struct {
		Data []struct {
			Price              stripePrice `json:"price"`
			CurrentPeriodStart int64       `json:"current_period_start"`
			CurrentPeriodEnd   int64       `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// IsStripeSubscriptionEvent reports whether eventType is one of the
// customer.subscription.* events the lifecycle consumes.
func IsStripeSubscriptionEvent(eventType string) bool {
	switch eventType {
	case StripeSubscriptionCreated, StripeSubscriptionUpdated, StripeSubscriptionDeleted:
		return true
	default:
		return false
	}
}

// NormalizeStripe maps customer.subscription.* events. Everything else is ignored.
func NormalizeStripe(payload []byte) (*SubscriptionTransition, error) {
	var evt stripeEvent
	if err := decodeObject(payload, &evt); err != nil {
		return nil, err
	}

	t := &SubscriptionTransition{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: strings.TrimSpace(evt.ID),
		EventType:       strings.TrimSpace(evt.Type),
		Action:          ActionIgnore,
	}
	if ts := unixTime(evt.Created); ts != nil {
		t.OccurredAt = *ts
	}
	if !IsStripeSubscriptionEvent(t.EventType) {
		return t, nil
	}

	var sub stripeSubscription
	if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription object: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	t.SubscriptionID = strings.TrimSpace(sub.ID)
	t.CustomerID = strings.TrimSpace(string(sub.Customer))
	t.Status = strings.ToLower(strings.TrimSpace(sub.Status))
	t.PreviousStatus = strings.ToLower(strings.TrimSpace(evt.Data.PreviousAttributes.Status))
	t.PreviousPeriodStart = unixTime(evt.Data.PreviousAttributes.CurrentPeriodStart)
	t.CurrentPeriodStart = unixTime(sub.CurrentPeriodStart)
	t.CurrentPeriodEnd = unixTime(sub.CurrentPeriodEnd)
	t.TrialEnd = unixTime(sub.TrialEnd)
	t.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	t.UserID = metadataUint(sub.Metadata, "userId", "user_id")
	t.OrderID = metadataUint(sub.Metadata, "orderId", "order_id")
	t.PaymentMethod = models.BillingProviderStripe
	t.PaymentRef = strings.TrimSpace(string(sub.LatestInvoice))

	price := sub.Plan
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if price == nil {
			price = &item.Price
		}
		// Newer API versions moved the period onto subscription items.
		if t.CurrentPeriodStart == nil {
			t.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		}
		if t.CurrentPeriodEnd == nil {
			t.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
	}
	if price != nil {
		t.PriceID = strings.TrimSpace(price.ID)
		t.ProductID = strings.TrimSpace(string(price.Product))
		amount := price.UnitAmount
		if amount == 0 {
			amount = price.Amount
		}
		t.Amount = fromCents(amount)
		t.Currency = strings.ToUpper(strings.TrimSpace(price.Currency))
	}

	switch t.EventType {
	case StripeSubscriptionCreated:
		t.Action = ActionSubscriptionCreated
	case StripeSubscriptionUpdated:
		t.Action = ActionSubscriptionUpdated
	case StripeSubscriptionDeleted:
		t.Action = ActionSubscriptionDeleted
		t.Status = models.BillingStatusCanceled
	}
	return t, nil
}
