package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
)

const (
	PaypalSubscriptionCreated       = "BILLING.SUBSCRIPTION.CREATED"
	PaypalSubscriptionActivated     = "BILLING.SUBSCRIPTION.ACTIVATED"
	PaypalSubscriptionUpdated       = "BILLING.SUBSCRIPTION.UPDATED"
	PaypalSubscriptionSuspended     = "BILLING.SUBSCRIPTION.SUSPENDED"
	PaypalSubscriptionPaymentFailed = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
	PaypalSubscriptionCancelled     = "BILLING.SUBSCRIPTION.CANCELLED"
	PaypalSubscriptionExpired       = "BILLING.SUBSCRIPTION.EXPIRED"
	PaypalSaleCompleted             = "PAYMENT.SALE.COMPLETED"
)

type paypalEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalMoney struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type paypalSubscription struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PlanID     string `json:"plan_id"`
	CustomID   string `json:"custom_id"`
	StartTime  string `json:"start_time"`
	Subscriber struct {
		EmailAddress string `json:"email_address"`
		PayerID      string `json:"payer_id"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     struct {
			Amount paypalMoney `json:"amount"`
			Time   string      `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

type paypalSale struct {
	ID                 string `json:"id"`
	State              string `json:"state"`
	BillingAgreementID string `json:"billing_agreement_id"`
	CustomID           string `json:"custom"`
	CreateTime         string `json:"create_time"`
	Amount             struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func paypalStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACTIVE":
		return models.BillingStatusActive
	case "APPROVAL_PENDING", "APPROVED":
		return models.BillingStatusIncomplete
	case "SUSPENDED":
		return models.BillingStatusPastDue
	case "CANCELLED", "EXPIRED":
		return models.BillingStatusCanceled
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}

// dayStart truncates to the UTC day. PayPal reports the activation and the
// matching sale a few seconds apart, so billing periods are compared per day.
func dayStart(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := t.UTC().Truncate(24 * time.Hour)
	return &d
}

func parseAmount(value string) *decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil || !d.IsPositive() {
		return nil
	}
	return &d
}

// NormalizePaypal maps BILLING.SUBSCRIPTION.* and PAYMENT.SALE.COMPLETED.
// custom_id carries the local order id set at checkout.
func NormalizePaypal(payload []byte) (*SubscriptionTransition, error) {
	var evt paypalEvent
	if err := decodeObject(payload, &evt); err != nil {
		return nil, err
	}

	t := &SubscriptionTransition{
		Provider:        models.BillingProviderPaypal,
		ProviderEventID: strings.TrimSpace(evt.ID),
		EventType:       strings.ToUpper(strings.TrimSpace(evt.EventType)),
		Action:          ActionIgnore,
		PaymentMethod:   models.BillingProviderPaypal,
	}
	if ts := parseTime(evt.CreateTime); ts != nil {
		t.OccurredAt = *ts
	}

	switch t.EventType {
	case PaypalSaleCompleted:
		var sale paypalSale
		if err := json.Unmarshal(evt.Resource, &sale); err != nil {
			return nil, fmt.Errorf("%w: paypal sale: %v", ErrInvalidPayload, err)
		}
		if strings.TrimSpace(sale.BillingAgreementID) == "" {
			// one-off sale, not a subscription cycle
			return t, nil
		}
		t.Action = ActionSubscriptionUpdated
		t.SubscriptionID = strings.TrimSpace(sale.BillingAgreementID)
		t.OrderID = parseOrderRef(sale.CustomID)
		t.Status = models.BillingStatusActive
		t.PaymentRef = strings.TrimSpace(sale.ID)
		t.CurrentPeriodStart = dayStart(parseTime(sale.CreateTime))
		t.Amount = parseAmount(sale.Amount.Total)
		t.Currency = strings.ToUpper(strings.TrimSpace(sale.Amount.Currency))
		return t, nil

	case PaypalSubscriptionCreated, PaypalSubscriptionActivated, PaypalSubscriptionUpdated,
		PaypalSubscriptionSuspended, PaypalSubscriptionPaymentFailed,
		PaypalSubscriptionCancelled, PaypalSubscriptionExpired:
	default:
		return t, nil
	}

	var sub paypalSubscription
	if err := json.Unmarshal(evt.Resource, &sub); err != nil {
		return nil, fmt.Errorf("%w: paypal subscription: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
	}

	t.SubscriptionID = strings.TrimSpace(sub.ID)
	t.CustomerID = strings.TrimSpace(sub.Subscriber.PayerID)
	t.CustomerEmail = strings.TrimSpace(sub.Subscriber.EmailAddress)
	t.PriceID = strings.TrimSpace(sub.PlanID)
	t.OrderID = parseOrderRef(sub.CustomID)
	t.Status = paypalStatus(sub.Status)
	t.CurrentPeriodEnd = parseTime(sub.BillingInfo.NextBillingTime)
	t.Amount = parseAmount(sub.BillingInfo.LastPayment.Amount.Value)
	t.Currency = strings.ToUpper(strings.TrimSpace(sub.BillingInfo.LastPayment.Amount.CurrencyCode))
	start := parseTime(sub.BillingInfo.LastPayment.Time)
	if start == nil {
		start = parseTime(sub.StartTime)
	}
	t.CurrentPeriodStart = dayStart(start)

	switch t.EventType {
	case PaypalSubscriptionCreated:
		t.Action = ActionSubscriptionCreated
	case PaypalSubscriptionSuspended, PaypalSubscriptionPaymentFailed:
		t.Action = ActionSubscriptionUpdated
		t.Status = models.BillingStatusPastDue
	case PaypalSubscriptionCancelled, PaypalSubscriptionExpired:
		t.Action = ActionSubscriptionDeleted
		t.Status = models.BillingStatusCanceled
	default:
		t.Action = ActionSubscriptionUpdated
	}
	return t, nil
}

func parseOrderRef(raw string) uint {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "order:")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}
