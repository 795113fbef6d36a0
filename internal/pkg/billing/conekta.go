package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
)

const (
	ConektaSubscriptionCreated  = "subscription.created"
	ConektaSubscriptionPaid     = "subscription.paid"
	ConektaSubscriptionUpdated  = "subscription.updated"
	ConektaSubscriptionCanceled = "subscription.canceled"
	ConektaOrderPaid            = "order.paid"
	ConektaOrderVoided          = "order.voided"
	ConektaOrderDeclined        = "order.declined"
	ConektaOrderExpired         = "order.expired"
	ConektaOrderCanceled        = "order.canceled"
	ConektaOrderChargedBack     = "order.charged_back"
)

type conektaEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Data      struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes struct {
			Status string `json:"status"`
		} `json:"previous_attributes"`
	} `json:"data"`
}

type conektaObject struct {
	ID                string                 `json:"id"`
	Status            string                 `json:"status"`
	CustomerID        string                 `json:"customer_id"`
	PlanID            string                 `json:"plan_id"`
	Metadata          map[string]interface{} `json:"metadata"`
	BillingCycleStart int64                  `json:"billing_cycle_start"`
	BillingCycleEnd   int64                  `json:"billing_cycle_end"`
	TrialEnd          int64                  `json:"trial_end"`
	Amount            int64                  `json:"amount"`
	Currency          string                 `json:"currency"`
	CustomerInfo      struct {
		Email      string `json:"email"`
		CustomerID string `json:"customer_id"`
	} `json:"customer_info"`
	Charges struct {
		Data []struct {
			ID            string `json:"id"`
			PaymentMethod struct {
				Object string `json:"object"`
				Type   string `json:"type"`
			} `json:"payment_method"`
		} `json:"data"`
	} `json:"charges"`
}

// conektaStatus folds Conekta's subscription states into the shared set.
func conektaStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case "in_trial":
		return models.BillingStatusTrialing
	case "cancelled":
		return models.BillingStatusCanceled
	default:
		return s
	}
}

func NormalizeConekta(payload []byte) (*SubscriptionTransition, error) {
	var evt conektaEvent
	if err := decodeObject(payload, &evt); err != nil {
		return nil, err
	}

	t := &SubscriptionTransition{
		Provider:        models.BillingProviderConekta,
		ProviderEventID: strings.TrimSpace(evt.ID),
		EventType:       strings.TrimSpace(evt.Type),
		Action:          ActionIgnore,
	}
	if ts := unixTime(evt.CreatedAt); ts != nil {
		t.OccurredAt = *ts
	}

	var obj conektaObject
	if len(evt.Data.Object) > 0 {
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return nil, fmt.Errorf("%w: conekta object: %v", ErrInvalidPayload, err)
		}
	}
	// Add-on product orders never touch subscriptions.
	if metadataBool(obj.Metadata, "isProduct") {
		return t, nil
	}

	t.UserID = metadataUint(obj.Metadata, "userId", "user_id")
	t.OrderID = metadataUint(obj.Metadata, "orderId", "order_id")
	t.Amount = fromCents(obj.Amount)
	t.Currency = strings.ToUpper(strings.TrimSpace(obj.Currency))

	switch t.EventType {
	case ConektaSubscriptionCreated, ConektaSubscriptionPaid, ConektaSubscriptionUpdated, ConektaSubscriptionCanceled:
		t.SubscriptionID = strings.TrimSpace(obj.ID)
		t.CustomerID = strings.TrimSpace(obj.CustomerID)
		t.PriceID = strings.TrimSpace(obj.PlanID)
		t.Status = conektaStatus(obj.Status)
		t.PreviousStatus = conektaStatus(evt.Data.PreviousAttributes.Status)
		t.CurrentPeriodStart = unixTime(obj.BillingCycleStart)
		t.CurrentPeriodEnd = unixTime(obj.BillingCycleEnd)
		t.TrialEnd = unixTime(obj.TrialEnd)
		t.PaymentMethod = "card"

		switch t.EventType {
		case ConektaSubscriptionCreated:
			t.Action = ActionSubscriptionCreated
		case ConektaSubscriptionPaid:
			t.Action = ActionSubscriptionUpdated
			t.Status = models.BillingStatusActive
		case ConektaSubscriptionUpdated:
			t.Action = ActionSubscriptionUpdated
		case ConektaSubscriptionCanceled:
			t.Action = ActionSubscriptionDeleted
			t.Status = models.BillingStatusCanceled
		}
		if t.SubscriptionID == "" {
			return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidPayload)
		}

	case ConektaOrderPaid:
		var method string
		if len(obj.Charges.Data) > 0 {
			charge := obj.Charges.Data[0]
			t.PaymentRef = strings.TrimSpace(charge.ID)
			method = strings.ToLower(strings.TrimSpace(charge.PaymentMethod.Object))
			t.PaymentMethod = strings.ToLower(strings.TrimSpace(charge.PaymentMethod.Type))
		}
		// Card orders are settled through subscription.paid.
		if strings.HasPrefix(method, "card") {
			return t, nil
		}
		t.Action = ActionOrderPaid
		t.CustomerID = strings.TrimSpace(obj.CustomerInfo.CustomerID)
		t.CustomerEmail = strings.TrimSpace(obj.CustomerInfo.Email)
		t.Status = models.BillingStatusActive

	case ConektaOrderVoided, ConektaOrderDeclined:
		t.Action = ActionOrderFailed
	case ConektaOrderExpired:
		t.Action = ActionOrderExpired
	case ConektaOrderCanceled, ConektaOrderChargedBack:
		t.Action = ActionOrderCanceled
	}

	if strings.HasPrefix(t.EventType, "order.") && t.Action != ActionIgnore && t.OrderID == 0 {
		return nil, fmt.Errorf("%w: order id missing from metadata", ErrInvalidPayload)
	}
	return t, nil
}
