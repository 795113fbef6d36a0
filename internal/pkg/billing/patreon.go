package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
)

const (
	PatreonPledgeCreate = "members:pledge:create"
	PatreonPledgeUpdate = "members:pledge:update"
	PatreonPledgeDelete = "members:pledge:delete"
)

type PatreonWebhookMemberEvent struct {
	MemberID       string
	PatreonUserID  string
	Email          string
	PatronStatus   string
	IsFollower     bool
	TierIDs        []string
	LastChargeDate string
	AmountCents    int64
	Currency       string
}

func ParsePatreonWebhookMemberEvent(payload []byte) (*PatreonWebhookMemberEvent, error) {
	type relData struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	type rawPayload struct {
		Data struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			Attributes struct {
				PatronStatus                 string `json:"patron_status"`
				IsFollower                   bool   `json:"is_follower"`
				Email                        string `json:"email"`
				LastChargeDate               string `json:"last_charge_date"`
				CurrentlyEntitledAmountCents int64  `json:"currently_entitled_amount_cents"`
				Currency                     string `json:"currency"`
			} `json:"attributes"`
			Relationships struct {
				User struct {
					Data relData `json:"data"`
				} `json:"user"`
				CurrentlyEntitledTiers struct {
					Data []relData `json:"data"`
				} `json:"currently_entitled_tiers"`
			} `json:"relationships"`
		} `json:"data"`
		Included []struct {
			ID            string `json:"id"`
			Type          string `json:"type"`
			Relationships struct {
				CurrentlyEntitledTiers struct {
					Data []relData `json:"data"`
				} `json:"currently_entitled_tiers"`
			} `json:"relationships"`
		} `json:"included"`
	}

	var raw rawPayload
	if err := decodeObject(payload, &raw); err != nil {
		return nil, err
	}

	if raw.Data.Type != "" && raw.Data.Type != "member" {
		return nil, fmt.Errorf("%w: unsupported patreon webhook data type: %s", ErrInvalidPayload, raw.Data.Type)
	}

	attrs := raw.Data.Attributes
	out := &PatreonWebhookMemberEvent{
		MemberID:       strings.TrimSpace(raw.Data.ID),
		PatreonUserID:  strings.TrimSpace(raw.Data.Relationships.User.Data.ID),
		Email:          strings.TrimSpace(attrs.Email),
		PatronStatus:   strings.TrimSpace(attrs.PatronStatus),
		IsFollower:     attrs.IsFollower,
		LastChargeDate: strings.TrimSpace(attrs.LastChargeDate),
		AmountCents:    attrs.CurrentlyEntitledAmountCents,
		Currency:       strings.ToUpper(strings.TrimSpace(attrs.Currency)),
	}
	for _, td := range raw.Data.Relationships.CurrentlyEntitledTiers.Data {
		if tid := strings.TrimSpace(td.ID); tid != "" {
			out.TierIDs = append(out.TierIDs, tid)
		}
	}

	// Fallback: some payload variants expose tiers only via included.member.
	if len(out.TierIDs) == 0 && out.MemberID != "" {
		for _, inc := range raw.Included {
			if inc.Type != "member" || strings.TrimSpace(inc.ID) != out.MemberID {
				continue
			}
			for _, td := range inc.Relationships.CurrentlyEntitledTiers.Data {
				if tid := strings.TrimSpace(td.ID); tid != "" {
					out.TierIDs = append(out.TierIDs, tid)
				}
			}
			break
		}
	}

	if out.MemberID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, errors.New("patreon webhook payload missing member id"))
	}
	if out.PatreonUserID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, errors.New("patreon webhook payload missing user id"))
	}
	return out, nil
}

func PatreonStatusToBillingStatus(patronStatus string) string {
	return PatreonMembershipToBillingStatus(patronStatus, false)
}

func PatreonMembershipToBillingStatus(patronStatus string, isFollower bool) string {
	switch strings.ToLower(strings.TrimSpace(patronStatus)) {
	case "active_patron":
		return models.BillingStatusActive
	case "active_member", "free_member":
		return models.BillingStatusActive
	case "declined_patron":
		return models.BillingStatusPastDue
	case "former_patron":
		return models.BillingStatusCanceled
	case "":
		if !isFollower {
			// Free memberships can have empty patron_status but are still active memberships.
			return models.BillingStatusActive
		}
		return models.BillingStatusIncomplete
	default:
		return models.BillingStatusIncomplete
	}
}

// NormalizePatreon maps member pledge events. The member id stands in for the
// subscription id and the Patreon user id for the customer.
func NormalizePatreon(eventType string, payload []byte) (*SubscriptionTransition, error) {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	t := &SubscriptionTransition{
		Provider:      models.BillingProviderPatreon,
		EventType:     eventType,
		Action:        ActionIgnore,
		PaymentMethod: models.BillingProviderPatreon,
	}
	switch eventType {
	case PatreonPledgeCreate, PatreonPledgeUpdate, PatreonPledgeDelete:
	default:
		return t, nil
	}

	ev, err := ParsePatreonWebhookMemberEvent(payload)
	if err != nil {
		return nil, err
	}

	t.SubscriptionID = ev.MemberID
	t.CustomerID = ev.PatreonUserID
	t.CustomerEmail = ev.Email
	if len(ev.TierIDs) > 0 {
		t.PriceID = ev.TierIDs[0]
	}
	t.Status = PatreonMembershipToBillingStatus(ev.PatronStatus, ev.IsFollower)
	t.CurrentPeriodStart = dayStart(parseTime(ev.LastChargeDate))
	t.Amount = fromCents(ev.AmountCents)
	t.Currency = ev.Currency
	if t.CurrentPeriodStart != nil {
		t.OccurredAt = *t.CurrentPeriodStart
	}

	switch eventType {
	case PatreonPledgeCreate:
		t.Action = ActionSubscriptionCreated
	case PatreonPledgeUpdate:
		t.Action = ActionSubscriptionUpdated
	case PatreonPledgeDelete:
		t.Action = ActionSubscriptionDeleted
		t.Status = models.BillingStatusCanceled
	}
	return t, nil
}

