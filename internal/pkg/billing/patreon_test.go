package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
)

func TestPatreonStatusToBillingStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "active_patron", want: models.BillingStatusActive},
		{in: "declined_patron", want: models.BillingStatusPastDue},
		{in: "former_patron", want: models.BillingStatusCanceled},
		{in: "something_else", want: models.BillingStatusIncomplete},
	}

	for _, tt := range tests {
		if got := PatreonStatusToBillingStatus(tt.in); got != tt.want {
			t.Fatalf("PatreonStatusToBillingStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPatreonMembershipToBillingStatus_EmptyStatus(t *testing.T) {
	if got := PatreonMembershipToBillingStatus("", false); got != models.BillingStatusActive {
		t.Fatalf("expected empty status + non-follower to be active, got %q", got)
	}
	if got := PatreonMembershipToBillingStatus("", true); got != models.BillingStatusIncomplete {
		t.Fatalf("expected empty status + follower to be incomplete, got %q", got)
	}
}

func TestParsePatreonWebhookMemberEvent(t *testing.T) {
	raw := []byte(`{
		"data": {
			"id": "m_123",
			"type": "member",
			"attributes": { "patron_status": "active_patron", "is_follower": false },
			"relationships": {
				"user": { "data": { "id": "u_456", "type": "user" } },
				"currently_entitled_tiers": {
					"data": [
						{ "id": "tier_a", "type": "tier" },
						{ "id": "tier_b", "type": "tier" }
					]
				}
			}
		}
	}`)

	ev, err := ParsePatreonWebhookMemberEvent(raw)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.MemberID != "m_123" || ev.PatreonUserID != "u_456" {
		t.Fatalf("unexpected ids: member=%q user=%q", ev.MemberID, ev.PatreonUserID)
	}
	if ev.IsFollower {
		t.Fatalf("expected is_follower=false")
	}
	if len(ev.TierIDs) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(ev.TierIDs))
	}
}

func TestNormalizePatreon(t *testing.T) {
	raw := []byte(`{
		"data": {
			"id": "m_123",
			"type": "member",
			"attributes": {
				"patron_status": "active_patron",
				"email": "fan@example.com",
				"last_charge_date": "2026-05-03T08:12:44.000+00:00",
				"currently_entitled_amount_cents": 500,
				"currency": "usd"
			},
			"relationships": {
				"user": { "data": { "id": "u_456", "type": "user" } },
				"currently_entitled_tiers": { "data": [ { "id": "tier_a", "type": "tier" } ] }
			}
		}
	}`)

	tests := []struct {
		eventType  string
		wantAction Action
		wantStatus string
	}{
		{PatreonPledgeCreate, ActionSubscriptionCreated, models.BillingStatusActive},
		{PatreonPledgeUpdate, ActionSubscriptionUpdated, models.BillingStatusActive},
		{PatreonPledgeDelete, ActionSubscriptionDeleted, models.BillingStatusCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			tr, err := NormalizePatreon(tt.eventType, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, tr.Action)
			assert.Equal(t, tt.wantStatus, tr.Status)
			assert.Equal(t, "m_123", tr.SubscriptionID)
			assert.Equal(t, "u_456", tr.CustomerID)
			assert.Equal(t, "fan@example.com", tr.CustomerEmail)
			assert.Equal(t, "tier_a", tr.PriceID)
			assert.Equal(t, "USD", tr.Currency)
			assert.Equal(t, "5", tr.Amount.String())
			require.NotNil(t, tr.CurrentPeriodStart)
			assert.Equal(t, time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC), *tr.CurrentPeriodStart)
		})
	}
}

func TestNormalizePatreonIgnoresOtherEvents(t *testing.T) {
	tr, err := NormalizePatreon("posts:publish", []byte(`{"data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, tr.Action)
}

func TestParsePatreonWebhookMemberEventRejectsMissingIDs(t *testing.T) {
	_, err := ParsePatreonWebhookMemberEvent([]byte(`{"data":{"id":"m_1","type":"member"}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParsePatreonWebhookMemberEvent([]byte(`[]`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
