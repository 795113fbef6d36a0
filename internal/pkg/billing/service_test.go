package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/database/dbtest"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *time.Time) {
	t.Helper()
	db := dbtest.Open(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(NewRepository(db), DefaultInboxConfig()).WithClock(func() time.Time { return now })
	return svc, db, &now
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	in := WebhookEventInput{Provider: "Stripe", ProviderEventID: "evt_1", EventType: "customer.subscription.updated", PayloadJSON: `{"id":"evt_1"}`, SignatureValid: true}

	created, first, err := svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "stripe", first.Provider)
	assert.Equal(t, models.WebhookStatusReceived, first.Status)
	assert.Len(t, first.PayloadHash, 64)

	created, second, err := svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.BillingWebhookEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRecordWebhookEventHashFallback(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// Same document, different key order and whitespace.
	_, a, err := svc.RecordWebhookEvent(ctx, WebhookEventInput{Provider: "patreon", EventType: PatreonPledgeCreate, PayloadJSON: `{"b":1,"a":"x"}`})
	require.NoError(t, err)
	created, b, err := svc.RecordWebhookEvent(ctx, WebhookEventInput{Provider: "patreon", EventType: PatreonPledgeCreate, PayloadJSON: "{ \"a\": \"x\", \"b\": 1 }"})
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "hash:"+a.PayloadHash, a.ProviderEventID)
}

func TestClaimWebhookEvent(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		status string
		want   bool
	}{
		{models.WebhookStatusReceived, true},
		{models.WebhookStatusEnqueued, true},
		{models.WebhookStatusFailed, true},
		{models.WebhookStatusProcessing, false},
		{models.WebhookStatusProcessed, false},
		{models.WebhookStatusIgnored, false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ev := &models.BillingWebhookEvent{Provider: "stripe", ProviderEventID: "evt_" + tt.status, EventType: "x", PayloadJSON: "{}", Status: tt.status}
			require.NoError(t, db.Create(ev).Error)

			ok, err := svc.ClaimWebhookEvent(ctx, ev.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			if tt.want {
				again, err := svc.ClaimWebhookEvent(ctx, ev.ID)
				require.NoError(t, err)
				assert.False(t, again, "second claim must lose")
			}
		})
	}
}

func TestMarkWebhookFailed(t *testing.T) {
	tests := []struct {
		name         string
		attempts     int
		err          error
		wantStatus   string
		wantRetryIn  time.Duration
		wantFinished bool
	}{
		{"first retryable failure", 0, errors.New("db hiccup"), models.WebhookStatusFailed, 30 * time.Second, false},
		{"third retryable failure", 2, &ProviderError{Provider: "stripe", StatusCode: 503}, models.WebhookStatusFailed, 2 * time.Minute, false},
		{"attempts exhausted", 11, errors.New("still down"), models.WebhookStatusIgnored, 0, true},
		{"non retryable", 0, ErrInvalidPayload, models.WebhookStatusIgnored, 0, true},
		{"provider 404", 0, &ProviderError{Provider: "stripe", StatusCode: 404}, models.WebhookStatusIgnored, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, db, now := newTestService(t)
			ev := &models.BillingWebhookEvent{Provider: "stripe", ProviderEventID: "evt_f", EventType: "x", PayloadJSON: "{}", Status: models.WebhookStatusProcessing, Attempts: tt.attempts}
			require.NoError(t, db.Create(ev).Error)

			status, err := svc.MarkWebhookFailed(context.Background(), ev, tt.err)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)

			var stored models.BillingWebhookEvent
			require.NoError(t, db.First(&stored, ev.ID).Error)
			assert.Equal(t, tt.attempts+1, stored.Attempts)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.NotEmpty(t, stored.ProcessingError)
			if tt.wantFinished {
				assert.Nil(t, stored.NextRetryAt)
				assert.NotNil(t, stored.ProcessedAt)
			} else {
				require.NotNil(t, stored.NextRetryAt)
				assert.WithinDuration(t, now.Add(tt.wantRetryIn), *stored.NextRetryAt, time.Second)
				assert.Nil(t, stored.ProcessedAt)
			}
		})
	}
}

func TestDueWebhookEvents(t *testing.T) {
	svc, db, now := newTestService(t)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	rows := []models.BillingWebhookEvent{
		{ProviderEventID: "received", Status: models.WebhookStatusReceived},
		{ProviderEventID: "failed-due", Status: models.WebhookStatusFailed, NextRetryAt: &past},
		{ProviderEventID: "failed-later", Status: models.WebhookStatusFailed, NextRetryAt: &future},
		{ProviderEventID: "processed", Status: models.WebhookStatusProcessed},
		{ProviderEventID: "ignored", Status: models.WebhookStatusIgnored},
		{ProviderEventID: "enqueued-fresh", Status: models.WebhookStatusEnqueued},
		{ProviderEventID: "enqueued-stale", Status: models.WebhookStatusEnqueued},
	}
	for i := range rows {
		rows[i].Provider = "stripe"
		rows[i].EventType = "x"
		rows[i].PayloadJSON = "{}"
		require.NoError(t, db.Create(&rows[i]).Error)
	}
	// Pin timestamps relative to the service clock.
	require.NoError(t, db.Model(&models.BillingWebhookEvent{}).Where("1 = 1").UpdateColumn("updated_at", *now).Error)
	require.NoError(t, db.Model(&models.BillingWebhookEvent{}).Where("provider_event_id = ?", "enqueued-stale").
		UpdateColumn("updated_at", now.Add(-10*time.Minute)).Error)

	due, err := svc.DueWebhookEvents(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, ev := range due {
		ids = append(ids, ev.ProviderEventID)
	}
	assert.ElementsMatch(t, []string{"received", "failed-due", "enqueued-stale"}, ids)
}

func TestMarkWebhookProcessedAndIgnored(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	a := &models.BillingWebhookEvent{Provider: "stripe", ProviderEventID: "a", EventType: "x", PayloadJSON: "{}", Status: models.WebhookStatusProcessing, ProcessingError: "old"}
	b := &models.BillingWebhookEvent{Provider: "stripe", ProviderEventID: "b", EventType: "x", PayloadJSON: "{}", Status: models.WebhookStatusProcessing}
	require.NoError(t, db.Create(a).Error)
	require.NoError(t, db.Create(b).Error)

	require.NoError(t, svc.MarkWebhookProcessed(ctx, a.ID))
	require.NoError(t, svc.MarkWebhookIgnored(ctx, b.ID, "no transition"))

	var gotA, gotB models.BillingWebhookEvent
	require.NoError(t, db.First(&gotA, a.ID).Error)
	require.NoError(t, db.First(&gotB, b.ID).Error)
	assert.Equal(t, models.WebhookStatusProcessed, gotA.Status)
	assert.Empty(t, gotA.ProcessingError)
	assert.NotNil(t, gotA.ProcessedAt)
	assert.Equal(t, models.WebhookStatusIgnored, gotB.Status)
	assert.Equal(t, "no transition", gotB.ProcessingError)
}

func TestResolveMappedPlan(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&models.BillingPlanMapping{Provider: "stripe", ProviderPlanRef: "prod_pro", RefKind: models.PlanRefKindProduct, PlanID: 5, IsActive: true}).Error)
	require.NoError(t, db.Create(&models.BillingPlanMapping{Provider: "stripe", ProviderPlanRef: "price_old", PlanID: 6, IsActive: false}).Error)
	require.NoError(t, db.Model(&models.BillingPlanMapping{}).Where("provider_plan_ref = ?", "price_old").Update("is_active", false).Error)

	tests := []struct {
		name     string
		provider string
		refs     []string
		want     uint
		wantErr  error
	}{
		{"product ref", "stripe", []string{"price_unknown", "prod_pro"}, 5, nil},
		{"oxxo shares the stripe catalog", "stripe_oxxo", []string{"prod_pro"}, 5, nil},
		{"inactive mapping skipped", "stripe", []string{"price_old"}, 0, gorm.ErrRecordNotFound},
		{"no refs", "stripe", nil, 0, gorm.ErrRecordNotFound},
		{"other provider", "paypal", []string{"prod_pro"}, 0, gorm.ErrRecordNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ResolveMappedPlan(ctx, tt.provider, tt.refs...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAccountsAndSubscriptions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpsertBillingAccount(ctx, 9, "stripe_oxxo", "cus_1", "a@example.com")
	require.NoError(t, err)
	acc, err := svc.GetBillingAccountByProviderAccountID(ctx, "stripe", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, uint(9), acc.UserID)

	_, err = svc.UpsertBillingAccount(ctx, 0, "stripe", "cus_2", "")
	assert.Error(t, err)

	sub, err := svc.GetSubscription(ctx, "stripe", "sub_1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	planID := uint(5)
	tr := &SubscriptionTransition{Provider: "stripe", ProviderEventID: "evt_1", SubscriptionID: "sub_1", CustomerID: "cus_1", PriceID: "price_pro", Status: models.BillingStatusTrialing, CurrentPeriodStart: &start}
	_, err = svc.SyncSubscription(ctx, 9, tr, &planID)
	require.NoError(t, err)

	tr.Status = models.BillingStatusActive
	tr.ProviderEventID = "evt_2"
	_, err = svc.SyncSubscription(ctx, 9, tr, &planID)
	require.NoError(t, err)

	sub, err = svc.GetSubscription(ctx, "stripe", "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.BillingStatusActive, sub.Status)
	assert.Equal(t, "evt_2", sub.LastEventID)
	require.NotNil(t, sub.PlanID)
	assert.Equal(t, uint(5), *sub.PlanID)
	assert.True(t, start.Equal(sub.CurrentPeriodStart.UTC()))
}

func TestRetryWebhookEvent(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		status  string
		wantErr bool
	}{
		{models.WebhookStatusFailed, false},
		{models.WebhookStatusIgnored, false},
		{models.WebhookStatusProcessed, true},
		{models.WebhookStatusProcessing, true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			retryAt := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
			ev := &models.BillingWebhookEvent{Provider: "stripe", ProviderEventID: "evt_retry_" + tt.status, EventType: "x", PayloadJSON: "{}", Status: tt.status, NextRetryAt: &retryAt, ProcessingError: "boom"}
			require.NoError(t, db.Create(ev).Error)

			err := svc.RetryWebhookEvent(ctx, ev.ID)
			stored, getErr := svc.GetWebhookEvent(ctx, ev.ID)
			require.NoError(t, getErr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrWebhookNotRetryable)
				assert.Equal(t, tt.status, stored.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.WebhookStatusReceived, stored.Status)
			assert.Nil(t, stored.NextRetryAt)
			assert.Empty(t, stored.ProcessingError)
		})
	}

	assert.ErrorIs(t, svc.RetryWebhookEvent(ctx, 9999), gorm.ErrRecordNotFound)
}

func TestMarkWebhookEnqueuedKeepsClaimedRows(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		status string
		want   string
	}{
		{models.WebhookStatusReceived, models.WebhookStatusEnqueued},
		{models.WebhookStatusFailed, models.WebhookStatusEnqueued},
		{models.WebhookStatusProcessing, models.WebhookStatusProcessing},
		{models.WebhookStatusProcessed, models.WebhookStatusProcessed},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ev := &models.BillingWebhookEvent{Provider: "stripe", ProviderEventID: "evt_enq_" + tt.status, EventType: "x", PayloadJSON: "{}", Status: tt.status}
			require.NoError(t, db.Create(ev).Error)

			require.NoError(t, svc.MarkWebhookEnqueued(ctx, ev.ID))
			stored, err := svc.GetWebhookEvent(ctx, ev.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
		})
	}
}
