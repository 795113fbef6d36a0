package backfill

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/attribution"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db         *gorm.DB
	reconciler *Reconciler
	store      *eventstore.Store
	recorder   *purchase.Recorder
	billing    *billing.Service
	user       *models.User
	plan       *models.Plan
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	clock := func() time.Time { return now }

	user := &models.User{Name: "Ana Lopez", Email: "ana@example.com"}
	require.NoError(t, db.Create(user).Error)
	plan := &models.Plan{Name: "Pro", Price: decimal.RequireFromString("199.00"), Currency: "mxn", DurationDays: 30, IsActive: true}
	require.NoError(t, db.Create(plan).Error)
	require.NoError(t, db.Create(&models.BillingPlanMapping{Provider: "stripe", ProviderPlanRef: "price_pro", RefKind: models.PlanRefKindPrice, PlanID: plan.ID, IsActive: true}).Error)

	billingSvc := billing.NewService(billing.NewRepository(db), billing.DefaultInboxConfig()).WithClock(clock)
	store := eventstore.NewStore(db, eventstore.WithClock(clock))
	recorder := purchase.NewRecorder(store, attribution.NewResolver(db, store))
	r := New(NewRepository(db), store, recorder, billingSvc, WithClock(clock))
	return &harness{db: db, reconciler: r, store: store, recorder: recorder, billing: billingSvc, user: user, plan: plan}
}

func (h *harness) paidOrder(t *testing.T, provider, method string, orderedAt time.Time) *models.Order {
	t.Helper()
	planID := h.plan.ID
	o := &models.Order{
		UserID:          h.user.ID,
		PlanID:          &planID,
		Status:          models.OrderStatusPaid,
		PaymentProvider: provider,
		PaymentMethod:   method,
		TotalPrice:      h.plan.Price,
		Currency:        "MXN",
		OrderedAt:       orderedAt,
		PaidAt:          &orderedAt,
	}
	require.NoError(t, h.db.Create(o).Error)
	return o
}

func (h *harness) inboxRow(t *testing.T, eventID, eventType, payload string) *models.BillingWebhookEvent {
	t.Helper()
	row := &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: eventID,
		EventType:       eventType,
		PayloadJSON:     payload,
		Status:          models.WebhookStatusProcessed,
		CreatedAt:       now.Add(-24 * time.Hour),
	}
	require.NoError(t, h.db.Create(row).Error)
	return row
}

func (h *harness) events(t *testing.T, name string) []models.AnalyticsEvent {
	t.Helper()
	var rows []models.AnalyticsEvent
	require.NoError(t, h.db.Where("event_name = ?", name).Order("id").Find(&rows).Error)
	return rows
}

func TestPaymentsDryRunApplyAndRerun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-time.Duration(10-i)*24*time.Hour))
	}
	// Outside a 30 day window.
	h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-60*24*time.Hour))
	canceled := h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-2*24*time.Hour))
	require.NoError(t, h.db.Model(canceled).Update("is_canceled", true).Error)

	dry, err := h.reconciler.Payments(ctx, Options{Days: 30})
	require.NoError(t, err)
	assert.Equal(t, "dry-run", dry.Mode)
	assert.Equal(t, 3, dry.Scanned)
	assert.Equal(t, 3, dry.Missing)
	assert.Equal(t, 0, dry.Inserted)
	assert.Empty(t, h.events(t, models.EventPaymentSuccess))

	applied, err := h.reconciler.Payments(ctx, Options{Days: 30, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 3, applied.Missing)
	assert.Equal(t, 3, applied.Inserted)
	assert.Equal(t, 0, applied.Failed)
	assert.Equal(t, dry.Scanned, applied.Scanned)
	assert.Equal(t, dry.Parsed, applied.Parsed)

	rerun, err := h.reconciler.Payments(ctx, Options{Days: 30, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 0, rerun.Missing)
	assert.Equal(t, 0, rerun.Inserted)

	events := h.events(t, models.EventPaymentSuccess)
	require.Len(t, events, 3)
	assert.False(t, events[0].IsRenewal)
	assert.True(t, events[1].IsRenewal)
	assert.True(t, events[2].IsRenewal)
	assert.Contains(t, events[0].MetadataJSON, `"backfill_source":"orders_payment_success"`)
	require.NotNil(t, events[0].ProviderRef)
	assert.Equal(t, BackfillOrderRef(*events[0].OrderID), *events[0].ProviderRef)
}

func TestPaymentsSkipsOrdersWithEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recorded := h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-24*time.Hour))
	recorded.TxnID = "sub_9"
	require.NoError(t, h.db.Save(recorded).Error)
	h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-12*time.Hour))

	ref := "sub_9"
	require.NoError(t, h.db.Create(&models.AnalyticsEvent{
		EventID:       "stripe:event:evt_live:payment_success",
		EventName:     models.EventPaymentSuccess,
		EventCategory: models.EventCategoryPurchase,
		EventTs:       now,
		ReceivedAt:    now,
		ProviderRef:   &ref,
	}).Error)

	report, err := h.reconciler.Payments(ctx, Options{Days: 30, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Parsed)
	assert.Equal(t, 1, report.Inserted)
}

func TestPaymentsProviderFilterAndLegacyShim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paidOrder(t, "", "Pago en OXXO", now.Add(-3*24*time.Hour))
	h.paidOrder(t, "", "PayPal Express", now.Add(-2*24*time.Hour))
	h.paidOrder(t, models.BillingProviderConekta, "spei", now.Add(-24*time.Hour))

	providers, err := ParseProviders("oxxo")
	require.NoError(t, err)
	report, err := h.reconciler.Payments(ctx, Options{Days: 30, Apply: true, Providers: providers})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.SkippedProvider)
	assert.Equal(t, 1, report.Inserted)

	events := h.events(t, models.EventPaymentSuccess)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].PaymentProvider)
	assert.Equal(t, models.BillingProviderStripeOXXO, *events[0].PaymentProvider)
}

func TestPaymentsLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-time.Duration(i+1)*time.Hour))
	}

	dry, err := h.reconciler.Payments(ctx, Options{Days: 30, Limit: 2, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, dry.Missing)

	applied, err := h.reconciler.Payments(ctx, Options{Days: 30, Limit: 2, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Inserted)

	rest, err := h.reconciler.Payments(ctx, Options{Days: 30, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 3, rest.Inserted)
}

func TestPaymentsInvalidWindow(t *testing.T) {
	h := newHarness(t)
	since, err := ParseDate("2026-05-10")
	require.NoError(t, err)
	until, err := ParseDate("2026-05-01")
	require.NoError(t, err)

	_, err = h.reconciler.Payments(context.Background(), Options{Since: since, Until: until})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func stripeSubscriptionPayload(eventID, eventType, status, previous, customer string, userID uint) string {
	meta := `{}`
	if userID > 0 {
		meta = fmt.Sprintf(`{"userId":"%d"}`, userID)
	}
	prev := `{}`
	if previous != "" {
		prev = fmt.Sprintf(`{"status":%q}`, previous)
	}
	return fmt.Sprintf(`{"id":%q,"type":%q,"created":1779883200,"data":{"object":{"id":"sub_1","customer":%q,"status":%q,"metadata":%s,"current_period_start":1779840000,"items":{"data":[{"price":{"id":"price_pro","unit_amount":19900,"currency":"mxn"}}]}},"previous_attributes":%s}}`,
		eventID, eventType, customer, status, meta, prev)
}

func TestTrialsDryRunApplyAndRerun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.Create(&models.BillingAccount{UserID: h.user.ID, Provider: "stripe", ProviderAccountID: "cus_1"}).Error)

	h.inboxRow(t, "evt_start", billing.StripeSubscriptionCreated,
		stripeSubscriptionPayload("evt_start", billing.StripeSubscriptionCreated, "trialing", "", "cus_1", 0))
	h.inboxRow(t, "evt_convert", billing.StripeSubscriptionUpdated,
		stripeSubscriptionPayload("evt_convert", billing.StripeSubscriptionUpdated, "active", "trialing", "cus_1", h.user.ID))
	h.inboxRow(t, "evt_renew", billing.StripeSubscriptionUpdated,
		stripeSubscriptionPayload("evt_renew", billing.StripeSubscriptionUpdated, "active", "active", "cus_1", h.user.ID))
	h.inboxRow(t, "evt_stranger", billing.StripeSubscriptionCreated,
		stripeSubscriptionPayload("evt_stranger", billing.StripeSubscriptionCreated, "trialing", "", "cus_unknown", 0))
	h.inboxRow(t, "evt_broken", billing.StripeSubscriptionCreated, `{"id":"evt_broken"`)

	dry, err := h.reconciler.Trials(ctx, Options{Days: 30})
	require.NoError(t, err)
	assert.Equal(t, 5, dry.Scanned)
	assert.Equal(t, 2, dry.Parsed)
	assert.Equal(t, 1, dry.SkippedInvalidPayload)
	assert.Equal(t, 1, dry.SkippedNoUser)
	assert.Equal(t, 1, dry.SkippedNoTransition)
	assert.Equal(t, 2, dry.Missing)
	assert.Equal(t, 0, dry.Inserted)

	applied, err := h.reconciler.Trials(ctx, Options{Days: 30, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Inserted)
	assert.Equal(t, dry.SkippedNoUser, applied.SkippedNoUser)

	rerun, err := h.reconciler.Trials(ctx, Options{Days: 30, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 0, rerun.Missing)
	assert.Equal(t, 0, rerun.Inserted)

	started := h.events(t, models.EventTrialStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "stripe:evt_start:trial_started", started[0].EventID)
	require.NotNil(t, started[0].PlanID)
	assert.Equal(t, h.plan.ID, *started[0].PlanID)
	assert.True(t, started[0].Amount.Valid)
	assert.True(t, started[0].Amount.Decimal.IsZero())

	converted := h.events(t, models.EventTrialConverted)
	require.Len(t, converted, 1)
	assert.Equal(t, "stripe:evt_convert:trial_converted", converted[0].EventID)
	assert.Contains(t, converted[0].MetadataJSON, `"backfill_source":"webhook_inbox_trial_events"`)
}

func TestTrialsSkippedWhenStripeNotSelected(t *testing.T) {
	h := newHarness(t)
	h.inboxRow(t, "evt_start", billing.StripeSubscriptionCreated,
		stripeSubscriptionPayload("evt_start", billing.StripeSubscriptionCreated, "trialing", "", "cus_1", h.user.ID))

	report, err := h.reconciler.Trials(context.Background(), Options{Days: 30, Apply: true, Providers: []string{"paypal"}})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Empty(t, h.events(t, models.EventTrialStarted))
}

func TestTrialEventIDFallsBackToInboxRow(t *testing.T) {
	row := &models.BillingWebhookEvent{ID: 42}
	tr := &billing.SubscriptionTransition{}
	assert.Equal(t, "stripe:inbox:42:trial_started", TrialEventID(row, tr, models.EventTrialStarted))

	tr.ProviderEventID = "evt_1"
	assert.Equal(t, "stripe:evt_1:trial_converted", TrialEventID(row, tr, models.EventTrialConverted))
}

type failingAccounts struct {
	Billing
	customer string
}

func (f failingAccounts) GetBillingAccountByProviderAccountID(ctx context.Context, provider, customerID string) (*models.BillingAccount, error) {
	if customerID == f.customer {
		return nil, errors.New("lookup timeout")
	}
	return f.Billing.GetBillingAccountByProviderAccountID(ctx, provider, customerID)
}

type failingEvents struct {
	EventLookup
	orderID uint
}

func (f failingEvents) Exists(ctx context.Context, filter eventstore.ExistsFilter) (bool, error) {
	if filter.OrderID == f.orderID {
		return false, errors.New("connection reset")
	}
	return f.EventLookup.Exists(ctx, filter)
}

func TestTrialsRowLookupFailureIsCountedAndSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.Create(&models.BillingAccount{UserID: h.user.ID, Provider: "stripe", ProviderAccountID: "cus_1"}).Error)

	h.inboxRow(t, "evt_bad", billing.StripeSubscriptionCreated,
		stripeSubscriptionPayload("evt_bad", billing.StripeSubscriptionCreated, "trialing", "", "cus_bad", 0))
	h.inboxRow(t, "evt_good", billing.StripeSubscriptionCreated,
		stripeSubscriptionPayload("evt_good", billing.StripeSubscriptionCreated, "trialing", "", "cus_1", 0))

	r := New(NewRepository(h.db), h.store, h.recorder, failingAccounts{Billing: h.billing, customer: "cus_bad"}, WithClock(func() time.Time { return now }))

	tests := []struct {
		name         string
		apply        bool
		wantInserted int
	}{
		{"dry-run", false, 0},
		{"apply", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := r.Trials(ctx, Options{Days: 30, Apply: tt.apply})
			require.NoError(t, err)
			assert.Equal(t, 2, report.Scanned)
			assert.Equal(t, 1, report.Parsed)
			assert.Equal(t, 1, report.Failed)
			assert.Equal(t, 1, report.Missing)
			assert.Equal(t, tt.wantInserted, report.Inserted)
		})
	}

	started := h.events(t, models.EventTrialStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "stripe:evt_good:trial_started", started[0].EventID)
}

func TestPaymentsEventLookupFailureIsCountedAndSkipped(t *testing.T) {
	h := newHarness(t)
	bad := h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-5*24*time.Hour))
	good := h.paidOrder(t, models.BillingProviderStripe, "card", now.Add(-4*24*time.Hour))

	r := New(NewRepository(h.db), failingEvents{EventLookup: h.store, orderID: bad.ID}, h.recorder, h.billing, WithClock(func() time.Time { return now }))

	report, err := r.Payments(context.Background(), Options{Days: 30, Apply: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Inserted)

	events := h.events(t, models.EventPaymentSuccess)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].OrderID)
	assert.Equal(t, good.ID, *events[0].OrderID)
}
