package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/database/dbtest"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...Option) (*Service, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	svc := NewService(db, nil, append([]Option{WithClock(func() time.Time { return now })}, opts...)...)
	return svc, db
}

func strPtr(s string) *string { return &s }
func uintPtr(v uint) *uint    { return &v }

type eventSeed struct {
	name     string
	category string
	at       time.Time
	visitor  string
	session  string
	user     uint
	path     string
	source   string
	amount   string
	metadata string
}

func seedEvents(t *testing.T, db *gorm.DB, seeds ...eventSeed) {
	t.Helper()
	for i, s := range seeds {
		row := models.AnalyticsEvent{
			EventID:       fmt.Sprintf("evt_seed_%04d", i),
			EventName:     s.name,
			EventCategory: s.category,
			EventTs:       s.at,
			ReceivedAt:    s.at,
			MetadataJSON:  s.metadata,
		}
		if row.EventCategory == "" {
			row.EventCategory = models.EventCategorySystem
		}
		if s.visitor != "" {
			row.VisitorID = strPtr(s.visitor)
		}
		if s.session != "" {
			row.SessionID = strPtr(s.session)
		}
		if s.user != 0 {
			row.UserID = uintPtr(s.user)
		}
		if s.path != "" {
			row.PagePath = strPtr(s.path)
		}
		if s.source != "" {
			row.UTMSource = strPtr(s.source)
		}
		if s.amount != "" {
			row.Amount = decimal.NewNullDecimal(decimal.RequireFromString(s.amount))
		}
		require.NoError(t, db.Create(&row).Error)
	}
}

func paidOrder(user uint, at time.Time, total string) models.Order {
	return models.Order{
		UserID:     user,
		Status:     models.OrderStatusPaid,
		TotalPrice: decimal.RequireFromString(total),
		OrderedAt:  at,
	}
}

func seedOrders(t *testing.T, db *gorm.DB, orders []models.Order) {
	t.Helper()
	require.NoError(t, db.CreateInBatches(&orders, 50).Error)
}

func TestClampDays(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 30},
		{-5, 30},
		{1, 7},
		{7, 7},
		{90, 90},
		{365, 365},
		{400, 365},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, ClampDays(tt.in))
		})
	}
}

func TestRate(t *testing.T) {
	assert.Equal(t, 0.0, Rate(5, 0))
	assert.Equal(t, 20.0, Rate(20, 100))
	assert.Equal(t, 33.33, Rate(1, 3))
	assert.Equal(t, 66.67, Rate(2, 3))
}

func TestFunnelWindowIsClamped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	wide, err := svc.Funnel(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, 365, wide.Range.Days)
	assert.Equal(t, now.AddDate(0, 0, -365), wide.Range.Start)

	narrow, err := svc.Funnel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 7, narrow.Range.Days)
	assert.Equal(t, now.AddDate(0, 0, -7), narrow.Range.Start)
}

func TestFunnelVolumesAndConversions(t *testing.T) {
	svc, db := newTestService(t)
	recent := now.Add(-48 * time.Hour)

	var seeds []eventSeed
	for i := 0; i < 10; i++ {
		seeds = append(seeds, eventSeed{name: models.EventPageView, at: recent, visitor: fmt.Sprintf("v%d", i)})
	}
	seeds = append(seeds,
		// repeat visit and an out-of-window visit do not count
		eventSeed{name: models.EventPageView, at: recent, visitor: "v0"},
		eventSeed{name: models.EventPageView, at: now.AddDate(0, 0, -60), visitor: "old"},
		eventSeed{name: models.EventRegistrationCompleted, at: recent, user: 1, visitor: "v1"},
		eventSeed{name: models.EventRegistrationCompleted, at: recent, user: 2, visitor: "v2"},
		eventSeed{name: models.EventCheckoutStarted, at: recent, session: "s1"},
		eventSeed{name: models.EventCheckoutStarted, at: recent, session: "s2"},
		eventSeed{name: models.EventCheckoutStarted, at: recent, session: "s2"},
		eventSeed{name: models.EventPaymentSuccess, at: recent, user: 1},
		eventSeed{name: models.EventSupportChatOpened, at: recent, session: "s9"},
	)
	seedEvents(t, db, seeds...)
	seedOrders(t, db, []models.Order{paidOrder(1, recent, "19.90"), paidOrder(2, recent, "10.10")})

	got, err := svc.Funnel(context.Background(), 30)
	require.NoError(t, err)

	assert.Equal(t, int64(10), got.Volume.Visitors)
	assert.Equal(t, int64(2), got.Volume.Registrations)
	assert.Equal(t, int64(2), got.Volume.CheckoutStarted)
	assert.Equal(t, int64(1), got.Volume.EventPayments)
	assert.Equal(t, int64(2), got.Volume.PaidOrders)
	assert.Equal(t, int64(2), got.Volume.PaidUsers)
	assert.Equal(t, 30.0, got.Volume.GrossRevenue)
	assert.Equal(t, int64(1), got.Volume.ChatOpened)

	assert.Equal(t, 20.0, got.Conversion.VisitorToRegisterPct)
	assert.Equal(t, 100.0, got.Conversion.RegisterToCheckoutPct)
	assert.Equal(t, 50.0, got.Conversion.CheckoutToPaidPct)
	assert.Equal(t, 10.0, got.Conversion.VisitorToPaidPct)
}

func TestFunnelPaidSignalFallsBackToOrders(t *testing.T) {
	svc, db := newTestService(t)
	recent := now.Add(-time.Hour)
	seedEvents(t, db,
		eventSeed{name: models.EventCheckoutStarted, at: recent, session: "s1"},
		eventSeed{name: models.EventCheckoutStarted, at: recent, session: "s2"},
		eventSeed{name: models.EventCheckoutStarted, at: recent, session: "s3"},
		eventSeed{name: models.EventCheckoutStarted, at: recent, session: "s4"},
	)
	seedOrders(t, db, []models.Order{paidOrder(1, recent, "5")})

	got, err := svc.Funnel(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Volume.EventPayments)
	assert.Equal(t, 25.0, got.Conversion.CheckoutToPaidPct)
}

func TestFunnelActivationAndRetention(t *testing.T) {
	svc, db := newTestService(t)

	joined := now.AddDate(0, 0, -3)
	users := []models.User{
		{Name: "Activated", Email: "a@example.com", CreatedAt: joined},
		{Name: "Idle", Email: "b@example.com", CreatedAt: joined},
		{Name: "Late", Email: "c@example.com", CreatedAt: joined},
	}
	require.NoError(t, db.Create(&users).Error)

	seedEvents(t, db,
		eventSeed{name: "first_download", category: models.EventCategoryActivation, at: joined.Add(2 * time.Hour), user: users[0].ID},
		eventSeed{name: "first_download", category: models.EventCategoryActivation, at: joined.Add(30 * time.Hour), user: users[2].ID},
		// long-time payer active this month
		eventSeed{name: "first_download", category: models.EventCategoryActivation, at: now.AddDate(0, 0, -2), user: 500},
	)
	seedOrders(t, db, []models.Order{
		paidOrder(500, now.AddDate(0, 0, -40), "10"),
		paidOrder(501, now.AddDate(0, 0, -45), "10"),
	})

	got, err := svc.Funnel(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Volume.RegistrationBase)
	assert.Equal(t, int64(1), got.Volume.ActivationD1Users)
	assert.Equal(t, 33.33, got.Conversion.ActivationD1Pct)
	assert.Equal(t, int64(2), got.Volume.RetentionD30Base)
	assert.Equal(t, int64(1), got.Volume.RetainedD30Users)
	assert.Equal(t, 50.0, got.Conversion.RetentionD30Pct)
}

// 100 payers in the previous window, 80 of them back this window.
func seedChurnCohorts(t *testing.T, db *gorm.DB) {
	t.Helper()
	var orders []models.Order
	for u := uint(1); u <= 100; u++ {
		orders = append(orders, paidOrder(u, now.AddDate(0, 0, -45), "10"))
		if u <= 80 {
			orders = append(orders, paidOrder(u, now.AddDate(0, 0, -5), "10"))
		}
	}
	seedOrders(t, db, orders)
}

func TestBusinessChurnFromCohorts(t *testing.T) {
	svc, db := newTestService(t)
	seedChurnCohorts(t, db)

	got, err := svc.Business(context.Background(), 30, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(100), got.Cohorts.PreviousActiveUsers)
	assert.Equal(t, int64(80), got.Cohorts.CurrentActiveUsers)
	assert.Equal(t, int64(20), got.Cohorts.LostUsers)
	assert.Equal(t, int64(0), got.Cohorts.NewUsers)
	assert.Equal(t, 20.0, got.KPIs.ChurnMonthlyPct)

	assert.Equal(t, int64(80), got.KPIs.PaidOrders)
	assert.Equal(t, 800.0, got.KPIs.GrossRevenue)
	assert.Equal(t, 800.0, got.KPIs.MRREstimate)
	assert.Equal(t, 10.0, got.KPIs.MonthlyARPUEstimate)
	require.NotNil(t, got.KPIs.LTVEstimate)
	assert.Equal(t, 50.0, *got.KPIs.LTVEstimate)

	assert.Equal(t, 30, got.Assumptions.ChurnWindowDays)
	assert.Equal(t, CACSourceNotAvailable, got.Assumptions.CACSource)
	assert.Nil(t, got.KPIs.CACEstimate)
}

func TestBusinessLTVNilWithoutChurn(t *testing.T) {
	svc, db := newTestService(t)
	seedOrders(t, db, []models.Order{paidOrder(1, now.AddDate(0, 0, -2), "12")})

	got, err := svc.Business(context.Background(), 30, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.KPIs.ChurnMonthlyPct)
	assert.Nil(t, got.KPIs.LTVEstimate)
}

func TestBusinessRefundRepeatAndCAC(t *testing.T) {
	svc, db := newTestService(t, WithAdSpend(999))
	seedChurnCohorts(t, db)

	canceled := paidOrder(101, now.AddDate(0, 0, -3), "10")
	canceled.IsCanceled = true
	seedOrders(t, db, []models.Order{
		paidOrder(101, now.AddDate(0, 0, -4), "10"),
		paidOrder(1, now.AddDate(0, 0, -1), "10"),
		canceled,
	})

	override := 50.0
	got, err := svc.Business(context.Background(), 30, &override)
	require.NoError(t, err)

	// 83 paid orders in range, one of them canceled.
	assert.Equal(t, int64(83), got.KPIs.PaidOrders)
	assert.Equal(t, 1.2, got.KPIs.RefundRatePct)
	// user 1 bought twice in range
	assert.Equal(t, int64(81), got.KPIs.PaidUsers)
	assert.Equal(t, 1.23, got.KPIs.RepeatPurchaseRatePct)

	assert.Equal(t, int64(1), got.Cohorts.NewUsers)
	assert.Equal(t, CACSourceManual, got.Assumptions.CACSource)
	require.NotNil(t, got.KPIs.CACEstimate)
	assert.Equal(t, 50.0, *got.KPIs.CACEstimate)
	// monthly ARPU is 820 / 81
	require.NotNil(t, got.KPIs.PaybackMonthsEstimate)
	assert.Equal(t, 4.94, *got.KPIs.PaybackMonthsEstimate)

	fallback, err := svc.Business(context.Background(), 30, nil)
	require.NoError(t, err)
	assert.Equal(t, CACSourceEnv, fallback.Assumptions.CACSource)
	require.NotNil(t, fallback.Assumptions.AdSpendUsed)
	assert.Equal(t, 999.0, *fallback.Assumptions.AdSpendUsed)
}

func TestAdSpendFromEnv(t *testing.T) {
	t.Setenv("ANALYTICS_MONTHLY_AD_SPEND", "1200.5")
	v, ok := AdSpendFromEnv()
	assert.True(t, ok)
	assert.Equal(t, 1200.5, v)

	t.Setenv("ANALYTICS_MONTHLY_AD_SPEND", "lots")
	_, ok = AdSpendFromEnv()
	assert.False(t, ok)
}

func TestUXAggregation(t *testing.T) {
	svc, db := newTestService(t)
	at := now.Add(-time.Hour)
	vital := func(path, meta string) eventSeed {
		return eventSeed{name: models.EventWebVitalReported, at: at, path: path, metadata: meta}
	}
	seedEvents(t, db,
		vital("/a", `{"metricName":"LCP","value":2500,"rating":"good","deviceCategory":"mobile"}`),
		vital("/a", `{"metricName":"LCP","value":"4500","rating":"poor","deviceCategory":"mobile"}`),
		vital("/b", `{"metricName":"CLS","value":0.3,"rating":"poor","deviceCategory":"desktop"}`),
		vital("", `{"metricName":"INP","value":100,"rating":"good"}`),
		vital("/b", `{"metricName":"FID","value":300,"rating":"needs-improvement"}`),
		vital("/c", `not json`),
	)

	got, err := svc.UX(context.Background(), 30, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(6), got.Totals.Samples)
	assert.Equal(t, int64(2), got.Totals.PoorCount)
	assert.Equal(t, 33.33, got.Totals.PoorRatePct)
	require.NotNil(t, got.Totals.LCPAvg)
	assert.Equal(t, 3500.0, *got.Totals.LCPAvg)
	require.NotNil(t, got.Totals.CLSAvg)
	assert.Equal(t, 0.3, *got.Totals.CLSAvg)
	require.NotNil(t, got.Totals.INPAvg)
	assert.Equal(t, 200.0, *got.Totals.INPAvg)
	require.NotNil(t, got.Totals.FIDAvg)
	assert.Equal(t, 300.0, *got.Totals.FIDAvg)

	var paths []string
	for _, r := range got.Routes {
		paths = append(paths, r.PagePath)
	}
	assert.Equal(t, []string{"/a", "/b", "/c", "/unknown"}, paths)

	var devices []string
	for _, d := range got.Devices {
		devices = append(devices, d.DeviceCategory)
	}
	assert.Equal(t, []string{"unknown", "mobile", "desktop"}, devices)
	assert.Nil(t, got.Devices[2].LCPAvg)
}

func TestUXRoutesLimit(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 12},
		{1, 3},
		{20, 20},
		{99, 50},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampRoutesLimit(tt.in), "limit %d", tt.in)
	}

	svc, db := newTestService(t)
	var seeds []eventSeed
	for i := 0; i < 5; i++ {
		seeds = append(seeds, eventSeed{name: models.EventWebVitalReported, at: now.Add(-time.Hour), path: fmt.Sprintf("/p%d", i)})
	}
	seedEvents(t, db, seeds...)

	got, err := svc.UX(context.Background(), 30, 1)
	require.NoError(t, err)
	assert.Len(t, got.Routes, 3)
}

func TestEvaluateAlerts(t *testing.T) {
	healthy := AlertInputs{
		VisitorToRegisterPct: 15,
		CheckoutToPaidPct:    45,
		VisitorToPaidPct:     4.5,
		ChurnMonthlyPct:      10,
		RefundRatePct:        2,
		PoorRatePct:          5,
	}
	tests := []struct {
		name   string
		mutate func(*AlertInputs)
		want   []string
	}{
		{"all green", func(*AlertInputs) {}, []string{"all-green-info"}},
		{"register critical", func(in *AlertInputs) { in.VisitorToRegisterPct = 5.99 }, []string{"visitor-to-register-critical"}},
		{"register warning", func(in *AlertInputs) { in.VisitorToRegisterPct = 6 }, []string{"visitor-to-register-warning"}},
		{"register at target", func(in *AlertInputs) { in.VisitorToRegisterPct = 10 }, []string{"all-green-info"}},
		{"checkout critical", func(in *AlertInputs) { in.CheckoutToPaidPct = 19 }, []string{"checkout-to-paid-critical"}},
		{"checkout warning", func(in *AlertInputs) { in.CheckoutToPaidPct = 29.99 }, []string{"checkout-to-paid-warning"}},
		{"churn critical", func(in *AlertInputs) { in.ChurnMonthlyPct = 30.01 }, []string{"churn-critical"}},
		{"churn warning", func(in *AlertInputs) { in.ChurnMonthlyPct = 20 }, []string{"churn-warning"}},
		{"churn at limit", func(in *AlertInputs) { in.ChurnMonthlyPct = 18 }, []string{"all-green-info"}},
		{"refund warning", func(in *AlertInputs) { in.RefundRatePct = 8.5 }, []string{"refund-warning"}},
		{"ux critical", func(in *AlertInputs) { in.PoorRatePct = 26 }, []string{"ux-poor-critical"}},
		{"ux warning", func(in *AlertInputs) { in.PoorRatePct = 12.5 }, []string{"ux-poor-warning"}},
		{"several", func(in *AlertInputs) {
			in.VisitorToRegisterPct = 1
			in.ChurnMonthlyPct = 40
			in.PoorRatePct = 13
		}, []string{"visitor-to-register-critical", "churn-critical", "ux-poor-warning"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := healthy
			tt.mutate(&in)
			var ids []string
			for _, a := range EvaluateAlerts(in) {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestAllGreenAlertCarriesVisitorToPaid(t *testing.T) {
	alerts := EvaluateAlerts(AlertInputs{VisitorToRegisterPct: 12, CheckoutToPaidPct: 40, VisitorToPaidPct: 3.2})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityInfo, alerts[0].Severity)
	assert.Equal(t, "visitorToPaidPct", alerts[0].Metric)
	assert.Equal(t, 3.2, alerts[0].Value)
	assert.Equal(t, 0.0, alerts[0].Threshold)
}

func TestAlertsOnEmptyStore(t *testing.T) {
	svc, _ := newTestService(t)
	got, err := svc.Alerts(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, now, got.GeneratedAt)

	var ids []string
	for _, a := range got.Alerts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"visitor-to-register-critical", "checkout-to-paid-critical"}, ids)
}

func TestSeriesBucketsByDay(t *testing.T) {
	svc, db := newTestService(t)
	d1 := time.Date(2026, 5, 30, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 5, 31, 23, 59, 0, 0, time.UTC)
	seedEvents(t, db,
		eventSeed{name: models.EventPageView, at: d1, visitor: "v1"},
		eventSeed{name: models.EventPageView, at: d1.Add(time.Hour), visitor: "v1"},
		eventSeed{name: models.EventPageView, at: d1, session: "s2"},
		eventSeed{name: models.EventRegistrationCompleted, at: d1},
		eventSeed{name: models.EventPageView, at: d2},
		eventSeed{name: models.EventCheckoutStarted, at: d2},
		eventSeed{name: models.EventPaymentSuccess, at: d2},
		eventSeed{name: models.EventSupportChatOpened, at: d2},
	)

	got, err := svc.Series(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, []DailyPoint{
		{Day: "2026-05-30", Visitors: 2, Registrations: 1},
		{Day: "2026-05-31", Visitors: 1, CheckoutStarted: 1, Purchases: 1},
	}, got)
}

func TestAttributionBreakdown(t *testing.T) {
	svc, db := newTestService(t)
	at := now.Add(-time.Hour)
	seedEvents(t, db,
		eventSeed{name: models.EventPageView, at: at, visitor: "g1", source: "google"},
		eventSeed{name: models.EventPageView, at: at, visitor: "g2", source: "google"},
		eventSeed{name: models.EventPaymentSuccess, at: at, source: "google", amount: "20.00"},
		eventSeed{name: models.EventPaymentSuccess, at: at, source: "google", amount: "10.00"},
		eventSeed{name: models.EventPageView, at: at, visitor: "d1"},
		eventSeed{name: models.EventRegistrationCompleted, at: at},
	)

	got, err := svc.Attribution(context.Background(), 30, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, AttributionPoint{
		Source: "google", Medium: "none", Campaign: "(none)",
		Visitors: 2, Purchases: 2, Revenue: 30, AOV: 15,
	}, got[0])
	assert.Equal(t, "direct", got[1].Source)
	assert.Equal(t, int64(1), got[1].Registrations)

	assert.Equal(t, 12, ClampAttributionLimit(0))
	assert.Equal(t, 40, ClampAttributionLimit(100))
}

func TestTopEvents(t *testing.T) {
	svc, db := newTestService(t)
	at := now.Add(-time.Hour)
	seedEvents(t, db,
		eventSeed{name: models.EventPageView, category: models.EventCategoryNavigation, at: at, visitor: "v1", session: "s1"},
		eventSeed{name: models.EventPageView, category: models.EventCategoryNavigation, at: at, visitor: "v1", session: "s2"},
		eventSeed{name: models.EventPageView, category: models.EventCategoryNavigation, at: at, visitor: "v2", session: "s3"},
		eventSeed{name: models.EventCheckoutStarted, category: models.EventCategoryCheckout, at: at, visitor: "v1"},
	)

	got, err := svc.TopEvents(context.Background(), 30, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, TopEventPoint{
		EventName: models.EventPageView, EventCategory: models.EventCategoryNavigation,
		TotalEvents: 3, UniqueVisitors: 2, UniqueSessions: 3,
	}, got[0])

	assert.Equal(t, 5, ClampTopEventsLimit(2))
	assert.Equal(t, 60, ClampTopEventsLimit(61))
}

type memorySnapshots struct {
	data map[string][]byte
	sets int
}

func (m *memorySnapshots) GetJSON(_ context.Context, key string, v interface{}) (bool, error) {
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m *memorySnapshots) SetJSON(_ context.Context, key string, v interface{}, _ time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[key] = raw
	m.sets++
	return nil
}

func TestSnapshotsServeRepeatedReads(t *testing.T) {
	store := &memorySnapshots{data: map[string][]byte{}}
	svc, db := newTestService(t, WithSnapshots(store))
	ctx := context.Background()

	first, err := svc.Funnel(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Volume.Visitors)
	assert.Contains(t, store.data, "payfox:metrics:funnel:30")

	seedEvents(t, db, eventSeed{name: models.EventPageView, at: now.Add(-time.Hour), visitor: "v1"})

	second, err := svc.Funnel(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Volume.Visitors)
	assert.Equal(t, 1, store.sets)

	// a different window is a different snapshot
	other, err := svc.Funnel(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Volume.Visitors)
}
