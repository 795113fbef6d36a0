package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
)

type FunnelVolume struct {
	Visitors          int64   `json:"visitors"`
	LPToRegister      int64   `json:"lp_to_register"`
	Registrations     int64   `json:"registrations"`
	CheckoutStarted   int64   `json:"checkout_started"`
	EventPayments     int64   `json:"event_payments"`
	PaidOrders        int64   `json:"paid_orders"`
	PaidUsers         int64   `json:"paid_users"`
	GrossRevenue      float64 `json:"gross_revenue"`
	ActivationD1Users int64   `json:"activation_d1_users"`
	RegistrationBase  int64   `json:"registration_cohort"`
	RetainedD30Users  int64   `json:"retained_d30_users"`
	RetentionD30Base  int64   `json:"retention_d30_base"`
	ChatOpened        int64   `json:"chat_opened"`
}

type FunnelConversion struct {
	VisitorToRegisterPct  float64 `json:"visitor_to_register_pct"`
	RegisterToCheckoutPct float64 `json:"register_to_checkout_pct"`
	CheckoutToPaidPct     float64 `json:"checkout_to_paid_pct"`
	VisitorToPaidPct      float64 `json:"visitor_to_paid_pct"`
	ActivationD1Pct       float64 `json:"activation_d1_pct"`
	RetentionD30Pct       float64 `json:"retention_d30_pct"`
}

type FunnelOverview struct {
	Range      Range            `json:"range"`
	Volume     FunnelVolume     `json:"volume"`
	Conversion FunnelConversion `json:"conversion"`
}

type eventVolumeRow struct {
	Visitors        int64
	LpToRegister    int64
	Registrations   int64
	CheckoutStarted int64
	EventPayments   int64
	ChatOpened      int64
}

type orderVolumeRow struct {
	PaidOrders   int64
	PaidUsers    int64
	GrossRevenue decimal.Decimal
}

// Distinct-actor expressions. Visitors fall back to the session and then
// the event itself so anonymous hits still count once.
const (
	visitorKey = "COALESCE(visitor_id, session_id, event_id)"
	userKey    = "COALESCE(CAST(user_id AS CHAR), visitor_id, session_id, event_id)"
	sessionKey = "COALESCE(session_id, visitor_id, event_id)"
)

// Funnel returns volumes and conversions for the last days. The paid
// signal is the payment event count when there is one, else paid orders.
func (s *Service) Funnel(ctx context.Context, days int) (*FunnelOverview, error) {
	return cached(ctx, s, viewKey("funnel", days), func() (*FunnelOverview, error) {
		return s.computeFunnel(ctx, days)
	})
}

func (s *Service) computeFunnel(ctx context.Context, days int) (*FunnelOverview, error) {
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}
	rng := s.window(days)
	db := s.db.WithContext(ctx)

	var ev eventVolumeRow
	err := db.Raw(fmt.Sprintf(`SELECT
		COUNT(DISTINCT CASE WHEN event_name = ? THEN %[1]s END) AS visitors,
		COUNT(DISTINCT CASE WHEN event_name = ? THEN %[1]s END) AS lp_to_register,
		COUNT(DISTINCT CASE WHEN event_name = ? THEN %[2]s END) AS registrations,
		COUNT(DISTINCT CASE WHEN event_name = ? THEN %[3]s END) AS checkout_started,
		COUNT(DISTINCT CASE WHEN event_name = ? THEN %[2]s END) AS event_payments,
		COUNT(DISTINCT CASE WHEN event_name = ? THEN %[3]s END) AS chat_opened
		FROM analytics_events WHERE event_ts >= ?`, visitorKey, userKey, sessionKey),
		models.EventPageView, models.EventLPToRegister, models.EventRegistrationCompleted,
		models.EventCheckoutStarted, models.EventPaymentSuccess, models.EventSupportChatOpened,
		rng.Start,
	).Scan(&ev).Error
	if err != nil {
		return nil, fmt.Errorf("funnel events: %w", err)
	}

	var ov orderVolumeRow
	err = paidOrders(db).Where("ordered_at >= ?", rng.Start).
		Select("COUNT(*) AS paid_orders, COUNT(DISTINCT user_id) AS paid_users, COALESCE(SUM(total_price), 0) AS gross_revenue").
		Scan(&ov).Error
	if err != nil {
		return nil, fmt.Errorf("funnel orders: %w", err)
	}

	activated, cohort, err := s.activationD1(ctx, rng.Start)
	if err != nil {
		return nil, err
	}
	retained, base, err := s.retentionD30(ctx, rng.End)
	if err != nil {
		return nil, err
	}

	paidSignal := ev.EventPayments
	if paidSignal == 0 {
		paidSignal = ov.PaidOrders
	}
	revenue, _ := ov.GrossRevenue.Round(2).Float64()

	return &FunnelOverview{
		Range: rng,
		Volume: FunnelVolume{
			Visitors:          ev.Visitors,
			LPToRegister:      ev.LpToRegister,
			Registrations:     ev.Registrations,
			CheckoutStarted:   ev.CheckoutStarted,
			EventPayments:     ev.EventPayments,
			PaidOrders:        ov.PaidOrders,
			PaidUsers:         ov.PaidUsers,
			GrossRevenue:      revenue,
			ActivationD1Users: activated,
			RegistrationBase:  cohort,
			RetainedD30Users:  retained,
			RetentionD30Base:  base,
			ChatOpened:        ev.ChatOpened,
		},
		Conversion: FunnelConversion{
			VisitorToRegisterPct:  Rate(ev.Registrations, ev.Visitors),
			RegisterToCheckoutPct: Rate(ev.CheckoutStarted, ev.Registrations),
			CheckoutToPaidPct:     Rate(paidSignal, ev.CheckoutStarted),
			VisitorToPaidPct:      Rate(paidSignal, ev.Visitors),
			ActivationD1Pct:       Rate(activated, cohort),
			RetentionD30Pct:       Rate(retained, base),
		},
	}, nil
}

// activationD1 counts users created since start that produced an
// activation event within a day of signing up.
func (s *Service) activationD1(ctx context.Context, start time.Time) (int64, int64, error) {
	db := s.db.WithContext(ctx)

	var cohort int64
	if err := db.Model(&models.User{}).Where("created_at >= ?", start).Count(&cohort).Error; err != nil {
		return 0, 0, fmt.Errorf("registration cohort: %w", err)
	}
	if cohort == 0 {
		return 0, 0, nil
	}

	var rows []struct {
		UserID    uint
		CreatedAt time.Time
		EventTs   time.Time
	}
	err := db.Table("analytics_events AS e").
		Select("e.user_id AS user_id, u.created_at AS created_at, e.event_ts AS event_ts").
		Joins("JOIN users u ON u.id = e.user_id").
		Where("e.event_category = ? AND e.event_ts >= ? AND u.created_at >= ? AND u.deleted_at IS NULL",
			models.EventCategoryActivation, start, start).
		Scan(&rows).Error
	if err != nil {
		return 0, 0, fmt.Errorf("activation events: %w", err)
	}
	activated := map[uint]struct{}{}
	for _, r := range rows {
		if !r.EventTs.Before(r.CreatedAt) && r.EventTs.Before(r.CreatedAt.Add(day)) {
			activated[r.UserID] = struct{}{}
		}
	}
	return int64(len(activated)), cohort, nil
}

// retentionD30 counts payers whose first qualifying order is older than
// 30 days and who were active in the last 30 days.
func (s *Service) retentionD30(ctx context.Context, end time.Time) (int64, int64, error) {
	db := s.db.WithContext(ctx)
	cutoff := end.Add(-churnWindow)

	var base int64
	if err := paidOrders(db).Where("ordered_at < ?", cutoff).Distinct("user_id").Count(&base).Error; err != nil {
		return 0, 0, fmt.Errorf("retention base: %w", err)
	}
	if base == 0 {
		return 0, 0, nil
	}

	var retained int64
	err := db.Model(&models.AnalyticsEvent{}).
		Where("event_category = ? AND event_ts >= ?", models.EventCategoryActivation, cutoff).
		Where("user_id IN (?)", paidOrders(db).Where("ordered_at < ?", cutoff).Select("user_id")).
		Distinct("user_id").Count(&retained).Error
	if err != nil {
		return 0, 0, fmt.Errorf("retained users: %w", err)
	}
	return retained, base, nil
}
