package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

const (
	DefaultAttributionLimit = 12
	MaxAttributionLimit     = 40

	DefaultTopEventsLimit = 20
	MinTopEventsLimit     = 5
	MaxTopEventsLimit     = 60
)

type DailyPoint struct {
	Day             string `json:"day"`
	Visitors        int64  `json:"visitors"`
	Registrations   int64  `json:"registrations"`
	CheckoutStarted int64  `json:"checkout_started"`
	Purchases       int64  `json:"purchases"`
}

type AttributionPoint struct {
	Source        string  `json:"source"`
	Medium        string  `json:"medium"`
	Campaign      string  `json:"campaign"`
	Visitors      int64   `json:"visitors"`
	Registrations int64   `json:"registrations"`
	Checkouts     int64   `json:"checkouts"`
	Purchases     int64   `json:"purchases"`
	Revenue       float64 `json:"revenue"`
	AOV           float64 `json:"aov"`
}

type TopEventPoint struct {
	EventName      string `json:"event_name"`
	EventCategory  string `json:"event_category"`
	TotalEvents    int64  `json:"total_events"`
	UniqueVisitors int64  `json:"unique_visitors"`
	UniqueSessions int64  `json:"unique_sessions"`
}

func ClampAttributionLimit(limit int) int {
	if limit <= 0 {
		return DefaultAttributionLimit
	}
	return clampInt(limit, 1, MaxAttributionLimit)
}

func ClampTopEventsLimit(limit int) int {
	if limit <= 0 {
		return DefaultTopEventsLimit
	}
	return clampInt(limit, MinTopEventsLimit, MaxTopEventsLimit)
}

type dayBucket struct {
	point    DailyPoint
	visitors map[string]struct{}
}

// Series returns one point per UTC day that has events, oldest first.
func (s *Service) Series(ctx context.Context, days int) ([]DailyPoint, error) {
	return cached(ctx, s, viewKey("series", days), func() ([]DailyPoint, error) {
		if err := s.prepare(ctx); err != nil {
			return nil, err
		}
		rng := s.window(days)
		buckets := map[string]*dayBucket{}

		var rows []models.AnalyticsEvent
		err := s.db.WithContext(ctx).Model(&models.AnalyticsEvent{}).
			Select("id", "event_id", "event_name", "event_ts", "visitor_id", "session_id").
			Where("event_ts >= ? AND event_name IN ?", rng.Start, []string{
				models.EventPageView, models.EventRegistrationCompleted,
				models.EventCheckoutStarted, models.EventPaymentSuccess,
			}).
			FindInBatches(&rows, uxBatchSize, func(tx *gorm.DB, batch int) error {
				for _, row := range rows {
					key := row.EventTs.UTC().Format("2006-01-02")
					b, ok := buckets[key]
					if !ok {
						b = &dayBucket{point: DailyPoint{Day: key}, visitors: map[string]struct{}{}}
						buckets[key] = b
					}
					switch row.EventName {
					case models.EventPageView:
						b.visitors[visitorOf(row)] = struct{}{}
					case models.EventRegistrationCompleted:
						b.point.Registrations++
					case models.EventCheckoutStarted:
						b.point.CheckoutStarted++
					case models.EventPaymentSuccess:
						b.point.Purchases++
					}
				}
				return nil
			}).Error
		if err != nil {
			return nil, fmt.Errorf("daily series: %w", err)
		}

		out := make([]DailyPoint, 0, len(buckets))
		for _, b := range buckets {
			b.point.Visitors = int64(len(b.visitors))
			out = append(out, b.point)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
		return out, nil
	})
}

func visitorOf(e models.AnalyticsEvent) string {
	switch {
	case e.VisitorID != nil:
		return *e.VisitorID
	case e.SessionID != nil:
		return *e.SessionID
	default:
		return "anon:" + e.EventID
	}
}

type attributionRow struct {
	Source        string
	Medium        string
	Campaign      string
	Visitors      int64
	Registrations int64
	Checkouts     int64
	Purchases     int64
	Revenue       decimal.Decimal
}

// Attribution groups the window by utm source, medium and campaign. Empty
// values fold into direct / none / (none).
func (s *Service) Attribution(ctx context.Context, days, limit int) ([]AttributionPoint, error) {
	limit = ClampAttributionLimit(limit)
	return cached(ctx, s, viewKey("attribution", days, limit), func() ([]AttributionPoint, error) {
		if err := s.prepare(ctx); err != nil {
			return nil, err
		}
		rng := s.window(days)

		var rows []attributionRow
		err := s.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT
			COALESCE(NULLIF(utm_source, ''), 'direct') AS source,
			COALESCE(NULLIF(utm_medium, ''), 'none') AS medium,
			COALESCE(NULLIF(utm_campaign, ''), '(none)') AS campaign,
			COUNT(DISTINCT CASE WHEN event_name = ? THEN %s END) AS visitors,
			COUNT(CASE WHEN event_name = ? THEN 1 END) AS registrations,
			COUNT(CASE WHEN event_name = ? THEN 1 END) AS checkouts,
			COUNT(CASE WHEN event_name = ? THEN 1 END) AS purchases,
			COALESCE(SUM(CASE WHEN event_name = ? THEN COALESCE(amount, 0) ELSE 0 END), 0) AS revenue
			FROM analytics_events
			WHERE event_ts >= ?
			GROUP BY source, medium, campaign
			ORDER BY purchases DESC, registrations DESC, visitors DESC, source ASC
			LIMIT ?`, visitorKey),
			models.EventPageView, models.EventRegistrationCompleted, models.EventCheckoutStarted,
			models.EventPaymentSuccess, models.EventPaymentSuccess, rng.Start, limit,
		).Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("attribution breakdown: %w", err)
		}

		out := make([]AttributionPoint, 0, len(rows))
		for _, r := range rows {
			revenue, _ := r.Revenue.Round(2).Float64()
			p := AttributionPoint{
				Source:        r.Source,
				Medium:        r.Medium,
				Campaign:      r.Campaign,
				Visitors:      r.Visitors,
				Registrations: r.Registrations,
				Checkouts:     r.Checkouts,
				Purchases:     r.Purchases,
				Revenue:       revenue,
			}
			if r.Purchases > 0 {
				p.AOV = Round2(revenue / float64(r.Purchases))
			}
			out = append(out, p)
		}
		return out, nil
	})
}

// TopEvents ranks event names by volume.
func (s *Service) TopEvents(ctx context.Context, days, limit int) ([]TopEventPoint, error) {
	limit = ClampTopEventsLimit(limit)
	return cached(ctx, s, viewKey("top-events", days, limit), func() ([]TopEventPoint, error) {
		if err := s.prepare(ctx); err != nil {
			return nil, err
		}
		rng := s.window(days)

		var out []TopEventPoint
		err := s.db.WithContext(ctx).Model(&models.AnalyticsEvent{}).
			Select("event_name, event_category, COUNT(*) AS total_events, COUNT(DISTINCT visitor_id) AS unique_visitors, COUNT(DISTINCT session_id) AS unique_sessions").
			Where("event_ts >= ?", rng.Start).
			Group("event_name, event_category").
			Order("total_events DESC, event_name ASC").
			Limit(limit).
			Scan(&out).Error
		if err != nil {
			return nil, fmt.Errorf("top events: %w", err)
		}
		if out == nil {
			out = []TopEventPoint{}
		}
		return out, nil
	})
}
