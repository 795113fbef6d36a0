package metrics

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

const (
	CACSourceManual       = "manual-input"
	CACSourceEnv          = "env-default"
	CACSourceNotAvailable = "not-available"
)

type BusinessKPIs struct {
	PaidOrders            int64    `json:"paid_orders"`
	PaidUsers             int64    `json:"paid_users"`
	GrossRevenue          float64  `json:"gross_revenue"`
	AvgOrderValue         float64  `json:"avg_order_value"`
	ARPU                  float64  `json:"arpu"`
	MRREstimate           float64  `json:"mrr_estimate"`
	MonthlyARPUEstimate   float64  `json:"monthly_arpu_estimate"`
	RepeatPurchaseRatePct float64  `json:"repeat_purchase_rate_pct"`
	RefundRatePct         float64  `json:"refund_rate_pct"`
	ChurnMonthlyPct       float64  `json:"churn_monthly_pct"`
	LTVEstimate           *float64 `json:"ltv_estimate"`
	CACEstimate           *float64 `json:"cac_estimate"`
	PaybackMonthsEstimate *float64 `json:"payback_months_estimate"`
}

type BusinessCohorts struct {
	PreviousActiveUsers int64 `json:"previous_active_users"`
	CurrentActiveUsers  int64 `json:"current_active_users"`
	LostUsers           int64 `json:"lost_users"`
	NewUsers            int64 `json:"new_users"`
}

type BusinessAssumptions struct {
	ChurnWindowDays int      `json:"churn_window_days"`
	CACSource       string   `json:"cac_source"`
	AdSpendUsed     *float64 `json:"ad_spend_used"`
}

type BusinessMetrics struct {
	Range       Range               `json:"range"`
	KPIs        BusinessKPIs        `json:"kpis"`
	Cohorts     BusinessCohorts     `json:"cohorts"`
	Assumptions BusinessAssumptions `json:"assumptions"`
}

// paidOrders scopes to paid, not canceled orders.
func paidOrders(db *gorm.DB) *gorm.DB {
	return db.Model(&models.Order{}).Where("status = ? AND is_canceled = ?", models.OrderStatusPaid, false)
}

type rangeOrdersRow struct {
	PaidOrders     int64
	PaidUsers      int64
	GrossRevenue   decimal.Decimal
	RefundedOrders int64
}

type windowRow struct {
	ActiveUsers int64
	Revenue     decimal.Decimal
}

// Business computes order KPIs for the window plus 30/60 day cohorts. A
// nil adSpend falls back to the configured default.
func (s *Service) Business(ctx context.Context, days int, adSpend *float64) (*BusinessMetrics, error) {
	key := viewKey("business", days)
	if adSpend != nil {
		key = viewKey("business", days, *adSpend)
	}
	return cached(ctx, s, key, func() (*BusinessMetrics, error) {
		return s.computeBusiness(ctx, days, adSpend)
	})
}

func (s *Service) computeBusiness(ctx context.Context, days int, adSpend *float64) (*BusinessMetrics, error) {
	rng := s.window(days)
	db := s.db.WithContext(ctx)
	currentStart := rng.End.Add(-churnWindow)
	previousStart := rng.End.Add(-2 * churnWindow)

	var ro rangeOrdersRow
	err := db.Model(&models.Order{}).
		Where("status = ? AND ordered_at >= ?", models.OrderStatusPaid, rng.Start).
		Select("COUNT(*) AS paid_orders, COUNT(DISTINCT user_id) AS paid_users, COALESCE(SUM(total_price), 0) AS gross_revenue, COUNT(CASE WHEN is_canceled = ? THEN 1 END) AS refunded_orders", true).
		Scan(&ro).Error
	if err != nil {
		return nil, fmt.Errorf("range orders: %w", err)
	}

	var repeatBuyers int64
	repeat := paidOrders(db).Where("ordered_at >= ?", rng.Start).
		Select("user_id").Group("user_id").Having("COUNT(*) >= 2")
	if err := db.Table("(?) AS repeated", repeat).Count(&repeatBuyers).Error; err != nil {
		return nil, fmt.Errorf("repeat buyers: %w", err)
	}

	var cur windowRow
	err = paidOrders(db).Where("ordered_at >= ?", currentStart).
		Select("COUNT(DISTINCT user_id) AS active_users, COALESCE(SUM(total_price), 0) AS revenue").
		Scan(&cur).Error
	if err != nil {
		return nil, fmt.Errorf("current window: %w", err)
	}

	previousUsers := func() *gorm.DB {
		return paidOrders(db).Where("ordered_at >= ? AND ordered_at < ?", previousStart, currentStart).Select("user_id")
	}
	currentUsers := func() *gorm.DB {
		return paidOrders(db).Where("ordered_at >= ?", currentStart).Select("user_id")
	}

	var previous, lost, newUsers int64
	if err := paidOrders(db).Where("ordered_at >= ? AND ordered_at < ?", previousStart, currentStart).
		Distinct("user_id").Count(&previous).Error; err != nil {
		return nil, fmt.Errorf("previous window: %w", err)
	}
	if err := paidOrders(db).Where("ordered_at >= ? AND ordered_at < ?", previousStart, currentStart).
		Where("user_id NOT IN (?)", currentUsers()).Distinct("user_id").Count(&lost).Error; err != nil {
		return nil, fmt.Errorf("lost users: %w", err)
	}
	if err := paidOrders(db).Where("ordered_at >= ?", currentStart).
		Where("user_id NOT IN (?)", previousUsers()).Distinct("user_id").Count(&newUsers).Error; err != nil {
		return nil, fmt.Errorf("new users: %w", err)
	}

	gross, _ := ro.GrossRevenue.Float64()
	currentRevenue, _ := cur.Revenue.Float64()

	k := BusinessKPIs{
		PaidOrders:            ro.PaidOrders,
		PaidUsers:             ro.PaidUsers,
		GrossRevenue:          Round2(gross),
		MRREstimate:           Round2(currentRevenue),
		RepeatPurchaseRatePct: Rate(repeatBuyers, ro.PaidUsers),
		RefundRatePct:         Rate(ro.RefundedOrders, ro.PaidOrders),
		ChurnMonthlyPct:       Rate(lost, previous),
	}
	if ro.PaidOrders > 0 {
		k.AvgOrderValue = Round2(gross / float64(ro.PaidOrders))
	}
	if ro.PaidUsers > 0 {
		k.ARPU = Round2(gross / float64(ro.PaidUsers))
	}
	monthlyARPU := 0.0
	if cur.ActiveUsers > 0 {
		monthlyARPU = currentRevenue / float64(cur.ActiveUsers)
	}
	k.MonthlyARPUEstimate = Round2(monthlyARPU)
	if churn := k.ChurnMonthlyPct / 100; churn > 0 {
		ltv := Round2(monthlyARPU / churn)
		k.LTVEstimate = &ltv
	}

	assumptions := BusinessAssumptions{ChurnWindowDays: int(churnWindow / day), CACSource: CACSourceNotAvailable}
	spend := adSpend
	switch {
	case adSpend != nil:
		assumptions.CACSource = CACSourceManual
	case s.adSpend != nil:
		spend = s.adSpend
		assumptions.CACSource = CACSourceEnv
	}
	if spend != nil {
		used := Round2(*spend)
		assumptions.AdSpendUsed = &used
		if newUsers > 0 {
			cac := Round2(*spend / float64(newUsers))
			k.CACEstimate = &cac
			if monthlyARPU > 0 {
				payback := Round2(cac / monthlyARPU)
				k.PaybackMonthsEstimate = &payback
			}
		}
	}

	return &BusinessMetrics{
		Range: rng,
		KPIs:  k,
		Cohorts: BusinessCohorts{
			PreviousActiveUsers: previous,
			CurrentActiveUsers:  cur.ActiveUsers,
			LostUsers:           lost,
			NewUsers:            newUsers,
		},
		Assumptions: assumptions,
	}, nil
}
