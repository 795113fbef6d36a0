package metrics

import (
	"context"
	"time"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"

	alertRoutesLimit = 8
)

type Alert struct {
	ID             string  `json:"id"`
	Severity       string  `json:"severity"`
	Title          string  `json:"title"`
	Message        string  `json:"message"`
	Metric         string  `json:"metric"`
	Value          float64 `json:"value"`
	Threshold      float64 `json:"threshold"`
	Recommendation string  `json:"recommendation"`
}

type HealthAlerts struct {
	GeneratedAt time.Time `json:"generated_at"`
	Alerts      []Alert   `json:"alerts"`
}

// AlertInputs are the figures the thresholds are checked against.
type AlertInputs struct {
	VisitorToRegisterPct float64
	CheckoutToPaidPct    float64
	VisitorToPaidPct     float64
	ChurnMonthlyPct      float64
	RefundRatePct        float64
	PoorRatePct          float64
}

type level struct {
	id             string
	severity       string
	threshold      float64
	title          string
	message        string
	recommendation string
}

// alertRule fires the first level whose threshold is breached.
type alertRule struct {
	metric string
	value  func(AlertInputs) float64
	above  bool
	levels []level
}

func (r alertRule) breached(v, threshold float64) bool {
	if r.above {
		return v > threshold
	}
	return v < threshold
}

var alertRules = []alertRule{
	{
		metric: "visitorToRegisterPct",
		value:  func(in AlertInputs) float64 { return in.VisitorToRegisterPct },
		levels: []level{
			{"visitor-to-register-critical", SeverityCritical, 6,
				"Visitor to registration conversion is very low",
				"The share of visitors starting a registration is below the healthy minimum.",
				"Review form friction, CTA clarity and mobile load speed."},
			{"visitor-to-register-warning", SeverityWarning, 10,
				"Visitor to registration conversion at risk",
				"Cold traffic acquisition has room for improvement.",
				"A/B test the headline and drop non-essential fields from the first step."},
		},
	},
	{
		metric: "checkoutToPaidPct",
		value:  func(in AlertInputs) float64 { return in.CheckoutToPaidPct },
		levels: []level{
			{"checkout-to-paid-critical", SeverityCritical, 20,
				"Checkout to payment conversion is very low",
				"Users are dropping off at the end of the purchase funnel.",
				"Audit payment errors, local method ordering and failure recovery messaging."},
			{"checkout-to-paid-warning", SeverityWarning, 30,
				"Checkout to payment conversion below target",
				"Purchase completion is under the recommended goal.",
				"Simplify checkout to one screen and surface the most used method per country."},
		},
	},
	{
		metric: "churnMonthlyPct",
		value:  func(in AlertInputs) float64 { return in.ChurnMonthlyPct },
		above:  true,
		levels: []level{
			{"churn-critical", SeverityCritical, 30,
				"Monthly churn is critical",
				"A large share of last month's payers did not return this month.",
				"Start a retention sequence and proactive support for recent payers."},
			{"churn-warning", SeverityWarning, 18,
				"Monthly churn at risk",
				"Monthly retention needs attention to protect LTV.",
				"Compare cohorts by source and strengthen post-purchase activation."},
		},
	},
	{
		metric: "refundRatePct",
		value:  func(in AlertInputs) float64 { return in.RefundRatePct },
		above:  true,
		levels: []level{
			{"refund-warning", SeverityWarning, 8,
				"Refund and cancellation rate is high",
				"Canceled orders exceed the recommended threshold.",
				"Review pre-checkout expectations and the main cancellation reasons."},
		},
	},
	{
		metric: "webVitalsPoorRatePct",
		value:  func(in AlertInputs) float64 { return in.PoorRatePct },
		above:  true,
		levels: []level{
			{"ux-poor-critical", SeverityCritical, 25,
				"Web Vitals degraded",
				"A high share of samples report a poor rating.",
				"Prioritise mobile LCP and INP on payment and landing routes."},
			{"ux-poor-warning", SeverityWarning, 12,
				"Web Vitals above target",
				"Technical friction may be hurting conversion.",
				"Check the worst routes and cut first-render JavaScript."},
		},
	},
}

// EvaluateAlerts checks every rule. When nothing is breached the result is
// a single all-green-info alert.
func EvaluateAlerts(in AlertInputs) []Alert {
	alerts := []Alert{}
	for _, rule := range alertRules {
		v := rule.value(in)
		for _, lv := range rule.levels {
			if !rule.breached(v, lv.threshold) {
				continue
			}
			alerts = append(alerts, Alert{
				ID:             lv.id,
				Severity:       lv.severity,
				Title:          lv.title,
				Message:        lv.message,
				Metric:         rule.metric,
				Value:          v,
				Threshold:      lv.threshold,
				Recommendation: lv.recommendation,
			})
			break
		}
	}
	if len(alerts) == 0 {
		alerts = append(alerts, Alert{
			ID:             "all-green-info",
			Severity:       SeverityInfo,
			Title:          "Funnel healthy",
			Message:        "No alerts were raised for the analysed window.",
			Metric:         "visitorToPaidPct",
			Value:          in.VisitorToPaidPct,
			Threshold:      0,
			Recommendation: "Keep the weekly experiment cycle and daily anomaly checks.",
		})
	}
	return alerts
}

// Alerts evaluates the thresholds over the funnel, business and UX views.
func (s *Service) Alerts(ctx context.Context, days int) (*HealthAlerts, error) {
	return cached(ctx, s, viewKey("alerts", days), func() (*HealthAlerts, error) {
		funnel, err := s.Funnel(ctx, days)
		if err != nil {
			return nil, err
		}
		business, err := s.Business(ctx, days, nil)
		if err != nil {
			return nil, err
		}
		ux, err := s.UX(ctx, days, alertRoutesLimit)
		if err != nil {
			return nil, err
		}
		return &HealthAlerts{
			GeneratedAt: s.now().UTC(),
			Alerts: EvaluateAlerts(AlertInputs{
				VisitorToRegisterPct: funnel.Conversion.VisitorToRegisterPct,
				CheckoutToPaidPct:    funnel.Conversion.CheckoutToPaidPct,
				VisitorToPaidPct:     funnel.Conversion.VisitorToPaidPct,
				ChurnMonthlyPct:      business.KPIs.ChurnMonthlyPct,
				RefundRatePct:        business.KPIs.RefundRatePct,
				PoorRatePct:          ux.Totals.PoorRatePct,
			}),
		}, nil
	})
}
