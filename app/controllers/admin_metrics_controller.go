package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
)

// MetricsReader is the read side the admin dashboard is served from.
type MetricsReader interface {
	Funnel(ctx context.Context, days int) (*metrics.FunnelOverview, error)
	Business(ctx context.Context, days int, adSpend *float64) (*metrics.BusinessMetrics, error)
	UX(ctx context.Context, days, routesLimit int) (*metrics.UXQuality, error)
	Alerts(ctx context.Context, days int) (*metrics.HealthAlerts, error)
	Series(ctx context.Context, days int) ([]metrics.DailyPoint, error)
	Attribution(ctx context.Context, days, limit int) ([]metrics.AttributionPoint, error)
	TopEvents(ctx context.Context, days, limit int) ([]metrics.TopEventPoint, error)
}

// AdminMetricsController serves the dashboard views as JSON.
type AdminMetricsController struct {
	metrics MetricsReader
}

func NewAdminMetricsController(reader MetricsReader) *AdminMetricsController {
	return &AdminMetricsController{metrics: reader}
}

func (mc *AdminMetricsController) respond(c *fiber.Ctx, view string, out interface{}, err error) error {
	if err != nil {
		log.Errorf("[Metrics] %s view failed: %v", view, err)
		return errorJSON(c, storageStatus(err), "metrics_unavailable", "Metrics could not be computed")
	}
	return c.JSON(out)
}

func (mc *AdminMetricsController) HandleFunnel(c *fiber.Ctx) error {
	out, err := mc.metrics.Funnel(c.UserContext(), queryInt(c, "days"))
	return mc.respond(c, "funnel", out, err)
}

// HandleBusiness accepts ad_spend to override the configured monthly spend.
func (mc *AdminMetricsController) HandleBusiness(c *fiber.Ctx) error {
	out, err := mc.metrics.Business(c.UserContext(), queryInt(c, "days"), queryFloat(c, "ad_spend"))
	return mc.respond(c, "business", out, err)
}

func (mc *AdminMetricsController) HandleUX(c *fiber.Ctx) error {
	out, err := mc.metrics.UX(c.UserContext(), queryInt(c, "days"), queryInt(c, "routes_limit"))
	return mc.respond(c, "ux", out, err)
}

func (mc *AdminMetricsController) HandleAlerts(c *fiber.Ctx) error {
	out, err := mc.metrics.Alerts(c.UserContext(), queryInt(c, "days"))
	return mc.respond(c, "alerts", out, err)
}

func (mc *AdminMetricsController) HandleSeries(c *fiber.Ctx) error {
	out, err := mc.metrics.Series(c.UserContext(), queryInt(c, "days"))
	return mc.respond(c, "series", out, err)
}

func (mc *AdminMetricsController) HandleAttribution(c *fiber.Ctx) error {
	out, err := mc.metrics.Attribution(c.UserContext(), queryInt(c, "days"), queryInt(c, "limit"))
	return mc.respond(c, "attribution", out, err)
}

func (mc *AdminMetricsController) HandleTopEvents(c *fiber.Ctx) error {
	out, err := mc.metrics.TopEvents(c.UserContext(), queryInt(c, "days"), queryInt(c, "limit"))
	return mc.respond(c, "top-events", out, err)
}
