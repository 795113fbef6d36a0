package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

func sessionMiddleware(deps Dependencies) fiber.Handler {
	return middleware.SessionJWT(deps.JWTSecret)
}

func (h ApiRouter) registerAdminRoutes(v1 fiber.Router) {
	adminGroup := v1.Group("/admin", sessionMiddleware(h.deps), middleware.AdminToken(h.deps.AdminToken))

	// Dashboard views
	if mc := h.deps.Metrics; mc != nil {
		metricsGroup := adminGroup.Group("/metrics")
		metricsGroup.Get("/funnel", mc.HandleFunnel)
		metricsGroup.Get("/business", mc.HandleBusiness)
		metricsGroup.Get("/ux", mc.HandleUX)
		metricsGroup.Get("/alerts", mc.HandleAlerts)
		metricsGroup.Get("/series", mc.HandleSeries)
		metricsGroup.Get("/attribution", mc.HandleAttribution)
		metricsGroup.Get("/top-events", mc.HandleTopEvents)
	}

	// Webhook inbox + queue monitor
	if ic := h.deps.Inbox; ic != nil {
		adminGroup.Get("/inbox", ic.HandleList)
		adminGroup.Get("/inbox/queue", ic.HandleQueue)
		adminGroup.Get("/inbox/:id", ic.HandleGet)
		adminGroup.Post("/inbox/:id/retry", ic.HandleRetry)
	}
}
