package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	if h.deps.Health != nil {
		app.Get("/healthz", h.deps.Health.HandleHealth)
	}

	// Prometheus exposition
	if h.deps.Telemetry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.deps.Telemetry.Handler()))
	}

	// Billing provider webhooks (no session, signature-verified in controller)
	if h.deps.Webhooks != nil {
		app.Post("/webhooks/:provider",
			newLimiter(h.deps.WebhookLimit, h.deps.LimiterStorage),
			h.deps.Webhooks.HandleWebhook,
		)
	}
}
