package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/telemetry"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries the controllers and settings the routes are built from.
type Dependencies struct {
	Collect  *controllers.CollectController
	Webhooks *controllers.WebhookController
	Metrics  *controllers.AdminMetricsController
	Inbox    *controllers.AdminInboxController
	Health   *controllers.HealthController

	Telemetry  *telemetry.Telemetry
	JWTSecret  string
	AdminToken string

	// APIKeys resolves X-API-Key headers on the collect route when set.
	APIKeys *gorm.DB

	// LimiterStorage backs the rate limiters. nil keeps counters in memory.
	LimiterStorage fiber.Storage
	CollectLimit   LimitConfig
	WebhookLimit   LimitConfig
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// The HTTP router goes first so health and the exposition endpoint stay
	// reachable without any API middleware.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
