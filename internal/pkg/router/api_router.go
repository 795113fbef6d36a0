package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
)

// ApiRouter serves the versioned JSON API.
type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	v1 := app.Group("/api/v1")
	if h.deps.Collect != nil {
		chain := []fiber.Handler{
			newLimiter(h.deps.CollectLimit, h.deps.LimiterStorage),
			sessionMiddleware(h.deps),
		}
		if h.deps.APIKeys != nil {
			chain = append(chain, middleware.APIKey(h.deps.APIKeys))
		}
		v1.Post("/analytics/collect", append(chain, h.deps.Collect.HandleCollect)...)
	}

	h.registerAdminRoutes(v1)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
