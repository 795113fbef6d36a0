package router

import (
	"github.com/gofiber/fiber/v2"
)

// HttpRouter serves the unversioned endpoints: health, exposition and the
// provider webhooks.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	h.registerPublicRoutes(app)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
