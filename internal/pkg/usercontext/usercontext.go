package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext is the identity attached to a request.
type UserContext struct {
	UserID     uint   `json:"user_id"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
	Source     string `json:"source"`
}

// Set stores the context and the legacy single-value locals.
func Set(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
	c.Locals(KeyUserID, uc.UserID)
	c.Locals(KeyIsAdmin, uc.IsAdmin)
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if uc, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return uc
	}
	return UserContext{Source: SourceAnonymous}
}

// IsAdmin checks if the current request carries admin rights
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// SessionUserID returns the authenticated user id, or nil for anonymous
// requests.
func SessionUserID(c *fiber.Ctx) *uint {
	uc := GetUserContext(c)
	if !uc.IsLoggedIn || uc.UserID == 0 {
		return nil
	}
	id := uc.UserID
	return &id
}
