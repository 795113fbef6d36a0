package middleware

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// AdminToken guards the admin API. It accepts the configured token in
// X-Admin-Token or as a bearer token, or a session that is already admin.
func AdminToken(token string) fiber.Handler {
	token = strings.TrimSpace(token)
	return func(c *fiber.Ctx) error {
		if token != "" {
			for _, candidate := range []string{strings.TrimSpace(c.Get("X-Admin-Token")), bearerToken(c)} {
				if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
					usercontext.Set(c, usercontext.UserContext{IsAdmin: true, Source: usercontext.SourceAdminToken})
					return c.Next()
				}
			}
		}
		if usercontext.IsAdmin(c) {
			return c.Next()
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Admin token required"})
	}
}

// APIKey attaches the owner of an X-API-Key header, for server-side
// emitters posting on behalf of a user. Requests without the header pass
// through unchanged; an unknown or revoked key is rejected.
func APIKey(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := strings.TrimSpace(c.Get("X-API-Key"))
		if apiKey == "" {
			return c.Next()
		}

		var settings models.UserSettings
		err := db.WithContext(c.UserContext()).
			Where("api_key_hash = ? AND api_key_revoked_at IS NULL", models.HashAPIKey(apiKey)).
			First(&settings).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
			}
			log.Errorf("[Auth] api key lookup failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "API key verification failed"})
		}

		var user models.User
		if err := db.WithContext(c.UserContext()).First(&user, settings.UserID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		if !user.IsActive() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "User inactive"})
		}

		// Refresh last-used timestamp best-effort.
		if err := db.Model(&models.UserSettings{}).
			Where("id = ?", settings.ID).
			Update("api_key_last_used_at", time.Now().UTC()).Error; err != nil {
			log.Warnf("[Auth] failed to update api key usage for user %d: %v", user.ID, err)
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     user.ID,
			IsLoggedIn: true,
			IsAdmin:    user.IsAdmin(),
			Source:     usercontext.SourceAPIKey,
		})
		return c.Next()
	}
}
