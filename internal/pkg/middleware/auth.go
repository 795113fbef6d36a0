package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingUserID = errors.New("missing user id in claims")
)

// SessionClaims is the bearer token the storefront issues to logged-in
// users. The user id travels in user_id or, failing that, sub.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID uint   `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// ParseSessionToken validates an HS256 token and returns its claims.
func ParseSessionToken(raw, secret string) (*SessionClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 {
		id, err := strconv.ParseUint(strings.TrimSpace(claims.Subject), 10, 64)
		if err != nil || id == 0 {
			return nil, ErrMissingUserID
		}
		claims.UserID = uint(id)
	}
	return claims, nil
}

// SessionJWT attaches the user of an optional bearer token. Requests
// without a token, or with one that does not verify, stay anonymous.
func SessionJWT(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := bearerToken(c)
		if raw == "" {
			return c.Next()
		}
		claims, err := ParseSessionToken(raw, secret)
		if err != nil {
			log.Debugf("[Auth] ignoring bearer token: %v", err)
			return c.Next()
		}
		usercontext.Set(c, usercontext.UserContext{
			UserID:     claims.UserID,
			IsLoggedIn: true,
			IsAdmin:    claims.Role == models.ROLE_ADMIN,
			Source:     usercontext.SourceJWT,
		})
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
