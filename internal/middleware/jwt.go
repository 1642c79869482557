package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-session-service/internal/token"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// through the token service and injects the subject, role and token id into
// the request context. Validation goes through the service rather than a
// bare parse so revocation markers and device-binding hashes are honored on
// every request. Clients that bound their token to a device fingerprint
// must resend it in the X-Device-Id header.
func JWTAuth(tokens *token.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")
			deviceID := c.Request().Header.Get("X-Device-Id")

			claims, err := tokens.Validate(c.Request().Context(), raw, deviceID)
			if err != nil {
				switch {
				case errors.Is(err, token.ErrTokenExpired):
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token expired"})
				case errors.Is(err, token.ErrTokenRevoked):
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token revoked"})
				default:
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
				}
			}

			// Handlers and downstream middleware read these via c.Get().
			c.Set("user_id", claims.AccountID)
			c.Set("role", claims.Role)
			c.Set("jti", claims.JTI)
			return next(c)
		}
	}
}
