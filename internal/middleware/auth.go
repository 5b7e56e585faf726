package middleware

import (
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
)

// RequireAuth returns a middleware that verifies Firebase ID tokens on the
// operator API. Tokens arrive as "Authorization: Bearer <token>".
func RequireAuth(authClient *auth.Client) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authClient == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "auth not configured")
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			decoded, err := authClient.VerifyIDToken(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Set operator info in context for downstream handlers
			c.Set("operatorUID", decoded.UID)
			if email, ok := decoded.Claims["email"].(string); ok {
				c.Set("operatorEmail", email)
			}
			if tenant, ok := decoded.Claims["tenant_id"].(string); ok {
				c.Set("tenantID", tenant)
			}

			return next(c)
		}
	}
}

// RequireTenant ensures the token carried a tenant claim
func RequireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if tenant, ok := c.Get("tenantID").(string); !ok || tenant == "" {
			return echo.NewHTTPError(http.StatusForbidden, "token has no tenant claim")
		}
		return next(c)
	}
}
