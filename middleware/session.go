// Package middleware carries the HTTP middleware for the gateway.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fedgate-dev/fedgate/session"
)

// SessionAuth reads the session credential cookie and, when it verifies,
// puts the principal on the request context. An absent or unreadable
// cookie leaves the request anonymous; it is not an error here.
func SessionAuth(cookies *session.CookieHelper, jwt *session.JwtHelper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			value, ok := cookies.ReadValueFromCookie(c.Request())
			if !ok {
				return next(c)
			}
			details, ok := jwt.ReadUserDetailsFromJwt(value)
			if !ok {
				return next(c)
			}
			ctx := session.WithUserDetails(c.Request().Context(), details)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// RequireAuthenticated rejects requests without a verified session.
func RequireAuthenticated() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := session.FromContext(c.Request().Context()); !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

// RequireMfaPassed rejects sessions that have not completed step-up.
func RequireMfaPassed() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			details, ok := session.FromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !details.PassedMfa {
				return echo.NewHTTPError(http.StatusForbidden, "mfa required")
			}
			return next(c)
		}
	}
}
