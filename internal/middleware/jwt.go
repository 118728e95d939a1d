package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-reservation/internal/utils"
)

// Context keys set by JWTAuth.
const (
	ctxSessionID = "session_id"
	ctxRole      = "role"
)

// JWTAuth returns an Echo middleware that validates a Bearer session token
// and injects the token's subject (the booking session id) and role claims
// into the request context.  Handlers read them with SessionID and Role.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "missing bearer token"})
			}
			claims, err := utils.ParseSessionToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "invalid token"})
			}
			// A session id is a string; numeric subjects are rejected.
			sub, ok := claims["sub"].(string)
			if !ok || sub == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "token has no session"})
			}
			c.Set(ctxSessionID, sub)
			c.Set(ctxRole, claims["role"])
			return next(c)
		}
	}
}
