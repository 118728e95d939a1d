package middleware

// identity.go holds accessors for the values JWTAuth stores in the Echo
// context.

import "github.com/labstack/echo/v4"

// SessionID returns the authenticated booking session, or "" when the
// request carried no valid token.
func SessionID(c echo.Context) string {
	if s, ok := c.Get(ctxSessionID).(string); ok {
		return s
	}
	return ""
}

// Role returns the role claim of the authenticated session, or "".
func Role(c echo.Context) string {
	if s, ok := c.Get(ctxRole).(string); ok {
		return s
	}
	return ""
}
