package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/slot-reservation/internal/handler"
	"github.com/iliyamo/slot-reservation/internal/middleware"
	"github.com/iliyamo/slot-reservation/internal/utils"
)

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterBooking registers the booking flow.  Availability is public.
// Every lease operation requires a session token; the lease always belongs
// to the token's session.  limit wraps the mutating routes.
func RegisterBooking(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	e.GET("/v1/tenants/:tenant/services/:service/availability", h.CheckAvailability)

	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(jwtSecret))
	auth.Use(middleware.RequireRole(utils.RoleClient, utils.RoleAdmin))

	auth.POST("/tenants/:tenant/reservations", h.Reserve, limit)
	auth.GET("/reservations/:id", h.GetReservation)
	auth.POST("/reservations/:id/confirm", h.Confirm, limit)
	auth.DELETE("/reservations/:id", h.Release, limit)

	admin := auth.Group("/admin", middleware.RequireRole(utils.RoleAdmin))
	admin.POST("/sweep", h.Sweep)
}
