package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-inventory/internal/handler"
	"github.com/iliyamo/ticket-inventory/internal/middleware"
)

// RegisterReservations registers the holder-scoped reservation endpoints
// under /v1.  All routes require a valid JWT; creating a reservation also
// passes the per-holder limiter.  Release is reserved for operators.
func RegisterReservations(e *echo.Echo, h *handler.ReservationHandler, jwtSecret string, holdLimiter echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	g.POST("/reservations", h.Create, holdLimiter)
	g.GET("/reservations", h.List)
	g.GET("/reservations/:id", h.Get)
	g.POST("/reservations/:id/confirm", h.Confirm)
	g.POST("/reservations/:id/cancel", h.Cancel)
	g.POST("/reservations/:id/release", h.Release, middleware.RequireRole(handler.OperatorRole))
}
