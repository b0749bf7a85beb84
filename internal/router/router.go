package router // package router defines how HTTP routes are registered for the API

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/iliyamo/ticket-inventory/internal/handler"
	"github.com/iliyamo/ticket-inventory/internal/middleware"
	"github.com/iliyamo/ticket-inventory/internal/observability"
)

// New returns an Echo instance with the middleware every route shares:
// panic recovery, tracing and request logging with correlation ids.
func New() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(observability.ServiceName))
	e.Use(middleware.RequestLogger())
	return e
}

// RegisterRoutes registers routes that do not require authentication:
// liveness, readiness and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, db handler.Pinger, metrics http.Handler) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(db))
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
}

// RegisterInventory registers the public inventory read model.  Snapshots
// carry no holder data, so no token is required.
func RegisterInventory(e *echo.Echo, h *handler.InventoryHandler) {
	e.GET("/v1/ticket-types/:id/inventory", h.GetSnapshot)
}
