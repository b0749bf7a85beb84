package middleware

import (
    "time"

    "github.com/google/uuid"
    "github.com/labstack/echo/v4"
    "github.com/sirupsen/logrus"

    "github.com/iliyamo/ticket-inventory/internal/log"
)

// CorrelationHeader carries the id that ties a request to the events it
// publishes.
const CorrelationHeader = "Correlation-ID"

// RequestLogger attaches a correlation id and a request-scoped logrus
// entry to the request context and logs one line per request.
func RequestLogger() echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            req := c.Request()
            id := req.Header.Get(CorrelationHeader)
            if id == "" {
                id = "gen_" + uuid.NewString()
            }
            c.Response().Header().Set(CorrelationHeader, id)

            entry := logrus.NewEntry(logrus.StandardLogger()).WithFields(logrus.Fields{
                "correlation_id": id,
                "method":         req.Method,
                "path":           c.Path(),
            })
            ctx := log.ContextWithCorrelationID(req.Context(), id)
            ctx = log.ToContext(ctx, entry)
            c.SetRequest(req.WithContext(ctx))

            start := time.Now()
            err := next(c)
            if err != nil {
                c.Error(err)
            }
            log.FromContext(c.Request().Context()).WithFields(logrus.Fields{
                "status":  c.Response().Status,
                "latency": time.Since(start).String(),
            }).Info("Request handled")
            return nil
        }
    }
}
