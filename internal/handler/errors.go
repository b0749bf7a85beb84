package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/log"
)

// writeError translates an inventory error into a JSON error response.
// preconditioned is set when the client sent If-Match, in which case a
// stale token is a failed precondition rather than a plain conflict.
func writeError(c echo.Context, err error, preconditioned bool) error {
	status, msg := statusOf(err)
	if preconditioned && status == http.StatusConflict && inventory.IsRetryable(err) {
		status, msg = http.StatusPreconditionFailed, "inventory changed; refetch and retry"
	}
	if status == http.StatusInternalServerError {
		log.FromContext(c.Request().Context()).WithError(err).Error("Request failed")
	}
	body := echo.Map{"error": msg}
	if inventory.IsRetryable(err) {
		body["retryable"] = true
	}
	return c.JSON(status, body)
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrConflict), errors.Is(err, inventory.ErrMalformedToken):
		return http.StatusConflict, "concurrent modification; refetch and retry"
	case errors.Is(err, inventory.ErrInsufficientInventory):
		return http.StatusConflict, "sold out"
	case errors.Is(err, inventory.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "quantity outside purchase limits"
	case errors.Is(err, inventory.ErrInvalidCommand):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, inventory.ErrEntityNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, inventory.ErrReservationExpired):
		return http.StatusGone, "reservation expired"
	case errors.Is(err, inventory.ErrInvalidState):
		return http.StatusConflict, "reservation is no longer active"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
