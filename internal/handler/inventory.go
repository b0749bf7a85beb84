package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
)

// InventoryHandler serves the public inventory read model.
type InventoryHandler struct {
	Manager *inventory.Manager
}

// NewInventoryHandler panics on a nil manager.
func NewInventoryHandler(m *inventory.Manager) *InventoryHandler {
	if m == nil {
		panic("nil manager passed to NewInventoryHandler")
	}
	return &InventoryHandler{Manager: m}
}

// GetSnapshot handles GET /v1/ticket-types/:id/inventory.  The current
// concurrency token is returned in the body and as ETag; a matching
// If-None-Match yields 304.
func (h *InventoryHandler) GetSnapshot(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid ticket type id"})
	}
	snap, err := h.Manager.GetInventorySnapshot(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err, false)
	}
	c.Response().Header().Set("ETag", quoteETag(snap.Token))
	c.Response().Header().Set("Cache-Control", "no-cache")
	if match := c.Request().Header.Get("If-None-Match"); match != "" && unquoteETag(match) == snap.Token {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSON(http.StatusOK, snap)
}

func quoteETag(tok string) string { return `"` + tok + `"` }

// unquoteETag accepts quoted, weak and bare tags.
func unquoteETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}
