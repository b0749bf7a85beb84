package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/middleware"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

// OperatorRole may read and release any reservation.
const OperatorRole = "OPERATOR"

// ReservationHandler exposes the reservation lifecycle to holders.  All
// methods assume JWTAuth has run; holders only ever see their own
// reservations, anything else answers 404.
type ReservationHandler struct {
	Manager *inventory.Manager
}

// NewReservationHandler panics on a nil manager.
func NewReservationHandler(m *inventory.Manager) *ReservationHandler {
	if m == nil {
		panic("nil manager passed to NewReservationHandler")
	}
	return &ReservationHandler{Manager: m}
}

type reserveItemRequest struct {
	TicketTypeID  uint64 `json:"ticket_type_id"`
	SeatID        uint64 `json:"seat_id"`
	Quantity      uint32 `json:"quantity"`
	Section       string `json:"section"`
	ExpectedToken string `json:"expected_token"`
}

type reserveRequest struct {
	EventID    uint64               `json:"event_id"`
	AccessCode string               `json:"access_code"`
	Items      []reserveItemRequest `json:"items"`
}

type itemResponse struct {
	ID             uint64  `json:"id"`
	TicketTypeID   uint64  `json:"ticket_type_id"`
	SeatID         *uint64 `json:"seat_id,omitempty"`
	AllocationID   *uint64 `json:"allocation_id,omitempty"`
	Quantity       uint32  `json:"quantity"`
	UnitPriceCents uint32  `json:"unit_price_cents"`
}

type reservationResponse struct {
	ID               string         `json:"id"`
	EventID          uint64         `json:"event_id"`
	Status           string         `json:"status"`
	TotalAmountCents uint64         `json:"total_amount_cents"`
	Currency         string         `json:"currency"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
	ExpiresAt        time.Time      `json:"expires_at"`
	ConfirmedAt      *time.Time     `json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time     `json:"cancelled_at,omitempty"`
	ReleasedAt       *time.Time     `json:"released_at,omitempty"`
	CancelReason     *string        `json:"cancel_reason,omitempty"`
	Items            []itemResponse `json:"items,omitempty"`
	// Tokens are the new concurrency tokens, keyed by ticket type and seat id.
	Tokens     map[uint64]string `json:"tokens,omitempty"`
	SeatTokens map[uint64]string `json:"seat_tokens,omitempty"`
}

func toItems(items []model.ReservationItem) []itemResponse {
	return lo.Map(items, func(it model.ReservationItem, _ int) itemResponse {
		return itemResponse{
			ID: it.ID, TicketTypeID: it.TicketTypeID, SeatID: it.SeatID,
			AllocationID: it.AllocationID, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents,
		}
	})
}

func toResponse(r model.Reservation) reservationResponse {
	created := r.CreatedAt
	return reservationResponse{
		ID: r.ID, EventID: r.EventID, Status: string(r.Status),
		TotalAmountCents: r.TotalAmountCents, Currency: r.Currency,
		CreatedAt: &created, ExpiresAt: r.ExpiresAt,
		ConfirmedAt: r.ConfirmedAt, CancelledAt: r.CancelledAt, ReleasedAt: r.ReleasedAt,
		CancelReason: r.CancelReason, Items: toItems(r.Items),
	}
}

// Create handles POST /v1/reservations.  An If-Match header supplies the
// expected token for requests that touch a single ticket type; a stale
// token answers 412.
func (h *ReservationHandler) Create(c echo.Context) error {
	holder := middleware.HolderID(c)
	if holder == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body reserveRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.EventID == 0 || len(body.Items) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "event_id and items are required"})
	}

	items := lo.Map(body.Items, func(it reserveItemRequest, _ int) inventory.ReserveItem {
		return inventory.ReserveItem{
			TicketTypeID: it.TicketTypeID, SeatID: it.SeatID, Quantity: it.Quantity,
			Section: it.Section, ExpectedToken: it.ExpectedToken,
		}
	})
	ifMatch := unquoteETag(c.Request().Header.Get("If-Match"))
	// "*" matches any current representation, so it sets no token.
	if ifMatch == "*" {
		ifMatch = ""
	}
	if ifMatch != "" {
		if !applyIfMatch(items, ifMatch) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "If-Match needs general admission items of a single ticket type"})
		}
	}

	res, err := h.Manager.Reserve(c.Request().Context(), inventory.ReserveCommand{
		EventID:    body.EventID,
		HolderID:   holder,
		Items:      items,
		AccessCode: body.AccessCode,
	})
	if err != nil {
		return writeError(c, err, ifMatch != "")
	}
	if tok, ok := res.Tokens[items[0].TicketTypeID]; ok && len(res.Tokens) == 1 {
		c.Response().Header().Set("ETag", quoteETag(tok))
	}
	c.Response().Header().Set("Location", "/v1/reservations/"+res.ReservationID)
	return c.JSON(http.StatusCreated, reservationResponse{
		ID: res.ReservationID, EventID: body.EventID, Status: string(model.ReservationActive),
		TotalAmountCents: res.TotalAmountCents, Currency: res.Currency, ExpiresAt: res.ExpiresAt,
		Items: toItems(res.Items), Tokens: res.Tokens, SeatTokens: res.SeatTokens,
	})
}

// applyIfMatch puts tok on the first line when every line is a count line
// of the same ticket type.
func applyIfMatch(items []inventory.ReserveItem, tok string) bool {
	for _, it := range items {
		if it.SeatID != 0 || it.TicketTypeID == 0 || it.TicketTypeID != items[0].TicketTypeID {
			return false
		}
	}
	items[0].ExpectedToken = tok
	return true
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	r, err := h.owned(c)
	if err != nil {
		return writeError(c, err, false)
	}
	return c.JSON(http.StatusOK, toResponse(r))
}

// List handles GET /v1/reservations, newest first.
func (h *ReservationHandler) List(c echo.Context) error {
	holder := middleware.HolderID(c)
	if holder == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		limit = n
	}
	list, err := h.Manager.ListReservations(c.Request().Context(), holder, limit)
	if err != nil {
		return writeError(c, err, false)
	}
	return c.JSON(http.StatusOK, echo.Map{"reservations": lo.Map(list, func(r model.Reservation, _ int) reservationResponse {
		return toResponse(r)
	})})
}

// Confirm handles POST /v1/reservations/:id/confirm, called once payment
// has been captured.
func (h *ReservationHandler) Confirm(c echo.Context) error {
	r, err := h.owned(c)
	if err != nil {
		return writeError(c, err, false)
	}
	res, err := h.Manager.Confirm(c.Request().Context(), r.ID)
	if err != nil {
		return writeError(c, err, false)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":           res.ReservationID,
		"status":       model.ReservationConfirmed,
		"confirmed_at": res.ConfirmedAt,
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/reservations/:id/cancel.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	r, err := h.owned(c)
	if err != nil {
		return writeError(c, err, false)
	}
	var body reasonRequest
	_ = c.Bind(&body) // the body is optional
	res, err := h.Manager.Cancel(c.Request().Context(), r.ID, body.Reason)
	if err != nil {
		return writeError(c, err, false)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":           res.ReservationID,
		"status":       model.ReservationCancelled,
		"cancelled_at": res.CancelledAt,
	})
}

// Release handles POST /v1/reservations/:id/release.  Operators use it to
// hand a reservation's inventory back, e.g. after a failed payment.
func (h *ReservationHandler) Release(c echo.Context) error {
	var body reasonRequest
	_ = c.Bind(&body)
	if body.Reason == "" {
		body.Reason = "released by operator"
	}
	if err := h.Manager.Release(c.Request().Context(), c.Param("id"), body.Reason); err != nil {
		return writeError(c, err, false)
	}
	return c.NoContent(http.StatusNoContent)
}

// owned loads the reservation named in the path and hides it from anyone
// but its holder and operators.
func (h *ReservationHandler) owned(c echo.Context) (model.Reservation, error) {
	r, err := h.Manager.GetReservation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return model.Reservation{}, err
	}
	if r.HolderID != middleware.HolderID(c) && middleware.Role(c) != OperatorRole {
		return model.Reservation{}, inventory.ErrEntityNotFound
	}
	return r, nil
}
