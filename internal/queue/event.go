package queue

// Event names double as routing keys (AMQP) and stream topics (Redis).
const (
    EventReservationCreated   = "reservation.created"
    EventReservationConfirmed = "reservation.confirmed"
    EventReservationCancelled = "reservation.cancelled"
    EventReservationExpired   = "reservation.expired"
    EventReservationReleased  = "reservation.released"
)

// ReservationEvent is published after a reservation lifecycle step has
// committed.  It carries enough for downstream consumers (notifications,
// audit, analytics) to act without querying the inventory database.
type ReservationEvent struct {
    Name             string            `json:"name"`
    ReservationID    string            `json:"reservation_id"`
    EventID          uint64            `json:"event_id"`
    HolderID         string            `json:"holder_id"`
    Status           string            `json:"status"`
    Items            []ReservationLine `json:"items"`
    TotalAmountCents uint64            `json:"total_amount_cents"`
    Currency         string            `json:"currency"`
    Reason           string            `json:"reason,omitempty"`
    ExpiresAt        string            `json:"expires_at"`
    OccurredAt       string            `json:"occurred_at"`
    CorrelationID    string            `json:"correlation_id,omitempty"`
}

// ReservationLine is one reservation item as carried on the wire.
type ReservationLine struct {
    TicketTypeID   uint64  `json:"ticket_type_id"`
    SeatID         *uint64 `json:"seat_id,omitempty"`
    AllocationID   *uint64 `json:"allocation_id,omitempty"`
    Quantity       uint32  `json:"quantity"`
    UnitPriceCents uint32  `json:"unit_price_cents"`
}
