package model

import "time"

// ReservationStatus is a state of the reservation state machine.  ACTIVE
// is the only initial state; every other state is terminal.
type ReservationStatus string

const (
    ReservationActive    ReservationStatus = "ACTIVE"
    ReservationConfirmed ReservationStatus = "CONFIRMED"
    ReservationCancelled ReservationStatus = "CANCELLED"
    ReservationExpired   ReservationStatus = "EXPIRED"
    ReservationReleased  ReservationStatus = "RELEASED"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool { return s != ReservationActive }

// HoldsInventory reports whether reservations in this state still count
// against capacity.
func (s ReservationStatus) HoldsInventory() bool {
    return s == ReservationActive || s == ReservationConfirmed
}

// Reservation records a holder's intent to buy.  It aggregates one or
// more items and is never physically deleted; terminal rows are kept for
// audit.
//
// Fields:
//  ID               – UUID primary key.
//  EventID          – event being reserved.
//  HolderID         – identity of the customer holding the reservation.
//  Status           – ACTIVE, CONFIRMED, CANCELLED, EXPIRED or RELEASED.
//  TotalAmountCents – sum of quantity * unit price over all items.
//  Currency         – ISO 4217 currency code.
//  CreatedAt        – creation timestamp.
//  ExpiresAt        – deadline after which the hold is reclaimed.
//  ConfirmedAt      – set when status is CONFIRMED.
//  CancelledAt      – set when status is CANCELLED.
//  ReleasedAt       – set when status is EXPIRED or RELEASED.
//  CancelReason     – free-form reason supplied on cancel.
type Reservation struct {
    ID               string            `db:"id"`
    EventID          uint64            `db:"event_id"`
    HolderID         string            `db:"holder_id"`
    Status           ReservationStatus `db:"status"`
    TotalAmountCents uint64            `db:"total_amount_cents"`
    Currency         string            `db:"currency"`
    CreatedAt        time.Time         `db:"created_at"`
    ExpiresAt        time.Time         `db:"expires_at"`
    ConfirmedAt      *time.Time        `db:"confirmed_at"`
    CancelledAt      *time.Time        `db:"cancelled_at"`
    ReleasedAt       *time.Time        `db:"released_at"`
    CancelReason     *string           `db:"cancel_reason"`
    Items            []ReservationItem `db:"-"`
}

// ExpiredAt reports whether the reservation deadline has passed at t.
func (r Reservation) ExpiredAt(t time.Time) bool { return !t.Before(r.ExpiresAt) }

// ReservationItem is one line of a reservation.  Items are created with
// their parent and never change afterwards.
//
// Fields:
//  ID             – primary key identifier.
//  ReservationID  – owning reservation.
//  TicketTypeID   – ticket type the units come from.
//  SeatID         – bound seat for seated lines (nil for general admission).
//  AllocationID   – restricted pool the units were drawn from (nil = public).
//  Quantity       – number of units (always 1 for a seat line).
//  UnitPriceCents – price per unit at reservation time.
type ReservationItem struct {
    ID             uint64  `db:"id"`
    ReservationID  string  `db:"reservation_id"`
    TicketTypeID   uint64  `db:"ticket_type_id"`
    SeatID         *uint64 `db:"seat_id"`
    AllocationID   *uint64 `db:"allocation_id"`
    Quantity       uint32  `db:"quantity"`
    UnitPriceCents uint32  `db:"unit_price_cents"`
}
