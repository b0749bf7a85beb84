package model

import "time"

// InventoryKind tells whether a ticket type is sold as a plain count or
// bound to individual seats.
type InventoryKind string

const (
    KindGeneralAdmission InventoryKind = "GENERAL_ADMISSION"
    KindSeated           InventoryKind = "SEATED"
)

// TicketTypeStatus is the soft-delete flag of a ticket type.  Retired
// ticket types stay in the table for as long as reservations point at
// them, but the atomic reserve refuses to draw from them.
type TicketTypeStatus string

const (
    TicketTypeActive  TicketTypeStatus = "ACTIVE"
    TicketTypeRetired TicketTypeStatus = "RETIRED"
)

// TicketType is one purchasable category of an event and carries the
// inventory ledger counters for it.  It corresponds to a row in the
// `ticket_types` table.
//
// Fields:
//  ID                – primary key identifier.
//  EventID           – event the ticket type belongs to.
//  Name              – display name (e.g. "Floor", "Balcony").
//  Kind              – GENERAL_ADMISSION or SEATED.
//  TotalCapacity     – units configured for sale.
//  AvailableCapacity – units free for public reservation.
//  ReservedCount     – units held by ACTIVE reservations.
//  SoldCount         – units consumed by CONFIRMED reservations.
//  MinPerOrder       – minimum quantity per reservation line.
//  MaxPerOrder       – maximum quantity per reservation line.
//  PriceCents        – unit price read at reservation time.
//  Currency          – ISO 4217 currency code.
//  Status            – ACTIVE or RETIRED.
//  Version           – bumped on every counter mutation.
//  ETag              – current concurrency token.
//  ETagUpdatedAt     – last time a counter changed.
type TicketType struct {
    ID                uint64           `db:"id"`
    EventID           uint64           `db:"event_id"`
    Name              string           `db:"name"`
    Kind              InventoryKind    `db:"kind"`
    TotalCapacity     uint32           `db:"total_capacity"`
    AvailableCapacity uint32           `db:"available_capacity"`
    ReservedCount     uint32           `db:"reserved_count"`
    SoldCount         uint32           `db:"sold_count"`
    MinPerOrder       uint32           `db:"min_per_order"`
    MaxPerOrder       uint32           `db:"max_per_order"`
    PriceCents        uint32           `db:"price_cents"`
    Currency          string           `db:"currency"`
    Status            TicketTypeStatus `db:"status"`
    Version           uint64           `db:"version"`
    ETag              string           `db:"etag_value"`
    ETagUpdatedAt     time.Time        `db:"etag_updated_at"`
    CreatedAt         time.Time        `db:"created_at"`
}

// Seated reports whether units of this ticket type are bound to seats.
func (t TicketType) Seated() bool { return t.Kind == KindSeated }
