package model

import (
    "strconv"
    "time"
)

// SeatStatus is the availability state of a single seat.
type SeatStatus string

const (
    SeatAvailable SeatStatus = "AVAILABLE"
    SeatHeld      SeatStatus = "HELD"
    SeatSold      SeatStatus = "SOLD"
    SeatBlocked   SeatStatus = "BLOCKED"
)

// Seat describes one physical seat of a venue together with its hold
// state.  Seats are uniquely identified by their venue, section, row
// label and seat number.
//
// Fields:
//  ID                   – primary key identifier.
//  VenueID              – venue the seat belongs to.
//  TicketTypeID         – ticket type the seat is sold under (nil if unassigned).
//  AllocationID         – restricted pool the seat is carved into (nil if public).
//  Section              – section name (e.g. "ORCH").
//  SectionPriority      – lower sorts first for best-available requests.
//  RowLabel             – letter or string designating the row.
//  SeatNumber           – number of the seat within the row.
//  Status               – AVAILABLE, HELD, SOLD or BLOCKED.
//  CurrentReservationID – reservation holding the seat (lookup only).
//  ReservedUntil        – when the current hold lapses.
//  Version              – bumped on every status change.
//  ETag                 – current concurrency token.
//  ETagUpdatedAt        – last time the status changed.
type Seat struct {
    ID                   uint64     `db:"id"`
    VenueID              uint64     `db:"venue_id"`
    TicketTypeID         *uint64    `db:"ticket_type_id"`
    AllocationID         *uint64    `db:"allocation_id"`
    Section              string     `db:"section"`
    SectionPriority      uint32     `db:"section_priority"`
    RowLabel             string     `db:"row_label"`
    SeatNumber           uint32     `db:"seat_number"`
    Status               SeatStatus `db:"status"`
    CurrentReservationID *string    `db:"current_reservation_id"`
    ReservedUntil        *time.Time `db:"reserved_until"`
    Version              uint64     `db:"version"`
    ETag                 string     `db:"etag_value"`
    ETagUpdatedAt        time.Time  `db:"etag_updated_at"`
}

// Label renders the seat as SECTION-ROW-NUMBER for logs and events.
func (s Seat) Label() string {
    return s.Section + "-" + s.RowLabel + "-" + strconv.FormatUint(uint64(s.SeatNumber), 10)
}
