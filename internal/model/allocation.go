package model

import "time"

// Allocation is a named carve-out of a ticket type's inventory (promoter
// hold, VIP block, presale).  Its units are removed from the public pool
// when the allocation is created and can only be drawn by requests that
// present the access code while the window is open.
//
// Fields:
//  ID                – primary key identifier.
//  TicketTypeID      – ticket type the units are carved from.
//  Name              – display name of the pool.
//  AccessCodeHash    – BLAKE2b hex digest of the access code.
//  TotalQuantity     – size of the pool.
//  AllocatedQuantity – units held or sold out of the pool.
//  UsedQuantity      – units sold out of the pool.
//  StartsAt, EndsAt  – window during which the pool may be drawn.
type Allocation struct {
    ID                uint64    `db:"id"`
    TicketTypeID      uint64    `db:"ticket_type_id"`
    Name              string    `db:"name"`
    AccessCodeHash    string    `db:"access_code_hash"`
    TotalQuantity     uint32    `db:"total_quantity"`
    AllocatedQuantity uint32    `db:"allocated_quantity"`
    UsedQuantity      uint32    `db:"used_quantity"`
    StartsAt          time.Time `db:"starts_at"`
    EndsAt            time.Time `db:"ends_at"`
}

// Remaining returns the units still drawable from the pool.
func (a Allocation) Remaining() uint32 {
    if a.AllocatedQuantity >= a.TotalQuantity {
        return 0
    }
    return a.TotalQuantity - a.AllocatedQuantity
}

// OpenAt reports whether the allocation window contains t.
func (a Allocation) OpenAt(t time.Time) bool {
    return !t.Before(a.StartsAt) && t.Before(a.EndsAt)
}
