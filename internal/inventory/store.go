package inventory

import (
	"context"
	"time"

	"github.com/iliyamo/ticket-inventory/internal/model"
)

// Store is the persistence boundary of the core.  Reads outside a
// transaction serve the snapshot and lookup paths; every mutation runs
// inside InTx.
type Store interface {
	// InTx runs fn inside one database transaction.  fn's error aborts
	// and rolls back everything fn did; a nil error commits.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	TicketType(ctx context.Context, id uint64) (model.TicketType, error)
	Reservation(ctx context.Context, id string) (model.Reservation, error)

	// ExpiredReservations lists ACTIVE reservations whose deadline is at
	// or before now, oldest deadline first.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ReservationsByHolder lists a holder's reservations, newest first,
	// without items.
	ReservationsByHolder(ctx context.Context, holderID string, limit int) ([]model.Reservation, error)
}

// UnitChange describes one conditional counter mutation on a ticket type.
type UnitChange struct {
	TicketTypeID  uint64
	Quantity      uint32
	ExpectedToken string // empty: no token precondition
	At            time.Time
}

// SeatHold describes one conditional seat hold.
type SeatHold struct {
	SeatID        uint64
	ReservationID string
	Until         time.Time
	AllocationID  uint64 // restricted pool the request is entitled to; 0 for public only
	ExpectedToken string
	At            time.Time
}

// AllocationDraw describes one conditional draw from a restricted pool.
type AllocationDraw struct {
	AllocationID uint64
	Quantity     uint32
	At           time.Time
}

// Guard narrows a reservation transition by deadline.
type Guard int

const (
	GuardNone   Guard = iota
	GuardLive         // expires_at > At (confirm)
	GuardLapsed       // expires_at <= At (expire)
)

// Transition moves a reservation out of ACTIVE.  It is applied as one
// conditional UPDATE keyed on status = ACTIVE so concurrent actors cannot
// both win.
type Transition struct {
	ReservationID string
	To            model.ReservationStatus
	At            time.Time
	Guard         Guard
	Reason        string
}

// Tx is the set of atomic operations available inside a transaction.
// Every method that changes counters, seat status or a concurrency token
// does so with a single conditional statement; none of them read a value
// into application code and write it back.
type Tx interface {
	// Lookups.  Used for static configuration (kind, price, limits,
	// seat-to-ticket-type binding), never as a precondition for a write.
	TicketType(ctx context.Context, id uint64) (model.TicketType, error)
	Seat(ctx context.Context, id uint64) (model.Seat, error)
	Reservation(ctx context.Context, id string) (model.Reservation, error)
	FindAllocation(ctx context.Context, ticketTypeID uint64, accessCode string, at time.Time) (*model.Allocation, error)
	SeatCandidates(ctx context.Context, ticketTypeID uint64, section string, allocationID uint64, limit int) ([]model.Seat, error)

	// Ticket-type ledger.
	ReserveUnits(ctx context.Context, c UnitChange) (model.TicketType, error) // available -= q, reserved += q
	ClaimUnits(ctx context.Context, c UnitChange) (model.TicketType, error)   // reserved += q (restricted pool)
	ReturnUnits(ctx context.Context, c UnitChange) (model.TicketType, error)  // available += q, reserved -= q
	UnclaimUnits(ctx context.Context, c UnitChange) (model.TicketType, error) // reserved -= q (restricted pool)
	SellUnits(ctx context.Context, c UnitChange) (model.TicketType, error)    // reserved -= q, sold += q

	// Restricted pools.
	DrawAllocation(ctx context.Context, d AllocationDraw) error    // allocated += q where allocated + q <= total
	ReturnAllocation(ctx context.Context, d AllocationDraw) error  // allocated -= q
	ConsumeAllocation(ctx context.Context, d AllocationDraw) error // used += q

	// Seats.
	HoldSeat(ctx context.Context, h SeatHold) (model.Seat, error)
	ReleaseSeat(ctx context.Context, seatID uint64, reservationID string, at time.Time) (model.Seat, error)
	SellSeat(ctx context.Context, seatID uint64, reservationID string, at time.Time) (model.Seat, error)

	// Reservations.
	CreateReservation(ctx context.Context, r *model.Reservation) error
	TransitionReservation(ctx context.Context, t Transition) error
}
