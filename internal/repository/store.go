package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

// Store is the MySQL inventory.Store.  Transactions run at READ COMMITTED
// so the classification reads after a failed conditional UPDATE see the
// latest committed row.
type Store struct {
	db           *sqlx.DB
	TicketTypes  *TicketTypeRepo
	Seats        *SeatRepo
	Allocations  *AllocationRepo
	Reservations *ReservationRepo
}

var _ inventory.Store = (*Store)(nil)

// NewStore wires the repositories around one connection pool.
func NewStore(db *sqlx.DB) *Store {
	tickets := NewTicketTypeRepo(db)
	return &Store{
		db:           db,
		TicketTypes:  tickets,
		Seats:        NewSeatRepo(db),
		Allocations:  NewAllocationRepo(db, tickets),
		Reservations: NewReservationRepo(db),
	}
}

// InTx begins a transaction, runs fn and commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx inventory.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if err := fn(&storeTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", classifyDriverError(err))
	}
	committed = true
	return nil
}

func (s *Store) TicketType(ctx context.Context, id uint64) (model.TicketType, error) {
	return s.TicketTypes.GetByID(ctx, s.db, id)
}

func (s *Store) Reservation(ctx context.Context, id string) (model.Reservation, error) {
	return s.Reservations.GetByID(ctx, s.db, id)
}

func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.Reservations.ListExpired(ctx, now, limit)
}

func (s *Store) ReservationsByHolder(ctx context.Context, holderID string, limit int) ([]model.Reservation, error) {
	return s.Reservations.ListByHolder(ctx, holderID, limit)
}

// DB exposes the pool for reads outside the inventory contract.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// storeTx adapts the repositories to inventory.Tx for one transaction.
type storeTx struct {
	s  *Store
	tx *sqlx.Tx
}

func (t *storeTx) TicketType(ctx context.Context, id uint64) (model.TicketType, error) {
	return t.s.TicketTypes.GetByID(ctx, t.tx, id)
}

func (t *storeTx) Seat(ctx context.Context, id uint64) (model.Seat, error) {
	return t.s.Seats.GetByID(ctx, t.tx, id)
}

func (t *storeTx) Reservation(ctx context.Context, id string) (model.Reservation, error) {
	return t.s.Reservations.GetByID(ctx, t.tx, id)
}

func (t *storeTx) FindAllocation(ctx context.Context, ticketTypeID uint64, accessCode string, at time.Time) (*model.Allocation, error) {
	return t.s.Allocations.FindTx(ctx, t.tx, ticketTypeID, accessCode, at)
}

func (t *storeTx) SeatCandidates(ctx context.Context, ticketTypeID uint64, section string, allocationID uint64, limit int) ([]model.Seat, error) {
	return t.s.Seats.CandidatesTx(ctx, t.tx, ticketTypeID, section, allocationID, limit)
}

func (t *storeTx) ReserveUnits(ctx context.Context, c inventory.UnitChange) (model.TicketType, error) {
	return t.s.TicketTypes.ReserveTx(ctx, t.tx, c)
}

func (t *storeTx) ClaimUnits(ctx context.Context, c inventory.UnitChange) (model.TicketType, error) {
	return t.s.TicketTypes.ClaimTx(ctx, t.tx, c)
}

func (t *storeTx) ReturnUnits(ctx context.Context, c inventory.UnitChange) (model.TicketType, error) {
	return t.s.TicketTypes.ReleaseTx(ctx, t.tx, c)
}

func (t *storeTx) UnclaimUnits(ctx context.Context, c inventory.UnitChange) (model.TicketType, error) {
	return t.s.TicketTypes.UnclaimTx(ctx, t.tx, c)
}

func (t *storeTx) SellUnits(ctx context.Context, c inventory.UnitChange) (model.TicketType, error) {
	return t.s.TicketTypes.CommitTx(ctx, t.tx, c)
}

func (t *storeTx) DrawAllocation(ctx context.Context, d inventory.AllocationDraw) error {
	return t.s.Allocations.DrawTx(ctx, t.tx, d)
}

func (t *storeTx) ReturnAllocation(ctx context.Context, d inventory.AllocationDraw) error {
	return t.s.Allocations.ReturnTx(ctx, t.tx, d)
}

func (t *storeTx) ConsumeAllocation(ctx context.Context, d inventory.AllocationDraw) error {
	return t.s.Allocations.ConsumeTx(ctx, t.tx, d)
}

func (t *storeTx) HoldSeat(ctx context.Context, h inventory.SeatHold) (model.Seat, error) {
	return t.s.Seats.HoldTx(ctx, t.tx, h)
}

func (t *storeTx) ReleaseSeat(ctx context.Context, seatID uint64, reservationID string, at time.Time) (model.Seat, error) {
	return t.s.Seats.ReleaseTx(ctx, t.tx, seatID, reservationID, at)
}

func (t *storeTx) SellSeat(ctx context.Context, seatID uint64, reservationID string, at time.Time) (model.Seat, error) {
	return t.s.Seats.SellTx(ctx, t.tx, seatID, reservationID, at)
}

func (t *storeTx) CreateReservation(ctx context.Context, r *model.Reservation) error {
	return t.s.Reservations.CreateTx(ctx, t.tx, r)
}

func (t *storeTx) TransitionReservation(ctx context.Context, tr inventory.Transition) error {
	return t.s.Reservations.TransitionTx(ctx, t.tx, tr)
}
