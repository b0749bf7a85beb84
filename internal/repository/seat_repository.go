package repository // repository defines data access for seats

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/ticket-inventory/internal/etag"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

const seatColumns = `id, venue_id, ticket_type_id, allocation_id, section, section_priority,
	row_label, seat_number, status, current_reservation_id, reserved_until, version,
	etag_value, etag_updated_at`

// SeatRepo provides methods to work with seats in the database.  Status
// changes go through HoldTx, ReleaseTx and SellTx only.
type SeatRepo struct {
	db *sqlx.DB
}

// NewSeatRepo constructs a SeatRepo with the given DB handle.
func NewSeatRepo(db *sqlx.DB) *SeatRepo {
	return &SeatRepo{db: db}
}

// CreateBulk inserts multiple AVAILABLE seats in a single statement and
// stores their first tokens.
func (r *SeatRepo) CreateBulk(ctx context.Context, seats []model.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	query := `INSERT INTO seats (venue_id, ticket_type_id, allocation_id, section, section_priority,
		row_label, seat_number, status, version, etag_updated_at) VALUES `
	args := make([]interface{}, 0, len(seats)*9)
	for i, s := range seats {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?, 'AVAILABLE', 1, ?)"
		args = append(args, s.VenueID, s.TicketTypeID, s.AllocationID, s.Section, s.SectionPriority,
			s.RowLabel, s.SeatNumber, now)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("could not insert seats: %w", err)
	}

	var ids []uint64
	err = tx.SelectContext(ctx, &ids, `SELECT id FROM seats WHERE etag_value = '' FOR UPDATE`)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := r.refreshTx(ctx, tx, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetByID loads one seat with q, which may be the pool or a tx.
func (r *SeatRepo) GetByID(ctx context.Context, q sqlx.QueryerContext, id uint64) (model.Seat, error) {
	var s model.Seat
	if err := sqlx.GetContext(ctx, q, &s, `SELECT `+seatColumns+` FROM seats WHERE id = ?`, id); err != nil {
		return model.Seat{}, notFound(err, "seat", id)
	}
	return s, nil
}

// CandidatesTx lists AVAILABLE seats of a ticket type in best-available
// order: seats of the caller's allocation first, then section priority,
// section, row and seat number.  Rows locked by other transactions are
// skipped so concurrent best-available requests spread over the map.
func (r *SeatRepo) CandidatesTx(ctx context.Context, tx *sqlx.Tx, ticketTypeID uint64, section string, allocationID uint64, limit int) ([]model.Seat, error) {
	const q = `SELECT ` + seatColumns + `
		FROM seats
		WHERE ticket_type_id = ? AND status = 'AVAILABLE'
		  AND (allocation_id IS NULL OR allocation_id = ?)
		  AND (? = '' OR section = ?)
		ORDER BY (allocation_id IS NULL), section_priority, section, row_label, seat_number, id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`
	var seats []model.Seat
	if err := tx.SelectContext(ctx, &seats, q, ticketTypeID, allocationID, section, section, limit); err != nil {
		return nil, classifyDriverError(err)
	}
	return seats, nil
}

// HoldTx marks an AVAILABLE seat HELD by a reservation.  Restricted seats
// are only held for requests entitled to their allocation.
func (r *SeatRepo) HoldTx(ctx context.Context, tx *sqlx.Tx, h inventory.SeatHold) (model.Seat, error) {
	expected := ""
	if h.ExpectedToken != "" {
		canon, err := inventory.CanonicalToken(h.ExpectedToken)
		if err != nil {
			return model.Seat{}, err
		}
		expected = canon
	}
	const q = `UPDATE seats
		SET status = 'HELD', current_reservation_id = ?, reserved_until = ?,
		    version = version + 1, etag_updated_at = ?
		WHERE id = ? AND status = 'AVAILABLE'
		  AND (allocation_id IS NULL OR allocation_id = ?)
		  AND (? = '' OR etag_value = ?)`
	res, err := tx.ExecContext(ctx, q, h.ReservationID, h.Until.UTC(), h.At.UTC(),
		h.SeatID, h.AllocationID, expected, expected)
	if err != nil {
		return model.Seat{}, classifyDriverError(err)
	}
	ok, err := affected(res)
	if err != nil {
		return model.Seat{}, err
	}
	if !ok {
		s, err := r.GetByID(ctx, tx, h.SeatID)
		if err != nil {
			return model.Seat{}, err
		}
		if expected != "" && expected != s.ETag {
			return model.Seat{}, inventory.ErrTokenMismatch
		}
		return model.Seat{}, inventory.ErrInsufficientInventory
	}
	return r.refreshTx(ctx, tx, h.SeatID)
}

// ReleaseTx returns a seat held by reservationID to AVAILABLE.
func (r *SeatRepo) ReleaseTx(ctx context.Context, tx *sqlx.Tx, seatID uint64, reservationID string, at time.Time) (model.Seat, error) {
	const q = `UPDATE seats
		SET status = 'AVAILABLE', current_reservation_id = NULL, reserved_until = NULL,
		    version = version + 1, etag_updated_at = ?
		WHERE id = ? AND status = 'HELD' AND current_reservation_id = ?`
	return r.fromHeldTx(ctx, tx, q, seatID, reservationID, at)
}

// SellTx turns a seat held by reservationID into SOLD.  The seat no longer
// points at the reservation; the buyer is found through reservation_items.
func (r *SeatRepo) SellTx(ctx context.Context, tx *sqlx.Tx, seatID uint64, reservationID string, at time.Time) (model.Seat, error) {
	const q = `UPDATE seats
		SET status = 'SOLD', current_reservation_id = NULL, reserved_until = NULL,
		    version = version + 1, etag_updated_at = ?
		WHERE id = ? AND status = 'HELD' AND current_reservation_id = ?`
	return r.fromHeldTx(ctx, tx, q, seatID, reservationID, at)
}

func (r *SeatRepo) fromHeldTx(ctx context.Context, tx *sqlx.Tx, q string, seatID uint64, reservationID string, at time.Time) (model.Seat, error) {
	res, err := tx.ExecContext(ctx, q, at.UTC(), seatID, reservationID)
	if err != nil {
		return model.Seat{}, classifyDriverError(err)
	}
	ok, err := affected(res)
	if err != nil {
		return model.Seat{}, err
	}
	if !ok {
		if _, err := r.GetByID(ctx, tx, seatID); err != nil {
			return model.Seat{}, err
		}
		return model.Seat{}, fmt.Errorf("seat %d not held by %s: %w", seatID, reservationID, inventory.ErrInvalidState)
	}
	return r.refreshTx(ctx, tx, seatID)
}

func (r *SeatRepo) refreshTx(ctx context.Context, tx *sqlx.Tx, id uint64) (model.Seat, error) {
	s, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return model.Seat{}, err
	}
	s.ETag = etag.ForSeat(s).String()
	if _, err := tx.ExecContext(ctx, `UPDATE seats SET etag_value = ? WHERE id = ?`, s.ETag, id); err != nil {
		return model.Seat{}, classifyDriverError(err)
	}
	return s, nil
}
