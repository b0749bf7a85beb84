package repository

import (
    "context"
    "fmt"
    "time"

    "github.com/jmoiron/sqlx"

    "github.com/iliyamo/ticket-inventory/internal/inventory"
    "github.com/iliyamo/ticket-inventory/internal/model"
)

const reservationColumns = `id, event_id, holder_id, status, total_amount_cents, currency,
    created_at, expires_at, confirmed_at, cancelled_at, released_at, cancel_reason`

// ReservationRepo provides operations for reservations and their items.
// Reservations group together one or more items for a particular event
// and holder.  Items are stored in the reservation_items table.  All
// timestamp fields are stored in UTC.  Rows are never deleted.
type ReservationRepo struct {
    db *sqlx.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sqlx.DB) *ReservationRepo { return &ReservationRepo{db: db} }

// CreateTx inserts a reservation and its items within the scope of an
// existing transaction.  Item IDs are populated on res.  The caller must
// commit or roll back the transaction.
func (r *ReservationRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, res *model.Reservation) error {
    const q = `INSERT INTO reservations
        (id, event_id, holder_id, status, total_amount_cents, currency, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
    _, err := tx.ExecContext(ctx, q, res.ID, res.EventID, res.HolderID, res.Status,
        res.TotalAmountCents, res.Currency, res.CreatedAt.UTC(), res.ExpiresAt.UTC())
    if err != nil {
        return fmt.Errorf("could not insert reservation: %w", classifyDriverError(err))
    }
    const qi = `INSERT INTO reservation_items
        (reservation_id, ticket_type_id, seat_id, allocation_id, quantity, unit_price_cents)
        VALUES (?, ?, ?, ?, ?, ?)`
    for i := range res.Items {
        it := &res.Items[i]
        it.ReservationID = res.ID
        result, err := tx.ExecContext(ctx, qi, it.ReservationID, it.TicketTypeID, it.SeatID,
            it.AllocationID, it.Quantity, it.UnitPriceCents)
        if err != nil {
            return fmt.Errorf("could not insert reservation item: %w", classifyDriverError(err))
        }
        id, err := result.LastInsertId()
        if err != nil {
            return err
        }
        it.ID = uint64(id)
    }
    return nil
}

// GetByID returns a reservation with its items using q, which may be the
// pool or a transaction.
func (r *ReservationRepo) GetByID(ctx context.Context, q sqlx.QueryerContext, id string) (model.Reservation, error) {
    var res model.Reservation
    err := sqlx.GetContext(ctx, q, &res, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
    if err != nil {
        return model.Reservation{}, notFound(err, "reservation", id)
    }
    err = sqlx.SelectContext(ctx, q, &res.Items,
        `SELECT id, reservation_id, ticket_type_id, seat_id, allocation_id, quantity, unit_price_cents
         FROM reservation_items WHERE reservation_id = ? ORDER BY id`, id)
    if err != nil {
        return model.Reservation{}, fmt.Errorf("could not load items of reservation %s: %w", id, err)
    }
    return res, nil
}

// ListExpired returns ids of ACTIVE reservations whose deadline is at or
// before now, oldest deadline first.
func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
    var ids []string
    err := r.db.SelectContext(ctx, &ids,
        `SELECT id FROM reservations
         WHERE status = 'ACTIVE' AND expires_at <= ?
         ORDER BY expires_at, id
         LIMIT ?`, now.UTC(), limit)
    if err != nil {
        return nil, fmt.Errorf("could not list expired reservations: %w", err)
    }
    return ids, nil
}

// ListByHolder returns the reservations of a holder, newest first, without
// items.
func (r *ReservationRepo) ListByHolder(ctx context.Context, holderID string, limit int) ([]model.Reservation, error) {
    var out []model.Reservation
    err := r.db.SelectContext(ctx, &out,
        `SELECT `+reservationColumns+` FROM reservations
         WHERE holder_id = ? ORDER BY created_at DESC, id LIMIT ?`, holderID, limit)
    if err != nil {
        return nil, fmt.Errorf("could not list reservations of %s: %w", holderID, err)
    }
    return out, nil
}

// TransitionTx moves a reservation out of ACTIVE with one conditional
// UPDATE.  When no row changes, the current row decides the error.
func (r *ReservationRepo) TransitionTx(ctx context.Context, tx *sqlx.Tx, t inventory.Transition) error {
    var column string
    switch t.To {
    case model.ReservationConfirmed:
        column = "confirmed_at"
    case model.ReservationCancelled:
        column = "cancelled_at"
    case model.ReservationExpired, model.ReservationReleased:
        column = "released_at"
    default:
        return fmt.Errorf("transition to %s: %w", t.To, inventory.ErrInvalidState)
    }
    var reason *string
    if t.Reason != "" && t.To != model.ReservationConfirmed {
        reason = &t.Reason
    }
    at := t.At.UTC()

    q := `UPDATE reservations SET status = ?, ` + column + ` = ?, cancel_reason = COALESCE(?, cancel_reason)
        WHERE id = ? AND status = 'ACTIVE'`
    args := []any{t.To, at, reason, t.ReservationID}
    switch t.Guard {
    case inventory.GuardLive:
        q += ` AND expires_at > ?`
        args = append(args, at)
    case inventory.GuardLapsed:
        q += ` AND expires_at <= ?`
        args = append(args, at)
    }

    res, err := tx.ExecContext(ctx, q, args...)
    if err != nil {
        return classifyDriverError(err)
    }
    ok, err := affected(res)
    if err != nil {
        return err
    }
    if ok {
        return nil
    }

    var cur struct {
        Status    model.ReservationStatus `db:"status"`
        ExpiresAt time.Time               `db:"expires_at"`
    }
    err = tx.GetContext(ctx, &cur, `SELECT status, expires_at FROM reservations WHERE id = ?`, t.ReservationID)
    if err != nil {
        return notFound(err, "reservation", t.ReservationID)
    }
    switch {
    case cur.Status != model.ReservationActive:
        return fmt.Errorf("reservation %s is %s: %w", t.ReservationID, cur.Status, inventory.ErrInvalidState)
    case t.Guard == inventory.GuardLive:
        return fmt.Errorf("reservation %s: %w", t.ReservationID, inventory.ErrReservationExpired)
    default:
        return fmt.Errorf("reservation %s has not expired: %w", t.ReservationID, inventory.ErrInvalidState)
    }
}
