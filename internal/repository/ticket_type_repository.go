package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/ticket-inventory/internal/etag"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

const ticketTypeColumns = `id, event_id, name, kind, total_capacity, available_capacity,
	reserved_count, sold_count, min_per_order, max_per_order, price_cents, currency,
	status, version, etag_value, etag_updated_at, created_at`

// TicketTypeRepo owns the ticket_types ledger rows.  Counter columns are
// only ever changed by the conditional statements below.
type TicketTypeRepo struct {
	db *sqlx.DB
}

// NewTicketTypeRepo returns a TicketTypeRepo bound to db.
func NewTicketTypeRepo(db *sqlx.DB) *TicketTypeRepo { return &TicketTypeRepo{db: db} }

// GetByID loads one ticket type with q, which may be the pool or a tx.
func (r *TicketTypeRepo) GetByID(ctx context.Context, q sqlx.QueryerContext, id uint64) (model.TicketType, error) {
	var tt model.TicketType
	err := sqlx.GetContext(ctx, q, &tt, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = ?`, id)
	if err != nil {
		return model.TicketType{}, notFound(err, "ticket type", id)
	}
	return tt, nil
}

// Create inserts a ticket type with its whole capacity available and
// stores its first token.
func (r *TicketTypeRepo) Create(ctx context.Context, tt *model.TicketType) error {
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
	if tt.Kind == "" {
		tt.Kind = model.KindGeneralAdmission
	}
	const q = `INSERT INTO ticket_types
		(event_id, name, kind, total_capacity, available_capacity, min_per_order, max_per_order,
		 price_cents, currency, status, version, etag_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'ACTIVE', 1, ?)`
	res, err := tx.ExecContext(ctx, q, tt.EventID, tt.Name, tt.Kind, tt.TotalCapacity, tt.TotalCapacity,
		tt.MinPerOrder, tt.MaxPerOrder, tt.PriceCents, tt.Currency, now)
	if err != nil {
		return fmt.Errorf("could not insert ticket type: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	fresh, err := r.refreshTx(ctx, tx, uint64(id))
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	*tt = fresh
	return nil
}

// unitUpdate describes one conditional counter statement.
type unitUpdate struct {
	set           string // SET clause for the counters
	cond          string // extra WHERE condition, "?" placeholders bound to the quantity
	requireActive bool
	short         error // returned when the row exists, the token matches and cond fails
}

var (
	reserveUpdate = unitUpdate{
		set:           `available_capacity = available_capacity - ?, reserved_count = reserved_count + ?`,
		cond:          `available_capacity >= ?`,
		requireActive: true,
		short:         inventory.ErrInsufficientInventory,
	}
	claimUpdate = unitUpdate{
		set:           `reserved_count = reserved_count + ?`,
		cond:          `available_capacity + reserved_count + sold_count + ? <= total_capacity`,
		requireActive: true,
		short:         inventory.ErrInsufficientInventory,
	}
	returnUpdate = unitUpdate{
		set:   `available_capacity = available_capacity + ?, reserved_count = reserved_count - ?`,
		cond:  `reserved_count >= ?`,
		short: inventory.ErrInvalidState,
	}
	unclaimUpdate = unitUpdate{
		set:   `reserved_count = reserved_count - ?`,
		cond:  `reserved_count >= ?`,
		short: inventory.ErrInvalidState,
	}
	sellUpdate = unitUpdate{
		set:   `reserved_count = reserved_count - ?, sold_count = sold_count + ?`,
		cond:  `reserved_count >= ?`,
		short: inventory.ErrInvalidState,
	}
)

// ReserveTx moves q units from available to reserved.
func (r *TicketTypeRepo) ReserveTx(ctx context.Context, tx *sqlx.Tx, c inventory.UnitChange) (model.TicketType, error) {
	return r.applyTx(ctx, tx, reserveUpdate, c)
}

// ClaimTx adds q reserved units drawn from a restricted allocation.  The
// units already left the public pool when the allocation was carved.
func (r *TicketTypeRepo) ClaimTx(ctx context.Context, tx *sqlx.Tx, c inventory.UnitChange) (model.TicketType, error) {
	return r.applyTx(ctx, tx, claimUpdate, c)
}

// ReleaseTx gives q reserved units back to the public pool.
func (r *TicketTypeRepo) ReleaseTx(ctx context.Context, tx *sqlx.Tx, c inventory.UnitChange) (model.TicketType, error) {
	return r.applyTx(ctx, tx, returnUpdate, c)
}

// UnclaimTx drops q reserved units that go back to their allocation.
func (r *TicketTypeRepo) UnclaimTx(ctx context.Context, tx *sqlx.Tx, c inventory.UnitChange) (model.TicketType, error) {
	return r.applyTx(ctx, tx, unclaimUpdate, c)
}

// CommitTx turns q reserved units into sold units.
func (r *TicketTypeRepo) CommitTx(ctx context.Context, tx *sqlx.Tx, c inventory.UnitChange) (model.TicketType, error) {
	return r.applyTx(ctx, tx, sellUpdate, c)
}

func (r *TicketTypeRepo) applyTx(ctx context.Context, tx *sqlx.Tx, u unitUpdate, c inventory.UnitChange) (model.TicketType, error) {
	expected := ""
	if c.ExpectedToken != "" {
		canon, err := inventory.CanonicalToken(c.ExpectedToken)
		if err != nil {
			return model.TicketType{}, err
		}
		expected = canon
	}
	if c.Quantity == 0 {
		return model.TicketType{}, u.short
	}

	q := `UPDATE ticket_types SET ` + u.set + `, version = version + 1, etag_updated_at = ?
		WHERE id = ? AND ` + u.cond + ` AND (? = '' OR etag_value = ?)`
	if u.requireActive {
		q += ` AND status = 'ACTIVE'`
	}
	args := make([]any, 0, 8)
	for i := 0; i < strings.Count(u.set, "?"); i++ {
		args = append(args, c.Quantity)
	}
	args = append(args, c.At.UTC(), c.TicketTypeID)
	for i := 0; i < strings.Count(u.cond, "?"); i++ {
		args = append(args, c.Quantity)
	}
	args = append(args, expected, expected)

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return model.TicketType{}, classifyDriverError(err)
	}
	ok, err := affected(res)
	if err != nil {
		return model.TicketType{}, err
	}
	if !ok {
		return model.TicketType{}, r.classifyTx(ctx, tx, c.TicketTypeID, expected, u)
	}
	return r.refreshTx(ctx, tx, c.TicketTypeID)
}

// classifyTx explains why a conditional statement matched no row.  The
// token check wins over the quantity check.
func (r *TicketTypeRepo) classifyTx(ctx context.Context, tx *sqlx.Tx, id uint64, expected string, u unitUpdate) error {
	tt, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if u.requireActive && tt.Status != model.TicketTypeActive {
		return fmt.Errorf("ticket type %d is retired: %w", id, inventory.ErrEntityNotFound)
	}
	if expected != "" && expected != tt.ETag {
		return inventory.ErrTokenMismatch
	}
	return u.short
}

// refreshTx recomputes and stores the token of a row this transaction has
// just changed.  The row is locked by that change.
func (r *TicketTypeRepo) refreshTx(ctx context.Context, tx *sqlx.Tx, id uint64) (model.TicketType, error) {
	tt, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return model.TicketType{}, err
	}
	tt.ETag = etag.ForTicketType(tt).String()
	if _, err := tx.ExecContext(ctx, `UPDATE ticket_types SET etag_value = ? WHERE id = ?`, tt.ETag, id); err != nil {
		return model.TicketType{}, classifyDriverError(err)
	}
	return tt, nil
}

// Retire soft-deletes a ticket type.  Held and sold units stay untouched;
// only new reserves are refused.
func (r *TicketTypeRepo) Retire(ctx context.Context, id uint64) error {
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
	res, err := tx.ExecContext(ctx,
		`UPDATE ticket_types SET status = 'RETIRED', version = version + 1, etag_updated_at = ?
		 WHERE id = ? AND status = 'ACTIVE'`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := r.GetByID(ctx, tx, id); err != nil {
			return err
		}
		return fmt.Errorf("ticket type %d already retired: %w", id, inventory.ErrInvalidState)
	}
	if _, err := r.refreshTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
