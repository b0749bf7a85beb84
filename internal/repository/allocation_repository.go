package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

const allocationColumns = `id, ticket_type_id, name, access_code_hash, total_quantity,
	allocated_quantity, used_quantity, starts_at, ends_at`

// AllocationRepo stores restricted pools.  allocated_quantity counts units
// held or sold out of the pool, used_quantity the sold ones.
type AllocationRepo struct {
	db      *sqlx.DB
	tickets *TicketTypeRepo
}

// NewAllocationRepo returns an AllocationRepo bound to db.
func NewAllocationRepo(db *sqlx.DB, tickets *TicketTypeRepo) *AllocationRepo {
	return &AllocationRepo{db: db, tickets: tickets}
}

// Create carves a pool out of the ticket type's public inventory in one
// transaction.  It fails with ErrInsufficientInventory when fewer units
// than requested are available.
func (r *AllocationRepo) Create(ctx context.Context, a *model.Allocation, accessCode string) error {
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
	res, err := tx.ExecContext(ctx,
		`UPDATE ticket_types
		 SET available_capacity = available_capacity - ?, version = version + 1, etag_updated_at = ?
		 WHERE id = ? AND status = 'ACTIVE' AND available_capacity >= ?`,
		a.TotalQuantity, now, a.TicketTypeID, a.TotalQuantity)
	if err != nil {
		return classifyDriverError(err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := r.tickets.GetByID(ctx, tx, a.TicketTypeID); err != nil {
			return err
		}
		return fmt.Errorf("carve %d units from ticket type %d: %w", a.TotalQuantity, a.TicketTypeID, inventory.ErrInsufficientInventory)
	}
	if _, err := r.tickets.refreshTx(ctx, tx, a.TicketTypeID); err != nil {
		return err
	}

	a.AccessCodeHash = inventory.HashAccessCode(accessCode)
	res, err = tx.ExecContext(ctx,
		`INSERT INTO allocations (ticket_type_id, name, access_code_hash, total_quantity, starts_at, ends_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.TicketTypeID, a.Name, a.AccessCodeHash, a.TotalQuantity, a.StartsAt.UTC(), a.EndsAt.UTC())
	if err != nil {
		return fmt.Errorf("could not insert allocation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	a.ID = uint64(id)
	return nil
}

// GetByID loads one allocation.
func (r *AllocationRepo) GetByID(ctx context.Context, q sqlx.QueryerContext, id uint64) (model.Allocation, error) {
	var a model.Allocation
	if err := sqlx.GetContext(ctx, q, &a, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id); err != nil {
		return model.Allocation{}, notFound(err, "allocation", id)
	}
	return a, nil
}

// FindTx returns the open allocation of a ticket type unlocked by
// accessCode, lowest id first.
func (r *AllocationRepo) FindTx(ctx context.Context, tx *sqlx.Tx, ticketTypeID uint64, accessCode string, at time.Time) (*model.Allocation, error) {
	var a model.Allocation
	err := tx.GetContext(ctx, &a, `SELECT `+allocationColumns+` FROM allocations
		WHERE ticket_type_id = ? AND access_code_hash = ? AND starts_at <= ? AND ends_at > ?
		ORDER BY id LIMIT 1`,
		ticketTypeID, inventory.HashAccessCode(accessCode), at.UTC(), at.UTC())
	if err != nil {
		return nil, notFound(err, "allocation for ticket type", ticketTypeID)
	}
	return &a, nil
}

// DrawTx takes q units from an open pool.
func (r *AllocationRepo) DrawTx(ctx context.Context, tx *sqlx.Tx, d inventory.AllocationDraw) error {
	return r.applyTx(ctx, tx, d,
		`UPDATE allocations SET allocated_quantity = allocated_quantity + ?
		 WHERE id = ? AND allocated_quantity + ? <= total_quantity AND starts_at <= ? AND ends_at > ?`,
		[]any{d.Quantity, d.AllocationID, d.Quantity, d.At.UTC(), d.At.UTC()},
		inventory.ErrInsufficientInventory)
}

// ReturnTx gives q held units back to the pool.
func (r *AllocationRepo) ReturnTx(ctx context.Context, tx *sqlx.Tx, d inventory.AllocationDraw) error {
	return r.applyTx(ctx, tx, d,
		`UPDATE allocations SET allocated_quantity = allocated_quantity - ?
		 WHERE id = ? AND allocated_quantity >= used_quantity + ?`,
		[]any{d.Quantity, d.AllocationID, d.Quantity},
		inventory.ErrInvalidState)
}

// ConsumeTx marks q held units of the pool as sold.
func (r *AllocationRepo) ConsumeTx(ctx context.Context, tx *sqlx.Tx, d inventory.AllocationDraw) error {
	return r.applyTx(ctx, tx, d,
		`UPDATE allocations SET used_quantity = used_quantity + ?
		 WHERE id = ? AND used_quantity + ? <= allocated_quantity`,
		[]any{d.Quantity, d.AllocationID, d.Quantity},
		inventory.ErrInvalidState)
}

func (r *AllocationRepo) applyTx(ctx context.Context, tx *sqlx.Tx, d inventory.AllocationDraw, q string, args []any, short error) error {
	if d.Quantity == 0 {
		return short
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
	if _, err := r.GetByID(ctx, tx, d.AllocationID); err != nil {
		return err
	}
	return short
}
