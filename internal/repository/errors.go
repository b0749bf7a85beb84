// Package repository is the MySQL side of the inventory core.  Every
// mutating method is a single conditional UPDATE; when it affects no row
// a follow-up read classifies the failure into one of the inventory
// sentinel errors so handlers can tell "someone changed it first" from
// "sold out".
package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
)

// MySQL error numbers that mean the transaction lost a race and may be
// retried by the caller.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// notFound maps sql.ErrNoRows to inventory.ErrEntityNotFound.
func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, inventory.ErrEntityNotFound)
	}
	return fmt.Errorf("could not load %s %v: %w", what, id, err)
}

// classifyDriverError reports lock timeouts and deadlocks as conflicts.
func classifyDriverError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == errDeadlock || me.Number == errLockWaitTimeout) {
		return fmt.Errorf("%w: %w", inventory.ErrConflict, err)
	}
	return err
}

// affected returns whether res changed at least one row.
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
