// Package inventory is the reservation core: the lifecycle manager, the
// seat allocator and the storage contract every inventory mutation goes
// through.  Errors returned from this package are sentinel values (or
// wrap them) so callers can branch with errors.Is; nothing here retries
// on their behalf.
package inventory

import (
	"errors"

	"github.com/iliyamo/ticket-inventory/internal/etag"
)

var (
	// ErrConflict is the parent of every optimistic-concurrency failure.
	// The caller should refetch state and may retry.
	ErrConflict = errors.New("conflict")

	// ErrTokenMismatch signals that an expected concurrency token no
	// longer matches the current row.  errors.Is(err, ErrConflict) holds.
	ErrTokenMismatch = conflictError{msg: "concurrency token mismatch"}

	// ErrMalformedToken is returned when a supplied token cannot be
	// parsed.  It is reported as a conflict.
	ErrMalformedToken = etag.ErrMalformedToken

	// ErrInsufficientInventory means the request cannot be satisfied from
	// current stock.  Terminal for this request.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrLimitExceeded means a requested quantity violates the ticket
	// type's min/max purchase policy.
	ErrLimitExceeded = errors.New("purchase limit exceeded")

	// ErrEntityNotFound covers unknown (or retired) ticket types, seats,
	// allocations and reservations.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidState is a state-machine violation such as confirming a
	// cancelled reservation.
	ErrInvalidState = errors.New("invalid reservation state")

	// ErrReservationExpired means the reservation deadline has passed;
	// the caller must reserve again.
	ErrReservationExpired = errors.New("reservation expired")

	// ErrInvalidCommand is returned for commands that are structurally
	// unusable (no items, no holder, mixed currencies).
	ErrInvalidCommand = errors.New("invalid command")
)

type conflictError struct{ msg string }

func (e conflictError) Error() string        { return e.msg }
func (e conflictError) Is(target error) bool { return target == ErrConflict }

// IsRetryable reports whether err is worth retrying after refetching
// state: token mismatches, malformed tokens and expired reservations
// (which the caller re-reserves).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrReservationExpired)
}
