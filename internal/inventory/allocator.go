package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-inventory/internal/model"
)

// maxCandidateRounds bounds how often a best-available request refetches
// candidates after losing seats to concurrent requests.
const maxCandidateRounds = 8

// SeatAllocator turns seat-level requests into conditional seat holds.
// It keeps no state of its own; all it does is order the candidates and
// undo its own holds when a request cannot be completed.
type SeatAllocator struct{}

// seatRequest carries what every hold of one reservation shares.
type seatRequest struct {
	reservationID string
	until         time.Time
	allocationID  uint64
	at            time.Time
}

// HoldExplicit holds exactly the given seats.  Seats are attempted in the
// order given (the manager sorts them by id).  If any seat cannot be held
// the seats already held by this call are released and the error of the
// failing seat is returned.
func (a SeatAllocator) HoldExplicit(ctx context.Context, tx Tx, seatIDs []uint64, tokens map[uint64]string, req seatRequest) ([]model.Seat, error) {
	held := make([]model.Seat, 0, len(seatIDs))
	for _, id := range seatIDs {
		seat, err := tx.HoldSeat(ctx, SeatHold{
			SeatID:        id,
			ReservationID: req.reservationID,
			Until:         req.until,
			AllocationID:  req.allocationID,
			ExpectedToken: tokens[id],
			At:            req.at,
		})
		if err != nil {
			a.rollback(ctx, tx, held, req)
			return nil, fmt.Errorf("hold seat %d: %w", id, err)
		}
		held = append(held, seat)
	}
	return held, nil
}

// HoldBestAvailable holds n seats of a ticket type, optionally restricted
// to one section.  Candidates come back in a fixed order (restricted pool
// seats first when the request is entitled to one, then section priority,
// row and seat number) so identical requests under identical state pick
// identical seats.  Seats lost to concurrent holders are skipped.
func (a SeatAllocator) HoldBestAvailable(ctx context.Context, tx Tx, ticketTypeID uint64, section string, n uint32, req seatRequest) ([]model.Seat, error) {
	if n == 0 {
		return nil, nil
	}
	held := make([]model.Seat, 0, n)
	limit := int(n) * 2
	if limit < 16 {
		limit = 16
	}
	for round := 0; round < maxCandidateRounds && uint32(len(held)) < n; round++ {
		candidates, err := tx.SeatCandidates(ctx, ticketTypeID, section, req.allocationID, limit)
		if err != nil {
			a.rollback(ctx, tx, held, req)
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			if uint32(len(held)) == n {
				break
			}
			seat, err := tx.HoldSeat(ctx, SeatHold{
				SeatID:        c.ID,
				ReservationID: req.reservationID,
				Until:         req.until,
				AllocationID:  req.allocationID,
				At:            req.at,
			})
			if errors.Is(err, ErrInsufficientInventory) {
				continue
			}
			if err != nil {
				a.rollback(ctx, tx, held, req)
				return nil, fmt.Errorf("hold seat %d: %w", c.ID, err)
			}
			held = append(held, seat)
		}
	}
	if uint32(len(held)) < n {
		a.rollback(ctx, tx, held, req)
		return nil, fmt.Errorf("ticket type %d: %d seats requested, %d held: %w", ticketTypeID, n, len(held), ErrInsufficientInventory)
	}
	return held, nil
}

// rollback releases seats held earlier in the same request.  Errors are
// dropped: the caller aborts the transaction right after.
func (a SeatAllocator) rollback(ctx context.Context, tx Tx, held []model.Seat, req seatRequest) {
	for _, s := range held {
		_, _ = tx.ReleaseSeat(ctx, s.ID, req.reservationID, req.at)
	}
}
