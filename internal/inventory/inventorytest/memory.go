// Package inventorytest provides an in-memory inventory.Store with the
// same conditional-write semantics as the MySQL store.  Transactions are
// serialized by one mutex and work on a copy of the state that is swapped
// in on commit.
package inventorytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/ticket-inventory/internal/etag"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

type state struct {
	ticketTypes  map[uint64]model.TicketType
	seats        map[uint64]model.Seat
	allocations  map[uint64]model.Allocation
	reservations map[string]model.Reservation
	nextItemID   uint64
}

func (s *state) clone() *state {
	c := &state{
		ticketTypes:  make(map[uint64]model.TicketType, len(s.ticketTypes)),
		seats:        make(map[uint64]model.Seat, len(s.seats)),
		allocations:  make(map[uint64]model.Allocation, len(s.allocations)),
		reservations: make(map[string]model.Reservation, len(s.reservations)),
		nextItemID:   s.nextItemID,
	}
	for k, v := range s.ticketTypes {
		c.ticketTypes[k] = v
	}
	for k, v := range s.seats {
		c.seats[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.reservations {
		v.Items = append([]model.ReservationItem(nil), v.Items...)
		c.reservations[k] = v
	}
	return c
}

// Store is an in-memory inventory.Store.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time

	// FailCommit, when set, makes the next InTx roll back with this error
	// after fn succeeded.
	FailCommit error
}

var _ inventory.Store = (*Store)(nil)

// NewStore returns an empty store.  now stamps seeded rows.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now: now,
		st: &state{
			ticketTypes:  map[uint64]model.TicketType{},
			seats:        map[uint64]model.Seat{},
			allocations:  map[uint64]model.Allocation{},
			reservations: map[string]model.Reservation{},
		},
	}
}

// AddTicketType seeds a ticket type.  Available capacity defaults to the
// total when left zero and nothing is reserved or sold.
func (s *Store) AddTicketType(tt model.TicketType) model.TicketType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tt.AvailableCapacity == 0 && tt.ReservedCount == 0 && tt.SoldCount == 0 {
		tt.AvailableCapacity = tt.TotalCapacity
	}
	if tt.Status == "" {
		tt.Status = model.TicketTypeActive
	}
	if tt.Kind == "" {
		tt.Kind = model.KindGeneralAdmission
	}
	if tt.Currency == "" {
		tt.Currency = "USD"
	}
	tt.Version = 1
	tt.CreatedAt = s.now().UTC()
	tt.ETagUpdatedAt = tt.CreatedAt
	tt.ETag = etag.ForTicketType(tt).String()
	s.st.ticketTypes[tt.ID] = tt
	return tt
}

// AddSeat seeds an AVAILABLE seat unless the status is given.
func (s *Store) AddSeat(seat model.Seat) model.Seat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seat.Status == "" {
		seat.Status = model.SeatAvailable
	}
	seat.Version = 1
	seat.ETagUpdatedAt = s.now().UTC()
	seat.ETag = etag.ForSeat(seat).String()
	s.st.seats[seat.ID] = seat
	return seat
}

// AddAllocation carves a restricted pool out of the ticket type's public
// inventory.  code is stored hashed.
func (s *Store) AddAllocation(a model.Allocation, code string) (model.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.st.ticketTypes[a.TicketTypeID]
	if !ok {
		return model.Allocation{}, inventory.ErrEntityNotFound
	}
	if tt.AvailableCapacity < a.TotalQuantity {
		return model.Allocation{}, inventory.ErrInsufficientInventory
	}
	tt.AvailableCapacity -= a.TotalQuantity
	bumpTicketType(&tt, s.now().UTC())
	s.st.ticketTypes[tt.ID] = tt
	a.AccessCodeHash = inventory.HashAccessCode(code)
	s.st.allocations[a.ID] = a
	return a, nil
}

// Allocation returns a copy of an allocation row.
func (s *Store) Allocation(id uint64) (model.Allocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.allocations[id]
	return a, ok
}

// SeatRow returns a copy of a seat row.
func (s *Store) SeatRow(id uint64) (model.Seat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat, ok := s.st.seats[id]
	return seat, ok
}

// Unallocated sums the undrawn units of every pool of a ticket type.
func (s *Store) Unallocated(ticketTypeID uint64) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint32
	for _, a := range s.st.allocations {
		if a.TicketTypeID == ticketTypeID {
			n += a.Remaining()
		}
	}
	return n
}

// InTx runs fn against a copy of the state and swaps it in when fn
// returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx inventory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if s.FailCommit != nil {
		err := s.FailCommit
		s.FailCommit = nil
		return err
	}
	s.st = work
	return nil
}

func (s *Store) TicketType(ctx context.Context, id uint64) (model.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.st}).TicketType(ctx, id)
}

func (s *Store) Reservation(ctx context.Context, id string) (model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.st}).Reservation(ctx, id)
}

func (s *Store) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.Reservation
	for _, r := range s.st.reservations {
		if r.Status == model.ReservationActive && !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *Store) ReservationsByHolder(_ context.Context, holderID string, limit int) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reservation
	for _, r := range s.st.reservations {
		if r.HolderID == holderID {
			r.Items = nil
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

type memTx struct {
	st *state
}

func bumpTicketType(tt *model.TicketType, at time.Time) {
	tt.Version++
	tt.ETagUpdatedAt = at.UTC()
	tt.ETag = etag.ForTicketType(*tt).String()
}

func bumpSeat(seat *model.Seat, at time.Time) {
	seat.Version++
	seat.ETagUpdatedAt = at.UTC()
	seat.ETag = etag.ForSeat(*seat).String()
}

func tokenMatches(expected, current string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	canon, err := inventory.CanonicalToken(expected)
	if err != nil {
		return false, err
	}
	return canon == current, nil
}

func (t *memTx) TicketType(_ context.Context, id uint64) (model.TicketType, error) {
	tt, ok := t.st.ticketTypes[id]
	if !ok {
		return model.TicketType{}, fmt.Errorf("ticket type %d: %w", id, inventory.ErrEntityNotFound)
	}
	return tt, nil
}

func (t *memTx) Seat(_ context.Context, id uint64) (model.Seat, error) {
	seat, ok := t.st.seats[id]
	if !ok {
		return model.Seat{}, fmt.Errorf("seat %d: %w", id, inventory.ErrEntityNotFound)
	}
	return seat, nil
}

func (t *memTx) Reservation(_ context.Context, id string) (model.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return model.Reservation{}, fmt.Errorf("reservation %s: %w", id, inventory.ErrEntityNotFound)
	}
	r.Items = append([]model.ReservationItem(nil), r.Items...)
	return r, nil
}

func (t *memTx) FindAllocation(_ context.Context, ticketTypeID uint64, accessCode string, at time.Time) (*model.Allocation, error) {
	hash := inventory.HashAccessCode(accessCode)
	var found *model.Allocation
	for _, a := range t.st.allocations {
		if a.TicketTypeID != ticketTypeID || a.AccessCodeHash != hash || !a.OpenAt(at) {
			continue
		}
		if found == nil || a.ID < found.ID {
			a := a
			found = &a
		}
	}
	if found == nil {
		return nil, inventory.ErrEntityNotFound
	}
	return found, nil
}

func (t *memTx) SeatCandidates(_ context.Context, ticketTypeID uint64, section string, allocationID uint64, limit int) ([]model.Seat, error) {
	var out []model.Seat
	for _, seat := range t.st.seats {
		if seat.Status != model.SeatAvailable || seat.TicketTypeID == nil || *seat.TicketTypeID != ticketTypeID {
			continue
		}
		if section != "" && seat.Section != section {
			continue
		}
		if seat.AllocationID != nil && *seat.AllocationID != allocationID {
			continue
		}
		out = append(out, seat)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.AllocationID == nil) != (b.AllocationID == nil) {
			return a.AllocationID != nil
		}
		if a.SectionPriority != b.SectionPriority {
			return a.SectionPriority < b.SectionPriority
		}
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		if a.RowLabel != b.RowLabel {
			return a.RowLabel < b.RowLabel
		}
		if a.SeatNumber != b.SeatNumber {
			return a.SeatNumber < b.SeatNumber
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ledger applies one conditional counter change.  ok decides whether the
// row qualifies; a failed token check wins over a failed quantity check.
func (t *memTx) ledger(c inventory.UnitChange, requireActive bool, ok func(model.TicketType) bool, apply func(*model.TicketType), short error) (model.TicketType, error) {
	tt, found := t.st.ticketTypes[c.TicketTypeID]
	if !found || (requireActive && tt.Status != model.TicketTypeActive) {
		return model.TicketType{}, fmt.Errorf("ticket type %d: %w", c.TicketTypeID, inventory.ErrEntityNotFound)
	}
	match, err := tokenMatches(c.ExpectedToken, tt.ETag)
	if err != nil {
		return model.TicketType{}, err
	}
	if !match {
		return model.TicketType{}, inventory.ErrTokenMismatch
	}
	if c.Quantity == 0 || !ok(tt) {
		return model.TicketType{}, short
	}
	apply(&tt)
	bumpTicketType(&tt, c.At)
	t.st.ticketTypes[tt.ID] = tt
	return tt, nil
}

func (t *memTx) ReserveUnits(_ context.Context, c inventory.UnitChange) (model.TicketType, error) {
	q := c.Quantity
	return t.ledger(c, true,
		func(tt model.TicketType) bool { return tt.AvailableCapacity >= q },
		func(tt *model.TicketType) { tt.AvailableCapacity -= q; tt.ReservedCount += q },
		inventory.ErrInsufficientInventory)
}

func (t *memTx) ClaimUnits(_ context.Context, c inventory.UnitChange) (model.TicketType, error) {
	q := c.Quantity
	return t.ledger(c, true,
		func(tt model.TicketType) bool { return tt.AvailableCapacity+tt.ReservedCount+tt.SoldCount+q <= tt.TotalCapacity },
		func(tt *model.TicketType) { tt.ReservedCount += q },
		inventory.ErrInsufficientInventory)
}

func (t *memTx) ReturnUnits(_ context.Context, c inventory.UnitChange) (model.TicketType, error) {
	q := c.Quantity
	return t.ledger(c, false,
		func(tt model.TicketType) bool { return tt.ReservedCount >= q },
		func(tt *model.TicketType) { tt.AvailableCapacity += q; tt.ReservedCount -= q },
		inventory.ErrInvalidState)
}

func (t *memTx) UnclaimUnits(_ context.Context, c inventory.UnitChange) (model.TicketType, error) {
	q := c.Quantity
	return t.ledger(c, false,
		func(tt model.TicketType) bool { return tt.ReservedCount >= q },
		func(tt *model.TicketType) { tt.ReservedCount -= q },
		inventory.ErrInvalidState)
}

func (t *memTx) SellUnits(_ context.Context, c inventory.UnitChange) (model.TicketType, error) {
	q := c.Quantity
	return t.ledger(c, false,
		func(tt model.TicketType) bool { return tt.ReservedCount >= q },
		func(tt *model.TicketType) { tt.ReservedCount -= q; tt.SoldCount += q },
		inventory.ErrInvalidState)
}

func (t *memTx) allocation(d inventory.AllocationDraw, ok func(model.Allocation) bool, apply func(*model.Allocation), short error) error {
	a, found := t.st.allocations[d.AllocationID]
	if !found {
		return fmt.Errorf("allocation %d: %w", d.AllocationID, inventory.ErrEntityNotFound)
	}
	if d.Quantity == 0 || !ok(a) {
		return short
	}
	apply(&a)
	t.st.allocations[a.ID] = a
	return nil
}

func (t *memTx) DrawAllocation(_ context.Context, d inventory.AllocationDraw) error {
	q := d.Quantity
	return t.allocation(d,
		func(a model.Allocation) bool { return a.OpenAt(d.At) && a.AllocatedQuantity+q <= a.TotalQuantity },
		func(a *model.Allocation) { a.AllocatedQuantity += q },
		inventory.ErrInsufficientInventory)
}

func (t *memTx) ReturnAllocation(_ context.Context, d inventory.AllocationDraw) error {
	q := d.Quantity
	return t.allocation(d,
		func(a model.Allocation) bool { return a.AllocatedQuantity >= a.UsedQuantity+q },
		func(a *model.Allocation) { a.AllocatedQuantity -= q },
		inventory.ErrInvalidState)
}

func (t *memTx) ConsumeAllocation(_ context.Context, d inventory.AllocationDraw) error {
	q := d.Quantity
	return t.allocation(d,
		func(a model.Allocation) bool { return a.UsedQuantity+q <= a.AllocatedQuantity },
		func(a *model.Allocation) { a.UsedQuantity += q },
		inventory.ErrInvalidState)
}

func (t *memTx) HoldSeat(_ context.Context, h inventory.SeatHold) (model.Seat, error) {
	seat, found := t.st.seats[h.SeatID]
	if !found {
		return model.Seat{}, fmt.Errorf("seat %d: %w", h.SeatID, inventory.ErrEntityNotFound)
	}
	match, err := tokenMatches(h.ExpectedToken, seat.ETag)
	if err != nil {
		return model.Seat{}, err
	}
	if !match {
		return model.Seat{}, inventory.ErrTokenMismatch
	}
	if seat.Status != model.SeatAvailable || (seat.AllocationID != nil && *seat.AllocationID != h.AllocationID) {
		return model.Seat{}, inventory.ErrInsufficientInventory
	}
	resID := h.ReservationID
	until := h.Until.UTC()
	seat.Status = model.SeatHeld
	seat.CurrentReservationID = &resID
	seat.ReservedUntil = &until
	bumpSeat(&seat, h.At)
	t.st.seats[seat.ID] = seat
	return seat, nil
}

func (t *memTx) seatFrom(seatID uint64, reservationID string, to model.SeatStatus, at time.Time) (model.Seat, error) {
	seat, found := t.st.seats[seatID]
	if !found {
		return model.Seat{}, fmt.Errorf("seat %d: %w", seatID, inventory.ErrEntityNotFound)
	}
	if seat.Status != model.SeatHeld || seat.CurrentReservationID == nil || *seat.CurrentReservationID != reservationID {
		return model.Seat{}, fmt.Errorf("seat %d not held by %s: %w", seatID, reservationID, inventory.ErrInvalidState)
	}
	seat.Status = to
	seat.CurrentReservationID = nil
	seat.ReservedUntil = nil
	bumpSeat(&seat, at)
	t.st.seats[seat.ID] = seat
	return seat, nil
}

func (t *memTx) ReleaseSeat(_ context.Context, seatID uint64, reservationID string, at time.Time) (model.Seat, error) {
	return t.seatFrom(seatID, reservationID, model.SeatAvailable, at)
}

func (t *memTx) SellSeat(_ context.Context, seatID uint64, reservationID string, at time.Time) (model.Seat, error) {
	return t.seatFrom(seatID, reservationID, model.SeatSold, at)
}

func (t *memTx) CreateReservation(_ context.Context, r *model.Reservation) error {
	if _, dup := t.st.reservations[r.ID]; dup {
		return fmt.Errorf("reservation %s exists: %w", r.ID, inventory.ErrConflict)
	}
	for i := range r.Items {
		t.st.nextItemID++
		r.Items[i].ID = t.st.nextItemID
		r.Items[i].ReservationID = r.ID
	}
	stored := *r
	stored.Items = append([]model.ReservationItem(nil), r.Items...)
	t.st.reservations[r.ID] = stored
	return nil
}

func (t *memTx) TransitionReservation(_ context.Context, tr inventory.Transition) error {
	r, found := t.st.reservations[tr.ReservationID]
	if !found {
		return fmt.Errorf("reservation %s: %w", tr.ReservationID, inventory.ErrEntityNotFound)
	}
	if r.Status != model.ReservationActive {
		return fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, inventory.ErrInvalidState)
	}
	switch tr.Guard {
	case inventory.GuardLive:
		if r.ExpiredAt(tr.At) {
			return fmt.Errorf("reservation %s: %w", r.ID, inventory.ErrReservationExpired)
		}
	case inventory.GuardLapsed:
		if !r.ExpiredAt(tr.At) {
			return fmt.Errorf("reservation %s has not expired: %w", r.ID, inventory.ErrInvalidState)
		}
	}
	at := tr.At.UTC()
	r.Status = tr.To
	switch tr.To {
	case model.ReservationConfirmed:
		r.ConfirmedAt = &at
	case model.ReservationCancelled:
		r.CancelledAt = &at
	default:
		r.ReleasedAt = &at
	}
	if tr.Reason != "" && tr.To != model.ReservationConfirmed {
		reason := tr.Reason
		r.CancelReason = &reason
	}
	t.st.reservations[r.ID] = r
	return nil
}
