package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/ticket-inventory/internal/etag"
	"github.com/iliyamo/ticket-inventory/internal/log"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/model"
	"github.com/iliyamo/ticket-inventory/internal/queue"
)

const (
	defaultReservationTTL = 10 * time.Minute
	tracerName            = "github.com/iliyamo/ticket-inventory/internal/inventory"
)

// EventPublisher receives lifecycle events after the transaction that
// produced them has committed.  Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.ReservationEvent) error
}

// SnapshotCache is an optional read-through cache for inventory
// snapshots.  Invalidate receives the version each ticket type reached in
// the committed transaction; Set must drop a snapshot older than any
// version already seen, so a read that loaded the row before a commit
// cannot repopulate the cache after that commit's invalidation.
type SnapshotCache interface {
	Get(ctx context.Context, ticketTypeID uint64) (Snapshot, bool)
	Set(ctx context.Context, s Snapshot)
	Invalidate(ctx context.Context, committed map[uint64]uint64)
}

// Manager is the reservation lifecycle manager.  It owns the state
// machine and drives every inventory change through the atomic
// operations of Tx.
type Manager struct {
	store     Store
	allocator SeatAllocator
	publisher EventPublisher
	cache     SnapshotCache
	now       func() time.Time
	ttl       time.Duration
	tracer    trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the default reservation lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithSnapshotCache sets the snapshot cache.
func WithSnapshotCache(c SnapshotCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(tracerName) }
}

// NewManager builds a Manager on top of store.
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		panic("nil store passed to NewManager")
	}
	m := &Manager{
		store:  store,
		now:    time.Now,
		ttl:    defaultReservationTTL,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReserveItem is one requested line.  Either TicketTypeID (count or
// best-available seats) or SeatID (explicit seat) must be set.
type ReserveItem struct {
	TicketTypeID  uint64
	SeatID        uint64
	Quantity      uint32
	Section       string // best-available restriction for seated ticket types
	ExpectedToken string // token of the ticket type, or of the seat for seat lines
}

// ReserveCommand is the validated, authorized request handed to Reserve.
type ReserveCommand struct {
	EventID    uint64
	HolderID   string
	Items      []ReserveItem
	AccessCode string        // unlocks restricted allocations
	TTL        time.Duration // 0 uses the manager default
}

// ReserveResult is what a successful Reserve returns.
type ReserveResult struct {
	ReservationID    string
	ExpiresAt        time.Time
	TotalAmountCents uint64
	Currency         string
	Items            []model.ReservationItem
	Tokens           map[uint64]string // ticket type id -> new token
	SeatTokens       map[uint64]string // seat id -> new token
}

// Snapshot is the read model handed out by GetInventorySnapshot.
type Snapshot struct {
	TicketTypeID uint64    `json:"ticket_type_id"`
	Total        uint32    `json:"total"`
	Available    uint32    `json:"available"`
	Reserved     uint32    `json:"reserved"`
	Sold         uint32    `json:"sold"`
	Token        string    `json:"concurrency_token"`
	Version      uint64    `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConfirmResult is returned by Confirm.
type ConfirmResult struct {
	ReservationID string
	ConfirmedAt   time.Time
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	ReservationID string
	CancelledAt   time.Time
}

// ticketGroup collects everything one Reserve call asks of one ticket type.
type ticketGroup struct {
	tt            model.TicketType
	count         uint32 // general-admission units or best-available seats
	section       string
	seatIDs       []uint64
	seatTokens    map[uint64]string
	expectedToken string
}

func (g *ticketGroup) quantity() uint32 { return g.count + uint32(len(g.seatIDs)) }

// Reserve places a hold for every item of cmd in one transaction.  Either
// every line is held or nothing is.
func (m *Manager) Reserve(ctx context.Context, cmd ReserveCommand) (res ReserveResult, err error) {
	ctx, span := m.tracer.Start(ctx, "inventory.reserve", trace.WithAttributes(
		attribute.Int64("event.id", int64(cmd.EventID)),
		attribute.Int("items", len(cmd.Items)),
	))
	defer func() { m.finish(span, "reserve", err) }()

	if err := validateCommand(cmd); err != nil {
		return ReserveResult{}, err
	}
	now := m.now().UTC()
	m.expireLapsedHolds(ctx, cmd, now)
	ttl := m.ttl
	if cmd.TTL > 0 {
		ttl = cmd.TTL
	}
	reservation := model.Reservation{
		ID:        uuid.NewString(),
		EventID:   cmd.EventID,
		HolderID:  cmd.HolderID,
		Status:    model.ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	committed := versions{}
	result := ReserveResult{
		ReservationID: reservation.ID,
		ExpiresAt:     reservation.ExpiresAt,
		Tokens:        map[uint64]string{},
		SeatTokens:    map[uint64]string{},
	}

	err = m.store.InTx(ctx, func(tx Tx) error {
		groups, err := m.groupItems(ctx, tx, cmd)
		if err != nil {
			return err
		}
		currency := ""
		for _, g := range groups {
			if currency == "" {
				currency = g.tt.Currency
			} else if g.tt.Currency != currency {
				return fmt.Errorf("ticket types priced in %s and %s: %w", currency, g.tt.Currency, ErrInvalidCommand)
			}
			items, tt, seats, err := m.reserveGroup(ctx, tx, g, cmd.AccessCode, reservation, now)
			if err != nil {
				return err
			}
			for _, it := range items {
				reservation.TotalAmountCents += uint64(it.Quantity) * uint64(it.UnitPriceCents)
			}
			reservation.Items = append(reservation.Items, items...)
			result.Tokens[tt.ID] = tt.ETag
			committed.note(tt)
			for _, s := range seats {
				result.SeatTokens[s.ID] = s.ETag
			}
		}
		reservation.Currency = currency
		return tx.CreateReservation(ctx, &reservation)
	})
	if err != nil {
		return ReserveResult{}, err
	}

	result.TotalAmountCents = reservation.TotalAmountCents
	result.Currency = reservation.Currency
	result.Items = reservation.Items
	m.afterCommit(ctx, queue.EventReservationCreated, reservation, "", committed)
	log.FromContext(ctx).WithFields(logrus.Fields{
		"reservation_id": reservation.ID,
		"holder_id":      reservation.HolderID,
		"expires_at":     reservation.ExpiresAt,
	}).Debug("Reservation created")
	return result, nil
}

// expireLapsedHolds expires the reservations still holding requested
// seats past their deadline, so a seat is reservable as soon as its hold
// lapses rather than after the next sweep.  Failures are left for Reserve
// to report as a conflict.
func (m *Manager) expireLapsedHolds(ctx context.Context, cmd ReserveCommand, now time.Time) {
	if !lo.SomeBy(cmd.Items, func(it ReserveItem) bool { return it.SeatID != 0 }) {
		return
	}
	var lapsed []string
	err := m.store.InTx(ctx, func(tx Tx) error {
		for _, it := range cmd.Items {
			if it.SeatID == 0 {
				continue
			}
			seat, err := tx.Seat(ctx, it.SeatID)
			if err != nil {
				continue
			}
			if seat.Status == model.SeatHeld && seat.CurrentReservationID != nil &&
				seat.ReservedUntil != nil && !seat.ReservedUntil.After(now) {
				lapsed = append(lapsed, *seat.CurrentReservationID)
			}
		}
		return nil
	})
	if err != nil {
		return
	}
	for _, id := range lo.Uniq(lapsed) {
		if err := m.Expire(ctx, id); err != nil {
			log.FromContext(ctx).WithError(err).WithField("reservation_id", id).Debug("Lapsed seat hold not expired")
		}
	}
}

func validateCommand(cmd ReserveCommand) error {
	if cmd.HolderID == "" {
		return fmt.Errorf("holder id is required: %w", ErrInvalidCommand)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("no items requested: %w", ErrInvalidCommand)
	}
	for i, it := range cmd.Items {
		if it.TicketTypeID == 0 && it.SeatID == 0 {
			return fmt.Errorf("item %d names neither a ticket type nor a seat: %w", i, ErrInvalidCommand)
		}
		if it.SeatID == 0 && it.Quantity == 0 {
			return fmt.Errorf("item %d: quantity must be positive: %w", i, ErrLimitExceeded)
		}
		if it.SeatID != 0 && it.Quantity > 1 {
			return fmt.Errorf("item %d: a seat line holds exactly one unit: %w", i, ErrLimitExceeded)
		}
	}
	return nil
}

// groupItems resolves every line to its ticket type and checks the
// static purchase policy.  Groups come back ordered by ticket type id so
// concurrent requests lock rows in the same order.
func (m *Manager) groupItems(ctx context.Context, tx Tx, cmd ReserveCommand) ([]*ticketGroup, error) {
	groups := map[uint64]*ticketGroup{}
	group := func(id uint64) (*ticketGroup, error) {
		if g, ok := groups[id]; ok {
			return g, nil
		}
		tt, err := tx.TicketType(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ticket type %d: %w", id, err)
		}
		if tt.EventID != cmd.EventID || tt.Status != model.TicketTypeActive {
			return nil, fmt.Errorf("ticket type %d for event %d: %w", id, cmd.EventID, ErrEntityNotFound)
		}
		g := &ticketGroup{tt: tt, seatTokens: map[uint64]string{}}
		groups[id] = g
		return g, nil
	}

	for _, it := range cmd.Items {
		if it.SeatID != 0 {
			seat, err := tx.Seat(ctx, it.SeatID)
			if err != nil {
				return nil, fmt.Errorf("seat %d: %w", it.SeatID, err)
			}
			if seat.TicketTypeID == nil || (it.TicketTypeID != 0 && *seat.TicketTypeID != it.TicketTypeID) {
				return nil, fmt.Errorf("seat %d is not sold under the requested ticket type: %w", it.SeatID, ErrEntityNotFound)
			}
			g, err := group(*seat.TicketTypeID)
			if err != nil {
				return nil, err
			}
			if lo.Contains(g.seatIDs, it.SeatID) {
				return nil, fmt.Errorf("seat %d requested twice: %w", it.SeatID, ErrInvalidCommand)
			}
			g.seatIDs = append(g.seatIDs, it.SeatID)
			if it.ExpectedToken != "" {
				g.seatTokens[it.SeatID] = it.ExpectedToken
			}
			continue
		}
		g, err := group(it.TicketTypeID)
		if err != nil {
			return nil, err
		}
		// Summed wide so repeated lines cannot wrap past the per-order cap.
		sum := uint64(g.count) + uint64(it.Quantity) + uint64(len(g.seatIDs))
		if sum > math.MaxUint32 {
			return nil, fmt.Errorf("ticket type %d: quantity overflows: %w", it.TicketTypeID, ErrLimitExceeded)
		}
		g.count += it.Quantity
		if it.Section != "" {
			g.section = it.Section
		}
		if it.ExpectedToken != "" {
			g.expectedToken = it.ExpectedToken
		}
	}

	out := lo.Values(groups)
	sort.Slice(out, func(i, j int) bool { return out[i].tt.ID < out[j].tt.ID })
	for _, g := range out {
		sort.Slice(g.seatIDs, func(i, j int) bool { return g.seatIDs[i] < g.seatIDs[j] })
		q := g.quantity()
		if q < g.tt.MinPerOrder || (g.tt.MaxPerOrder > 0 && q > g.tt.MaxPerOrder) {
			return nil, fmt.Errorf("ticket type %d: quantity %d outside [%d, %d]: %w",
				g.tt.ID, q, g.tt.MinPerOrder, g.tt.MaxPerOrder, ErrLimitExceeded)
		}
		if !g.tt.Seated() && len(g.seatIDs) > 0 {
			return nil, fmt.Errorf("ticket type %d is general admission: %w", g.tt.ID, ErrInvalidCommand)
		}
		if err := checkToken(g.expectedToken, etag.KindTicketType, g.tt.ID); err != nil {
			return nil, err
		}
		for id, tok := range g.seatTokens {
			if err := checkToken(tok, etag.KindSeat, id); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// checkToken rejects tokens that do not parse or that were issued for a
// different entity.  Freshness is checked by the conditional write.
func checkToken(raw string, kind etag.Kind, id uint64) error {
	if raw == "" {
		return nil
	}
	tok, err := etag.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if tok.Kind != kind || tok.ID != id {
		return fmt.Errorf("token issued for %s %d, not %s %d: %w", tok.Kind, tok.ID, kind, id, ErrTokenMismatch)
	}
	return nil
}

// reserveGroup holds the units of one ticket type.  Restricted pools the
// request is entitled to are drawn before public inventory.
func (m *Manager) reserveGroup(ctx context.Context, tx Tx, g *ticketGroup, accessCode string, r model.Reservation, now time.Time) ([]model.ReservationItem, model.TicketType, []model.Seat, error) {
	var alloc *model.Allocation
	if accessCode != "" {
		a, err := tx.FindAllocation(ctx, g.tt.ID, accessCode, now)
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return nil, model.TicketType{}, nil, err
		}
		alloc = a
	}
	allocID := uint64(0)
	if alloc != nil {
		allocID = alloc.ID
	}

	var (
		items     []model.ReservationItem
		seats     []model.Seat
		public    uint32
		protected uint32
	)
	ttID := g.tt.ID
	price := g.tt.PriceCents

	if g.tt.Seated() {
		req := seatRequest{reservationID: r.ID, until: r.ExpiresAt, allocationID: allocID, at: now}
		explicit, err := m.allocator.HoldExplicit(ctx, tx, g.seatIDs, g.seatTokens, req)
		if err != nil {
			return nil, model.TicketType{}, nil, err
		}
		best, err := m.allocator.HoldBestAvailable(ctx, tx, ttID, g.section, g.count, req)
		if err != nil {
			return nil, model.TicketType{}, nil, err
		}
		seats = append(explicit, best...)
		for _, s := range seats {
			seatID := s.ID
			item := model.ReservationItem{ReservationID: r.ID, TicketTypeID: ttID, SeatID: &seatID, Quantity: 1, UnitPriceCents: price}
			if s.AllocationID != nil {
				a := *s.AllocationID
				item.AllocationID = &a
				protected++
			} else {
				public++
			}
			items = append(items, item)
		}
		if protected > 0 {
			if err := tx.DrawAllocation(ctx, AllocationDraw{AllocationID: allocID, Quantity: protected, At: now}); err != nil {
				return nil, model.TicketType{}, nil, fmt.Errorf("allocation %d: %w", allocID, err)
			}
		}
	} else {
		public = g.count
		if alloc != nil {
			err := tx.DrawAllocation(ctx, AllocationDraw{AllocationID: alloc.ID, Quantity: g.count, At: now})
			switch {
			case err == nil:
				protected, public = g.count, 0
				a := alloc.ID
				items = append(items, model.ReservationItem{ReservationID: r.ID, TicketTypeID: ttID, AllocationID: &a, Quantity: g.count, UnitPriceCents: price})
			case errors.Is(err, ErrInsufficientInventory):
				// pool exhausted: fall back to public inventory
			default:
				return nil, model.TicketType{}, nil, fmt.Errorf("allocation %d: %w", alloc.ID, err)
			}
		}
		if public > 0 {
			items = append(items, model.ReservationItem{ReservationID: r.ID, TicketTypeID: ttID, Quantity: public, UnitPriceCents: price})
		}
	}

	tt := g.tt
	expected := g.expectedToken
	var err error
	if protected > 0 {
		tt, err = tx.ClaimUnits(ctx, UnitChange{TicketTypeID: ttID, Quantity: protected, ExpectedToken: expected, At: now})
		if err != nil {
			return nil, model.TicketType{}, nil, fmt.Errorf("ticket type %d: %w", ttID, err)
		}
		expected = ""
		metrics.UnitsReserved.WithLabelValues("allocation").Add(float64(protected))
	}
	if public > 0 {
		tt, err = tx.ReserveUnits(ctx, UnitChange{TicketTypeID: ttID, Quantity: public, ExpectedToken: expected, At: now})
		if err != nil {
			return nil, model.TicketType{}, nil, fmt.Errorf("ticket type %d: %w", ttID, err)
		}
		metrics.UnitsReserved.WithLabelValues("public").Add(float64(public))
	}
	return items, tt, seats, nil
}

// Confirm turns an ACTIVE, unexpired reservation into a sale.  Held seats
// become SOLD and held units become sold units.
func (m *Manager) Confirm(ctx context.Context, reservationID string) (res ConfirmResult, err error) {
	ctx, span := m.tracer.Start(ctx, "inventory.confirm", trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer func() { m.finish(span, "confirm", err) }()

	now := m.now().UTC()
	var (
		r         model.Reservation
		committed versions
	)
	err = m.store.InTx(ctx, func(tx Tx) error {
		committed = versions{}
		if err := tx.TransitionReservation(ctx, Transition{
			ReservationID: reservationID,
			To:            model.ReservationConfirmed,
			At:            now,
			Guard:         GuardLive,
		}); err != nil {
			return err
		}
		loaded, err := tx.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		r = loaded
		for _, it := range r.Items {
			if it.SeatID != nil {
				if _, err := tx.SellSeat(ctx, *it.SeatID, r.ID, now); err != nil {
					return fmt.Errorf("sell seat %d: %w", *it.SeatID, err)
				}
			}
			if it.AllocationID != nil {
				if err := tx.ConsumeAllocation(ctx, AllocationDraw{AllocationID: *it.AllocationID, Quantity: it.Quantity, At: now}); err != nil {
					return fmt.Errorf("allocation %d: %w", *it.AllocationID, err)
				}
			}
			tt, err := tx.SellUnits(ctx, UnitChange{TicketTypeID: it.TicketTypeID, Quantity: it.Quantity, At: now})
			if err != nil {
				return fmt.Errorf("ticket type %d: %w", it.TicketTypeID, err)
			}
			committed.note(tt)
		}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	m.afterCommit(ctx, queue.EventReservationConfirmed, r, "", committed)
	return ConfirmResult{ReservationID: reservationID, ConfirmedAt: now}, nil
}

// Cancel ends an ACTIVE reservation at the holder's request and returns
// its inventory.
func (m *Manager) Cancel(ctx context.Context, reservationID, reason string) (CancelResult, error) {
	at, err := m.terminate(ctx, reservationID, model.ReservationCancelled, GuardNone, reason)
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{ReservationID: reservationID, CancelledAt: at}, nil
}

// Release ends an ACTIVE reservation on the system's initiative.  The
// mechanics are those of Cancel; only the terminal state differs.
func (m *Manager) Release(ctx context.Context, reservationID, reason string) error {
	_, err := m.terminate(ctx, reservationID, model.ReservationReleased, GuardNone, reason)
	return err
}

// Expire ends an ACTIVE reservation whose deadline has passed.  When the
// reservation was confirmed, cancelled or expired by someone else first,
// ErrInvalidState is returned and nothing changes.
func (m *Manager) Expire(ctx context.Context, reservationID string) error {
	_, err := m.terminate(ctx, reservationID, model.ReservationExpired, GuardLapsed, "expired")
	return err
}

func (m *Manager) terminate(ctx context.Context, reservationID string, to model.ReservationStatus, guard Guard, reason string) (at time.Time, err error) {
	op := strings.ToLower(string(to))
	ctx, span := m.tracer.Start(ctx, "inventory.terminate", trace.WithAttributes(
		attribute.String("reservation.id", reservationID),
		attribute.String("reservation.to", op),
	))
	defer func() { m.finish(span, op, err) }()

	now := m.now().UTC()
	var (
		r         model.Reservation
		committed versions
	)
	err = m.store.InTx(ctx, func(tx Tx) error {
		committed = versions{}
		if err := tx.TransitionReservation(ctx, Transition{
			ReservationID: reservationID,
			To:            to,
			At:            now,
			Guard:         guard,
			Reason:        reason,
		}); err != nil {
			return err
		}
		loaded, err := tx.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		r = loaded
		return m.returnInventory(ctx, tx, r, now, committed)
	})
	if err != nil {
		return time.Time{}, err
	}
	m.afterCommit(ctx, eventName(to), r, reason, committed)
	return now, nil
}

// returnInventory is the release path: it gives back everything r held.
// It runs only after r has left ACTIVE in the same transaction, so it
// runs at most once per reservation.
func (m *Manager) returnInventory(ctx context.Context, tx Tx, r model.Reservation, now time.Time, committed versions) error {
	for _, it := range r.Items {
		if it.SeatID != nil {
			if _, err := tx.ReleaseSeat(ctx, *it.SeatID, r.ID, now); err != nil {
				return fmt.Errorf("release seat %d: %w", *it.SeatID, err)
			}
		}
		change := UnitChange{TicketTypeID: it.TicketTypeID, Quantity: it.Quantity, At: now}
		if it.AllocationID != nil {
			if err := tx.ReturnAllocation(ctx, AllocationDraw{AllocationID: *it.AllocationID, Quantity: it.Quantity, At: now}); err != nil {
				return fmt.Errorf("allocation %d: %w", *it.AllocationID, err)
			}
			tt, err := tx.UnclaimUnits(ctx, change)
			if err != nil {
				return fmt.Errorf("ticket type %d: %w", it.TicketTypeID, err)
			}
			committed.note(tt)
			continue
		}
		tt, err := tx.ReturnUnits(ctx, change)
		if err != nil {
			return fmt.Errorf("ticket type %d: %w", it.TicketTypeID, err)
		}
		committed.note(tt)
	}
	return nil
}

// GetInventorySnapshot returns current counters and the token a caller
// presents on its next conditional reserve.
func (m *Manager) GetInventorySnapshot(ctx context.Context, ticketTypeID uint64) (Snapshot, error) {
	if m.cache != nil {
		if s, ok := m.cache.Get(ctx, ticketTypeID); ok {
			return s, nil
		}
	}
	tt, err := m.store.TicketType(ctx, ticketTypeID)
	if err != nil {
		return Snapshot{}, err
	}
	if tt.Status != model.TicketTypeActive {
		return Snapshot{}, fmt.Errorf("ticket type %d is retired: %w", ticketTypeID, ErrEntityNotFound)
	}
	s := Snapshot{
		TicketTypeID: tt.ID,
		Total:        tt.TotalCapacity,
		Available:    tt.AvailableCapacity,
		Reserved:     tt.ReservedCount,
		Sold:         tt.SoldCount,
		Token:        tt.ETag,
		Version:      tt.Version,
		UpdatedAt:    tt.ETagUpdatedAt,
	}
	if m.cache != nil {
		m.cache.Set(ctx, s)
	}
	return s, nil
}

// GetReservation returns a reservation with its items.
func (m *Manager) GetReservation(ctx context.Context, reservationID string) (model.Reservation, error) {
	return m.store.Reservation(ctx, reservationID)
}

// ListReservations returns the newest reservations of a holder.
func (m *Manager) ListReservations(ctx context.Context, holderID string, limit int) ([]model.Reservation, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return m.store.ReservationsByHolder(ctx, holderID, limit)
}

// afterCommit invalidates cached snapshots and publishes the lifecycle
// event.  Failures are logged and dropped.
func (m *Manager) afterCommit(ctx context.Context, name string, r model.Reservation, reason string, committed versions) {
	if m.cache != nil && len(committed) > 0 {
		m.cache.Invalidate(ctx, committed)
	}
	if m.publisher == nil {
		return
	}
	ev := toEvent(name, r, reason, m.now().UTC())
	ev.CorrelationID = log.CorrelationIDFromContext(ctx)
	if err := m.publisher.Publish(ctx, ev); err != nil {
		log.FromContext(ctx).WithError(err).WithFields(logrus.Fields{
			"reservation_id": r.ID,
			"event":          name,
		}).Warn("Failed to publish reservation event")
	}
}

func (m *Manager) finish(span trace.Span, op string, err error) {
	outcome := outcomeOf(err)
	metrics.ReservationOps.WithLabelValues(op, outcome).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrMalformedToken):
		return "conflict"
	case errors.Is(err, ErrInsufficientInventory):
		return "insufficient"
	case errors.Is(err, ErrLimitExceeded):
		return "limit"
	case errors.Is(err, ErrEntityNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrReservationExpired):
		return "expired"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	default:
		return "error"
	}
}

func eventName(s model.ReservationStatus) string {
	switch s {
	case model.ReservationConfirmed:
		return queue.EventReservationConfirmed
	case model.ReservationCancelled:
		return queue.EventReservationCancelled
	case model.ReservationExpired:
		return queue.EventReservationExpired
	case model.ReservationReleased:
		return queue.EventReservationReleased
	}
	return queue.EventReservationCreated
}

// versions records the highest version each ticket type reached inside
// one transaction.
type versions map[uint64]uint64

func (v versions) note(tt model.TicketType) {
	if tt.Version > v[tt.ID] {
		v[tt.ID] = tt.Version
	}
}

func toEvent(name string, r model.Reservation, reason string, at time.Time) queue.ReservationEvent {
	return queue.ReservationEvent{
		Name:             name,
		ReservationID:    r.ID,
		EventID:          r.EventID,
		HolderID:         r.HolderID,
		Status:           string(r.Status),
		TotalAmountCents: r.TotalAmountCents,
		Currency:         r.Currency,
		Reason:           reason,
		ExpiresAt:        r.ExpiresAt.UTC().Format(time.RFC3339),
		OccurredAt:       at.Format(time.RFC3339Nano),
		Items: lo.Map(r.Items, func(it model.ReservationItem, _ int) queue.ReservationLine {
			return queue.ReservationLine{
				TicketTypeID:   it.TicketTypeID,
				SeatID:         it.SeatID,
				AllocationID:   it.AllocationID,
				Quantity:       it.Quantity,
				UnitPriceCents: it.UnitPriceCents,
			}
		}),
	}
}
