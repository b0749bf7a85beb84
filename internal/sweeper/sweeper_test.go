package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/inventory/inventorytest"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*clock, *inventorytest.Store, *inventory.Manager) {
	t.Helper()
	c := &clock{t: time.Date(2026, 7, 4, 19, 0, 0, 0, time.UTC)}
	store := inventorytest.NewStore(c.Now)
	tt := store.AddTicketType(model.TicketType{
		ID: 1, EventID: 77, Name: "Orchestra", Kind: model.KindSeated,
		TotalCapacity: 2, PriceCents: 5000, Currency: "EUR",
	})
	for i := uint64(1); i <= 2; i++ {
		store.AddSeat(model.Seat{
			ID: i, VenueID: 1, TicketTypeID: &tt.ID, Section: "ORCH", RowLabel: "B", SeatNumber: uint32(i),
		})
	}
	store.AddTicketType(model.TicketType{
		ID: 2, EventID: 77, Name: "Standing", TotalCapacity: 50, PriceCents: 2000, Currency: "EUR",
	})
	mgr := inventory.NewManager(store, inventory.WithClock(c.Now))
	return c, store, mgr
}

func TestSweepReturnsExpiredSeat(t *testing.T) {
	c, store, mgr := setup(t)
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, inventory.ReserveCommand{
		EventID: 77, HolderID: "user-1", TTL: time.Second,
		Items: []inventory.ReserveItem{{SeatID: 1}},
	})
	require.NoError(t, err)

	sw := New(store, mgr, Config{BatchSize: 10}, WithClock(c.Now))
	got, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, got)

	c.Advance(2 * time.Second)
	got, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Expired)

	seat, ok := store.SeatRow(1)
	require.True(t, ok)
	assert.Equal(t, model.SeatAvailable, seat.Status)
	assert.Nil(t, seat.CurrentReservationID)

	r, err := mgr.GetReservation(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationExpired, r.Status)

	tt, err := store.TicketType(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tt.AvailableCapacity)
	assert.Equal(t, uint32(0), tt.ReservedCount)
}

func TestSweepDrainsSeveralBatches(t *testing.T) {
	c, store, mgr := setup(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := mgr.Reserve(ctx, inventory.ReserveCommand{
			EventID: 77, HolderID: "user-1", TTL: time.Minute,
			Items: []inventory.ReserveItem{{TicketTypeID: 2, Quantity: 3}},
		})
		require.NoError(t, err)
	}
	c.Advance(time.Hour)

	sw := New(store, mgr, Config{BatchSize: 3}, WithClock(c.Now))
	got, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Expired)

	tt, err := store.TicketType(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), tt.AvailableCapacity)

	left, err := store.ExpiredReservations(ctx, c.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweepLeavesConfirmedReservations(t *testing.T) {
	c, store, mgr := setup(t)
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, inventory.ReserveCommand{
		EventID: 77, HolderID: "user-1", TTL: time.Minute,
		Items: []inventory.ReserveItem{{TicketTypeID: 2, Quantity: 2}},
	})
	require.NoError(t, err)
	_, err = mgr.Confirm(ctx, res.ReservationID)
	require.NoError(t, err)

	c.Advance(time.Hour)
	got, err := New(store, mgr, Config{}, WithClock(c.Now)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, got.Expired)

	tt, err := store.TicketType(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tt.SoldCount)
}

func TestConcurrentSweepersExpireOnce(t *testing.T) {
	c, store, mgr := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := mgr.Reserve(ctx, inventory.ReserveCommand{
			EventID: 77, HolderID: "user-1", TTL: time.Second,
			Items: []inventory.ReserveItem{{TicketTypeID: 2, Quantity: 4}},
		})
		require.NoError(t, err)
	}
	c.Advance(time.Minute)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := New(store, mgr, Config{BatchSize: 2}, WithClock(c.Now)).SweepOnce(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += got.Expired
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, total)
	tt, err := store.TicketType(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), tt.AvailableCapacity)
	assert.Equal(t, uint32(0), tt.ReservedCount)
}

type stubLister struct{ ids []string }

func (l *stubLister) ExpiredReservations(context.Context, time.Time, int) ([]string, error) {
	return l.ids, nil
}

type stubExpirer struct{ errs map[string]error }

func (e *stubExpirer) Expire(_ context.Context, id string) error { return e.errs[id] }

func TestSweepCountsOutcomes(t *testing.T) {
	lister := &stubLister{ids: []string{"a", "b", "c"}}
	expirer := &stubExpirer{errs: map[string]error{
		"b": inventory.ErrInvalidState,
		"c": errors.New("connection reset"),
	}}
	got, err := New(lister, expirer, Config{BatchSize: 10}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Expired: 1, Skipped: 1, Failed: 1}, got)
}

func TestSweepStopsWhenNothingExpires(t *testing.T) {
	// A full batch of failures is listed again; the loop must not spin.
	lister := &stubLister{ids: []string{"a", "b"}}
	expirer := &stubExpirer{errs: map[string]error{
		"a": errors.New("down"),
		"b": errors.New("down"),
	}}
	got, err := New(lister, expirer, Config{BatchSize: 2}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, got.Failed)
}

func TestRunStopsWithContext(t *testing.T) {
	lister := &stubLister{}
	sw := New(lister, &stubExpirer{}, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
