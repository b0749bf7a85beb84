package repository_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/database"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/model"
	"github.com/iliyamo/ticket-inventory/internal/repository"
)

// These tests run against a real MySQL 8 when MYSQL_TEST_DSN is set, e.g.
// root:secret@tcp(localhost:3306)/inventory_test?parseTime=true&loc=UTC
func openStore(t *testing.T) *repository.Store {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	db, err := database.OpenDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))
	return repository.NewStore(db)
}

// uniqueID keeps rows of separate runs apart in a shared database.
func uniqueID() uint64 { return uint64(time.Now().UnixNano() / 1000) }

func TestMySQLConcurrentReservesNeverOversell(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	eventID := uniqueID()

	tt := model.TicketType{EventID: eventID, Name: "Floor", TotalCapacity: 10, MinPerOrder: 1, MaxPerOrder: 3, PriceCents: 2500, Currency: "USD"}
	require.NoError(t, store.TicketTypes.Create(ctx, &tt))
	mgr := inventory.NewManager(store)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		held uint32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			qty := uint32(i%3 + 1)
			_, err := mgr.Reserve(ctx, inventory.ReserveCommand{
				EventID: eventID, HolderID: "load",
				Items: []inventory.ReserveItem{{TicketTypeID: tt.ID, Quantity: qty}},
			})
			if err == nil {
				mu.Lock()
				held += qty
				mu.Unlock()
				return
			}
			if !inventory.IsRetryable(err) {
				assert.ErrorIs(t, err, inventory.ErrInsufficientInventory)
			}
		}(i)
	}
	wg.Wait()

	row, err := store.TicketType(ctx, tt.ID)
	require.NoError(t, err)
	assert.Equal(t, held, row.ReservedCount)
	assert.LessOrEqual(t, held, row.TotalCapacity)
	assert.Equal(t, row.TotalCapacity, row.AvailableCapacity+row.ReservedCount+row.SoldCount)
}

func TestMySQLStaleTokenAndLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	eventID := uniqueID()

	tt := model.TicketType{EventID: eventID, Name: "Balcony", TotalCapacity: 5, Currency: "USD"}
	require.NoError(t, store.TicketTypes.Create(ctx, &tt))
	mgr := inventory.NewManager(store)

	snap, err := mgr.GetInventorySnapshot(ctx, tt.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), snap.Available)

	cmd := inventory.ReserveCommand{
		EventID: eventID, HolderID: "user-1",
		Items: []inventory.ReserveItem{{TicketTypeID: tt.ID, Quantity: 3, ExpectedToken: snap.Token}},
	}
	res, err := mgr.Reserve(ctx, cmd)
	require.NoError(t, err)
	assert.NotEqual(t, snap.Token, res.Tokens[tt.ID])

	_, err = mgr.Reserve(ctx, cmd)
	assert.ErrorIs(t, err, inventory.ErrConflict)

	_, err = mgr.Cancel(ctx, res.ReservationID, "test")
	require.NoError(t, err)
	_, err = mgr.Cancel(ctx, res.ReservationID, "test")
	assert.ErrorIs(t, err, inventory.ErrInvalidState)

	row, err := store.TicketType(ctx, tt.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), row.AvailableCapacity)

	got, err := mgr.GetReservation(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationCancelled, got.Status)
	require.Len(t, got.Items, 1)
	assert.Equal(t, uint32(3), got.Items[0].Quantity)
}

func TestMySQLSeatHoldExpiryAndAllocation(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	eventID := uniqueID()
	venueID := eventID

	tt := model.TicketType{EventID: eventID, Name: "Orchestra", Kind: model.KindSeated, TotalCapacity: 3, Currency: "USD"}
	require.NoError(t, store.TicketTypes.Create(ctx, &tt))
	alloc := model.Allocation{
		TicketTypeID: tt.ID, Name: "Sponsor", TotalQuantity: 1,
		StartsAt: time.Now().Add(-time.Hour), EndsAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Allocations.Create(ctx, &alloc, "SPONSOR"))

	seats := []model.Seat{
		{VenueID: venueID, TicketTypeID: &tt.ID, Section: "ORCH", RowLabel: "A", SeatNumber: 1},
		{VenueID: venueID, TicketTypeID: &tt.ID, Section: "ORCH", RowLabel: "A", SeatNumber: 2},
		{VenueID: venueID, TicketTypeID: &tt.ID, AllocationID: &alloc.ID, Section: "BOX", RowLabel: "A", SeatNumber: 1},
	}
	require.NoError(t, store.Seats.CreateBulk(ctx, seats))

	mgr := inventory.NewManager(store)
	res, err := mgr.Reserve(ctx, inventory.ReserveCommand{
		EventID: eventID, HolderID: "user-1", AccessCode: "SPONSOR", TTL: time.Second,
		Items: []inventory.ReserveItem{{TicketTypeID: tt.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.NotNil(t, res.Items[0].AllocationID)
	assert.Equal(t, alloc.ID, *res.Items[0].AllocationID)

	_, err = mgr.Reserve(ctx, inventory.ReserveCommand{
		EventID: eventID, HolderID: "user-2",
		Items: []inventory.ReserveItem{{SeatID: *res.Items[1].SeatID}},
	})
	assert.ErrorIs(t, err, inventory.ErrInsufficientInventory)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, mgr.Expire(ctx, res.ReservationID))
	assert.ErrorIs(t, mgr.Expire(ctx, res.ReservationID), inventory.ErrInvalidState)

	for _, it := range res.Items {
		s, err := store.Seats.GetByID(ctx, store.DB(), *it.SeatID)
		require.NoError(t, err)
		assert.Equal(t, model.SeatAvailable, s.Status)
		assert.Nil(t, s.CurrentReservationID)
	}
	a, err := store.Allocations.GetByID(ctx, store.DB(), alloc.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), a.AllocatedQuantity)

	row, err := store.TicketType(ctx, tt.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), row.AvailableCapacity)
	assert.Equal(t, uint32(0), row.ReservedCount)
}
