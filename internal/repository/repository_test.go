package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/etag"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/model"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

var ticketTypeRowColumns = []string{
	"id", "event_id", "name", "kind", "total_capacity", "available_capacity",
	"reserved_count", "sold_count", "min_per_order", "max_per_order", "price_cents", "currency",
	"status", "version", "etag_value", "etag_updated_at", "created_at",
}

func ticketTypeRow(tt model.TicketType) *sqlmock.Rows {
	return sqlmock.NewRows(ticketTypeRowColumns).AddRow(
		tt.ID, tt.EventID, tt.Name, string(tt.Kind), tt.TotalCapacity, tt.AvailableCapacity,
		tt.ReservedCount, tt.SoldCount, tt.MinPerOrder, tt.MaxPerOrder, tt.PriceCents, tt.Currency,
		string(tt.Status), tt.Version, tt.ETag, tt.ETagUpdatedAt, tt.CreatedAt,
	)
}

func sampleTicketType() model.TicketType {
	at := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	tt := model.TicketType{
		ID: 1, EventID: 9, Name: "Floor", Kind: model.KindGeneralAdmission,
		TotalCapacity: 10, AvailableCapacity: 4, ReservedCount: 6,
		Currency: "USD", Status: model.TicketTypeActive, Version: 3,
		ETagUpdatedAt: at, CreatedAt: at,
	}
	tt.ETag = etag.ForTicketType(tt).String()
	return tt
}

var (
	reserveStmt = regexp.QuoteMeta(`UPDATE ticket_types SET available_capacity = available_capacity - ?`)
	selectTT    = regexp.QuoteMeta(`FROM ticket_types WHERE id = ?`)
	storeETag   = regexp.QuoteMeta(`UPDATE ticket_types SET etag_value = ? WHERE id = ?`)
)

func TestReserveTxStoresFreshToken(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTicketTypeRepo(db)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 18, 5, 0, 0, time.UTC)

	after := sampleTicketType()
	after.AvailableCapacity, after.ReservedCount = 2, 8
	after.Version, after.ETagUpdatedAt = 4, at
	want := etag.ForTicketType(after).String()

	mock.ExpectBegin()
	mock.ExpectExec(reserveStmt).
		WithArgs(2, 2, sqlmock.AnyArg(), 1, 2, "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectTT).WithArgs(1).WillReturnRows(ticketTypeRow(after))
	mock.ExpectExec(storeETag).WithArgs(want, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	got, err := repo.ReserveTx(ctx, tx, inventory.UnitChange{TicketTypeID: 1, Quantity: 2, At: at})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, want, got.ETag)
	assert.Equal(t, uint32(2), got.AvailableCapacity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveTxClassifiesZeroRows(t *testing.T) {
	current := sampleTicketType()
	stale := current
	stale.Version = 2
	stale.ETag = etag.ForTicketType(stale).String()

	retired := current
	retired.Status = model.TicketTypeRetired

	tests := []struct {
		name     string
		row      model.TicketType
		expected string
		want     error
	}{
		{name: "stale token", row: current, expected: stale.ETag, want: inventory.ErrTokenMismatch},
		{name: "sold out", row: current, expected: current.ETag, want: inventory.ErrInsufficientInventory},
		{name: "sold out without token", row: current, want: inventory.ErrInsufficientInventory},
		{name: "retired", row: retired, want: inventory.ErrEntityNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := NewTicketTypeRepo(db)
			ctx := context.Background()

			mock.ExpectBegin()
			mock.ExpectExec(reserveStmt).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(selectTT).WithArgs(1).WillReturnRows(ticketTypeRow(tc.row))
			mock.ExpectRollback()

			tx, err := db.BeginTxx(ctx, nil)
			require.NoError(t, err)
			_, err = repo.ReserveTx(ctx, tx, inventory.UnitChange{
				TicketTypeID: 1, Quantity: 5, ExpectedToken: tc.expected, At: time.Now(),
			})
			assert.ErrorIs(t, err, tc.want)
			require.NoError(t, tx.Rollback())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReserveTxRejectsMalformedTokenBeforeWriting(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTicketTypeRepo(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()
	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)

	_, err = repo.ReserveTx(ctx, tx, inventory.UnitChange{TicketTypeID: 1, Quantity: 1, ExpectedToken: "garbage"})
	assert.ErrorIs(t, err, inventory.ErrConflict)
	assert.ErrorIs(t, err, inventory.ErrMalformedToken)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTxClassification(t *testing.T) {
	deadline := time.Date(2026, 6, 1, 18, 10, 0, 0, time.UTC)
	tests := []struct {
		name   string
		status model.ReservationStatus
		guard  inventory.Guard
		want   error
	}{
		{name: "already confirmed", status: model.ReservationConfirmed, guard: inventory.GuardLive, want: inventory.ErrInvalidState},
		{name: "confirm after deadline", status: model.ReservationActive, guard: inventory.GuardLive, want: inventory.ErrReservationExpired},
		{name: "expire before deadline", status: model.ReservationActive, guard: inventory.GuardLapsed, want: inventory.ErrInvalidState},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := NewReservationRepo(db)
			ctx := context.Background()

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(`UPDATE reservations SET status = ?`)).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, expires_at FROM reservations WHERE id = ?`)).
				WithArgs("r-1").
				WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}).AddRow(string(tc.status), deadline))
			mock.ExpectRollback()

			tx, err := db.BeginTxx(ctx, nil)
			require.NoError(t, err)
			err = repo.TransitionTx(ctx, tx, inventory.Transition{
				ReservationID: "r-1", To: model.ReservationConfirmed, At: deadline, Guard: tc.guard,
			})
			assert.ErrorIs(t, err, tc.want)
			require.NoError(t, tx.Rollback())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTransitionTxUnknownReservation(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReservationRepo(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE reservations SET status = ?`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, expires_at FROM reservations`)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "expires_at"}))
	mock.ExpectRollback()

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	err = repo.TransitionTx(ctx, tx, inventory.Transition{ReservationID: "nope", To: model.ReservationCancelled, At: time.Now()})
	assert.ErrorIs(t, err, inventory.ErrEntityNotFound)
	require.NoError(t, tx.Rollback())
}

func TestHoldTxLostSeatIsInsufficient(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSeatRepo(db)
	ctx := context.Background()
	holder := "someone-else"
	until := time.Now().Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE seats`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM seats WHERE id = ?`)).WithArgs(7).WillReturnRows(
		sqlmock.NewRows([]string{"id", "venue_id", "section", "row_label", "seat_number", "status",
			"current_reservation_id", "reserved_until", "version", "etag_value", "etag_updated_at"}).
			AddRow(7, 1, "ORCH", "A", 7, "HELD", holder, until, 2, "seat.7.2.0.00", time.Now()))
	mock.ExpectRollback()

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.HoldTx(ctx, tx, inventory.SeatHold{SeatID: 7, ReservationID: "r-2", Until: until, At: time.Now()})
	assert.ErrorIs(t, err, inventory.ErrInsufficientInventory)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSellTxDropsReservationReference(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSeatRepo(db)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 18, 5, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'SOLD', current_reservation_id = NULL, reserved_until = NULL`)).
		WithArgs(at, 7, "r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM seats WHERE id = ?`)).WithArgs(7).WillReturnRows(
		sqlmock.NewRows([]string{"id", "venue_id", "section", "row_label", "seat_number", "status",
			"current_reservation_id", "reserved_until", "version", "etag_value", "etag_updated_at"}).
			AddRow(7, 1, "ORCH", "A", 7, "SOLD", nil, nil, 3, "", at))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE seats SET etag_value = ? WHERE id = ?`)).
		WithArgs(sqlmock.AnyArg(), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	seat, err := repo.SellTx(ctx, tx, 7, "r-1", at)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, model.SeatSold, seat.Status)
	assert.Nil(t, seat.CurrentReservationID)
	assert.Nil(t, seat.ReservedUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyDriverError(t *testing.T) {
	deadlock := &mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found"}
	assert.ErrorIs(t, classifyDriverError(deadlock), inventory.ErrConflict)
	assert.True(t, inventory.IsRetryable(classifyDriverError(deadlock)))

	timeout := &mysql.MySQLError{Number: errLockWaitTimeout, Message: "Lock wait timeout exceeded"}
	assert.ErrorIs(t, classifyDriverError(timeout), inventory.ErrConflict)

	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.False(t, errors.Is(classifyDriverError(dup), inventory.ErrConflict))
}

func TestStoreInTxRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	store := NewStore(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(inventory.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
