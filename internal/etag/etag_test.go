package etag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/model"
)

func sampleTicketType() model.TicketType {
	return model.TicketType{
		ID:                42,
		TotalCapacity:     100,
		AvailableCapacity: 60,
		ReservedCount:     30,
		SoldCount:         10,
		Status:            model.TicketTypeActive,
		Version:           7,
		ETagUpdatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC),
	}
}

func TestForTicketTypeIsDeterministic(t *testing.T) {
	a := ForTicketType(sampleTicketType())
	b := ForTicketType(sampleTicketType())

	assert.Equal(t, a.String(), b.String())
	assert.True(t, a.Equal(b))
}

func TestForTicketTypeChangesWithEveryRelevantField(t *testing.T) {
	base := ForTicketType(sampleTicketType()).String()

	mutations := map[string]func(*model.TicketType){
		"available": func(tt *model.TicketType) { tt.AvailableCapacity-- },
		"reserved":  func(tt *model.TicketType) { tt.ReservedCount++ },
		"sold":      func(tt *model.TicketType) { tt.SoldCount++ },
		"total":     func(tt *model.TicketType) { tt.TotalCapacity++ },
		"status":    func(tt *model.TicketType) { tt.Status = model.TicketTypeRetired },
		"version":   func(tt *model.TicketType) { tt.Version++ },
		"timestamp": func(tt *model.TicketType) { tt.ETagUpdatedAt = tt.ETagUpdatedAt.Add(time.Microsecond) },
		"id":        func(tt *model.TicketType) { tt.ID++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tt := sampleTicketType()
			mutate(&tt)
			assert.NotEqual(t, base, ForTicketType(tt).String())
		})
	}
}

func TestForSeatTracksStatusAndHolder(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seat := model.Seat{ID: 9, Status: model.SeatAvailable, Version: 1, ETagUpdatedAt: at}
	free := ForSeat(seat)

	holder := "r-1"
	seat.Status = model.SeatHeld
	seat.CurrentReservationID = &holder
	held := ForSeat(seat)

	assert.NotEqual(t, free.String(), held.String())
	assert.Equal(t, KindSeat, held.Kind)
}

func TestParseRoundTripsHeaderForm(t *testing.T) {
	tok := ForTicketType(sampleTicketType())

	for _, raw := range []string{tok.String(), tok.Header(), "W/" + tok.Header(), "  " + tok.Header() + " "} {
		parsed, err := Parse(raw)
		require.NoError(t, err, raw)
		assert.True(t, tok.Equal(parsed), raw)
		assert.Equal(t, KindTicketType, parsed.Kind)
		assert.Equal(t, uint64(42), parsed.ID)
	}
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	valid := ForTicketType(sampleTicketType()).String()

	for _, raw := range []string{
		"",
		"garbage",
		"tt.42.7.1",
		"xx.42.7.1.00112233445566778899aabbccddeeff",
		"tt.abc.7.1.00112233445566778899aabbccddeeff",
		"tt.42.-1.1.00112233445566778899aabbccddeeff",
		"tt.42.7.notanumber.00112233445566778899aabbccddeeff",
		"tt.42.7.1.zz112233445566778899aabbccddeeff",
		"tt.42.7.1.0011",
		valid + ".extra",
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformedToken, raw)
	}
}

func TestTamperedDigestParsesButDoesNotMatch(t *testing.T) {
	tok := ForTicketType(sampleTicketType())
	tampered := tok
	tampered.Digest[0] ^= 0xff

	parsed, err := Parse(tampered.String())
	require.NoError(t, err)
	assert.False(t, tok.Equal(parsed))
}
