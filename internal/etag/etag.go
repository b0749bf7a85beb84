// Package etag computes and parses the opaque concurrency tokens handed
// to callers before a conditional write.  A token changes whenever any
// field that influences an inventory decision changes; presenting an old
// token to a conditional reserve must fail.
//
// Wire form: <kind>.<id>.<version>.<unix-nanos>.<hex digest>
package etag

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/iliyamo/ticket-inventory/internal/model"
)

// ErrMalformedToken is returned by Parse for any token it cannot decode.
var ErrMalformedToken = errors.New("malformed concurrency token")

// Kind names the entity family a token was computed for.
type Kind string

const (
	KindTicketType Kind = "tt"
	KindSeat       Kind = "seat"
)

const digestSize = 16

// domainKey keys the BLAKE3 hash so that tokens cannot collide with any
// other keyed hash the platform computes over the same bytes.
var domainKey = [32]byte{
	't', 'i', 'c', 'k', 'e', 't', '-', 'i', 'n', 'v', 'e', 'n', 't', 'o', 'r', 'y',
	'.', 'e', 't', 'a', 'g', '.', 'v', '1', 0, 0, 0, 0, 0, 0, 0, 0,
}

// Token is the structured form of a concurrency token.
type Token struct {
	Kind      Kind
	ID        uint64
	Version   uint64
	UpdatedAt time.Time
	Digest    [digestSize]byte
}

// String renders the wire form stored in etag_value.
func (t Token) String() string {
	return fmt.Sprintf("%s.%d.%d.%d.%s",
		t.Kind, t.ID, t.Version, t.UpdatedAt.UTC().UnixNano(), hex.EncodeToString(t.Digest[:]))
}

// Header renders the token as a strong HTTP entity tag.
func (t Token) Header() string { return `"` + t.String() + `"` }

// Equal compares two tokens, digests in constant time.
func (t Token) Equal(o Token) bool {
	if t.Kind != o.Kind || t.ID != o.ID || t.Version != o.Version || !t.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	return subtle.ConstantTimeCompare(t.Digest[:], o.Digest[:]) == 1
}

// ForTicketType computes the token of a ticket type from its identity,
// last-mutated timestamp and inventory counters.
func ForTicketType(tt model.TicketType) Token {
	enc := newEncoder(KindTicketType, tt.ID, tt.Version, tt.ETagUpdatedAt)
	enc.u32(tt.TotalCapacity)
	enc.u32(tt.AvailableCapacity)
	enc.u32(tt.ReservedCount)
	enc.u32(tt.SoldCount)
	enc.str(string(tt.Status))
	return enc.token()
}

// ForSeat computes the token of a seat from its identity, last-mutated
// timestamp and status.
func ForSeat(s model.Seat) Token {
	enc := newEncoder(KindSeat, s.ID, s.Version, s.ETagUpdatedAt)
	enc.str(string(s.Status))
	if s.CurrentReservationID != nil {
		enc.str(*s.CurrentReservationID)
	} else {
		enc.str("")
	}
	return enc.token()
}

// Parse decodes a token produced by String or Header.  Weak validators
// ("W/" prefix) are accepted and treated as strong.
func Parse(raw string) (Token, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "W/")
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 5 {
		return Token{}, ErrMalformedToken
	}
	var t Token
	switch Kind(parts[0]) {
	case KindTicketType, KindSeat:
		t.Kind = Kind(parts[0])
	default:
		return Token{}, ErrMalformedToken
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Token{}, ErrMalformedToken
	}
	version, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Token{}, ErrMalformedToken
	}
	nanos, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Token{}, ErrMalformedToken
	}
	digest, err := hex.DecodeString(parts[4])
	if err != nil || len(digest) != digestSize {
		return Token{}, ErrMalformedToken
	}
	t.ID = id
	t.Version = version
	t.UpdatedAt = time.Unix(0, nanos).UTC()
	copy(t.Digest[:], digest)
	return t, nil
}

// encoder builds the canonical byte encoding that is hashed.  Every
// variable-length field is length prefixed so adjacent fields cannot
// shift into each other.
type encoder struct {
	kind    Kind
	id      uint64
	version uint64
	at      time.Time
	buf     []byte
}

func newEncoder(kind Kind, id, version uint64, at time.Time) *encoder {
	e := &encoder{kind: kind, id: id, version: version, at: at.UTC()}
	e.str(string(kind))
	e.u64(id)
	e.u64(version)
	e.u64(uint64(e.at.UnixNano()))
	return e
}

func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) token() Token {
	h, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("etag: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(e.buf)
	sum := h.Sum(nil)
	t := Token{Kind: e.kind, ID: e.id, Version: e.version, UpdatedAt: time.Unix(0, e.at.UnixNano()).UTC()}
	copy(t.Digest[:], sum[:digestSize])
	return t
}
