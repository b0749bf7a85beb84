package inventory

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/iliyamo/ticket-inventory/internal/etag"
)

// CanonicalToken returns the stored form of a caller-supplied token so
// stores can compare it against etag_value as a plain string.  Quoted and
// weak header forms are accepted.
func CanonicalToken(raw string) (string, error) {
	tok, err := etag.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return tok.String(), nil
}

// HashAccessCode returns the hex BLAKE2b-256 digest stored for an
// allocation access code.  Codes are never stored in clear.
func HashAccessCode(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
