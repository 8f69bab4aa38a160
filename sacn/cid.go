package sacn

import (
	"github.com/google/uuid"
)

// CID is a Component Identifier: a 128-bit UUID identifying one source
// instance, per ACN E1.17. Two distinct sources must never share a CID; a
// source keeps the same CID for its lifetime.
type CID [16]byte

// NewCID generates a random (v4) CID, the way a Source constructs one when
// the caller doesn't supply its own.
func NewCID() CID {
	id := uuid.New()
	var c CID
	copy(c[:], id[:])
	return c
}

// ParseCID parses a canonical UUID string ("xxxxxxxx-xxxx-...") into a CID.
func ParseCID(s string) (CID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return CID{}, wrapErr(ErrKindParse, err, "invalid cid %q", s)
	}
	var c CID
	copy(c[:], id[:])
	return c, nil
}

// CIDFromBytes wraps a raw 16-byte slice as a CID without validation
// (sACN's wire format carries the CID as opaque bytes; any 16 bytes are
// legal on the wire, not necessarily a conformant UUID variant/version).
func CIDFromBytes(b [16]byte) CID {
	return CID(b)
}

func (c CID) String() string {
	return uuid.UUID(c).String()
}

func (c CID) IsZero() bool {
	return c == CID{}
}
