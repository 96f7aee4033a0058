package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountID represents a 128-bit TigerBeetle account ID.
// Structure: [facility_id: 64 bits][account_kind: 8 bits][currency: 24 bits][reserved: 32 bits]
type AccountID [16]byte

// NewAccountID creates a new AccountID from components.
func NewAccountID(facilityID uint64, kind AccountKind, currency Currency) AccountID {
	var id AccountID

	// Bytes 0-7: Facility ID (big-endian)
	binary.BigEndian.PutUint64(id[0:8], facilityID)

	// Byte 8: Account kind
	id[8] = byte(kind)

	// Bytes 9-11: Currency (24 bits, big-endian)
	id[9] = byte(currency >> 16)
	id[10] = byte(currency >> 8)
	id[11] = byte(currency)

	// Bytes 12-15: Reserved (zero)

	return id
}

// NewAccountIDFromUUID creates an AccountID using a UUID's lower 64 bits
// as the facility component.
func NewAccountIDFromUUID(facilityUUID uuid.UUID, kind AccountKind, currency Currency) AccountID {
	facilityID := binary.BigEndian.Uint64(facilityUUID[8:16])
	return NewAccountID(facilityID, kind, currency)
}

// FacilityID returns the facility component.
func (id AccountID) FacilityID() uint64 {
	return binary.BigEndian.Uint64(id[0:8])
}

// Kind returns the account kind component.
func (id AccountID) Kind() AccountKind {
	return AccountKind(id[8])
}

// Currency returns the currency component.
func (id AccountID) Currency() Currency {
	return Currency(uint32(id[9])<<16 | uint32(id[10])<<8 | uint32(id[11]))
}

// String returns a human-readable representation of the AccountID.
func (id AccountID) String() string {
	return fmt.Sprintf("%s:%s:%016x", id.Kind(), id.Currency(), id.FacilityID())
}
