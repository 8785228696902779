package peer

import (
	"time"
)

// Record is what we remember about an advertised peer address across restarts.
type Record struct {
	Address   string    `cbor:"1,keyasint,omitempty"` // Advertised address (host:port)
	FirstSeen time.Time `cbor:"2,keyasint,omitempty"` // First time the address was learned
	LastSeen  time.Time `cbor:"3,keyasint,omitempty"` // Last time the address was announced or dialled
	Announces uint64    `cbor:"4,keyasint,omitempty"` // Number of times the address was announced or dialled
}

// Book defines the interface for persisting known peer addresses.
type Book interface {
	// Get retrieves the record for an address.
	// It returns an error if the address is unknown or an issue occurs.
	Get(address string) (*Record, error)

	// Touch creates the record for an address or updates its LastSeen time
	// and announce counter. It returns the stored Record.
	Touch(address string, seen time.Time) (*Record, error)

	// Enumerate returns every known record.
	Enumerate() ([]*Record, error)
}
