package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists gear metadata across restarts. The live registry is rebuilt
// from the bus on every scan; the store only carries what the bus cannot
// tell us, keyed by the gear's bus-independent unique ID.
type Store interface {
	// Gear metadata operations
	SaveGear(g *Gear) error
	GetGear(uniqueID string) (*Gear, error)
	DeleteGear(uniqueID string) error
	ListGear() ([]*Gear, error)

	// UpdateGear atomically reads, modifies, and saves a gear record in a
	// single transaction. Returns ErrNotFound if the record does not exist.
	UpdateGear(uniqueID string, fn func(g *Gear) error) error

	// Bus state
	SaveBusState(state *BusState) error
	GetBusState() (*BusState, error)

	// Close the store
	Close() error
}
