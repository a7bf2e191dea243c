package dali

import "context"

// Bus is the interface the rest of the application programs against. A
// *Transceiver is the production implementation; tests substitute fakes.
type Bus interface {
	// Send transmits one command and returns the backward frame value, or
	// nil when no reply arrived and the command tolerates that.
	Send(ctx context.Context, cmd Command) (*uint8, error)

	// Commission runs the random-address binary search and returns the
	// short addresses assigned.
	Commission(ctx context.Context, opts CommissionOptions) ([]uint8, error)

	// ReadIdentity reads the stable identity of the gear at addr.
	ReadIdentity(ctx context.Context, addr Address) (*DeviceIdentity, error)

	// Listen subscribes to decoded bus traffic. The returned function
	// cancels the subscription.
	Listen(buffer int) (<-chan Message, func())

	// Scanning reports whether an addressing run currently owns the bus.
	Scanning() bool

	Close() error
}

var _ Bus = (*Transceiver)(nil)
