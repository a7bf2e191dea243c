package dali

import "errors"

var (
	// ErrConnection indicates the adapter is lost or unreachable. Fatal to
	// the current bus session; not retried automatically.
	ErrConnection = errors.New("dali: adapter connection lost")

	// ErrMalformedFrame indicates an adapter packet of unexpected length or
	// shape, pointing at an adapter or wiring fault.
	ErrMalformedFrame = errors.New("dali: malformed frame")

	// ErrNoResponse is returned when a command that requires an answer got
	// none within the response deadline.
	ErrNoResponse = errors.New("dali: no response")

	// ErrFramingError is reported by the adapter when two devices transmit a
	// backward frame at the same time.
	ErrFramingError = errors.New("dali: framing error")

	// ErrBusBusy is returned to ordinary senders while addressing mode holds
	// the bus. Callers may retry after the scan completes.
	ErrBusBusy = errors.New("dali: bus busy (addressing in progress)")

	// ErrAddressSpaceExhausted means all 64 short addresses are taken while
	// unaddressed devices remain.
	ErrAddressSpaceExhausted = errors.New("dali: short address space exhausted")

	// ErrIdentityReadFailed means memory bank 0 could not be read completely;
	// the device keeps its short address but is not registered.
	ErrIdentityReadFailed = errors.New("dali: identity read failed")

	// ErrDeviceNotAddressed means a gear operation could not resolve a
	// current short address for the target unique ID.
	ErrDeviceNotAddressed = errors.New("dali: device not addressed")

	// ErrClosed is returned for operations on a closed transceiver.
	ErrClosed = errors.New("dali: transceiver closed")
)
