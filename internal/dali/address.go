package dali

import "fmt"

// AddressKind discriminates the DALI address variants that can appear in the
// upper byte of a 16-bit forward frame.
type AddressKind uint8

const (
	AddrShort AddressKind = iota
	AddrGroup
	AddrBroadcast
	AddrBroadcastUnaddressed
)

// Address bytes with the selector bit cleared.
const (
	broadcastCode            = 0xFE
	broadcastUnaddressedCode = 0xFC
)

// Address identifies the target of an addressed forward frame: a single piece
// of gear (0-63), a group (0-15), or a broadcast.
type Address struct {
	Kind  AddressKind
	Value uint8 // short address or group number; unused for broadcasts
}

// ShortAddress returns the address of a single piece of gear.
func ShortAddress(n uint8) (Address, error) {
	if n > 63 {
		return Address{}, fmt.Errorf("dali: short address %d out of range 0-63", n)
	}
	return Address{Kind: AddrShort, Value: n}, nil
}

// MustShortAddress is ShortAddress for addresses already known to be valid.
// It panics on an out-of-range value.
func MustShortAddress(n uint8) Address {
	a, err := ShortAddress(n)
	if err != nil {
		panic(err)
	}
	return a
}

// GroupAddress returns the address of a gear group.
func GroupAddress(n uint8) (Address, error) {
	if n > 15 {
		return Address{}, fmt.Errorf("dali: group %d out of range 0-15", n)
	}
	return Address{Kind: AddrGroup, Value: n}, nil
}

// Broadcast addresses every device on the bus.
func Broadcast() Address {
	return Address{Kind: AddrBroadcast}
}

// BroadcastUnaddressed addresses only devices without a short address.
func BroadcastUnaddressed() Address {
	return Address{Kind: AddrBroadcastUnaddressed}
}

// code returns the address byte with the selector bit cleared. The dispatcher
// ORs in bit 0 for command frames and leaves it clear for direct arc power.
func (a Address) code() uint8 {
	switch a.Kind {
	case AddrShort:
		return a.Value << 1
	case AddrGroup:
		return 0x80 | a.Value<<1
	case AddrBroadcastUnaddressed:
		return broadcastUnaddressedCode
	default:
		return broadcastCode
	}
}

// ParseAddress decodes the address byte of a received 16-bit frame. Special
// command bytes are not addresses and are rejected.
func ParseAddress(b uint8) (Address, error) {
	switch {
	case b&0xFE == broadcastCode:
		return Broadcast(), nil
	case b&0xFE == broadcastUnaddressedCode:
		return BroadcastUnaddressed(), nil
	case b&0x80 == 0:
		return Address{Kind: AddrShort, Value: (b >> 1) & 0x3F}, nil
	case b&0x60 == 0:
		return Address{Kind: AddrGroup, Value: (b >> 1) & 0x0F}, nil
	default:
		return Address{}, fmt.Errorf("%w: 0x%02X is a special command byte, not an address", ErrMalformedFrame, b)
	}
}

// Matches reports whether a frame sent to address a affects gear with the
// given short address and group membership bitmask.
func (a Address) Matches(short uint8, groups uint16) bool {
	switch a.Kind {
	case AddrShort:
		return a.Value == short
	case AddrGroup:
		return groups&(1<<a.Value) != 0
	default:
		return true
	}
}

func (a Address) String() string {
	switch a.Kind {
	case AddrShort:
		return fmt.Sprintf("A%d", a.Value)
	case AddrGroup:
		return fmt.Sprintf("G%d", a.Value)
	case AddrBroadcastUnaddressed:
		return "BroadcastUnaddressed"
	default:
		return "Broadcast"
	}
}

// isSpecialCommandByte reports whether the upper byte of a 16-bit frame
// carries a special command code rather than an address. Broadcast bytes
// (0xFC-0xFF) match the bit pattern but are addresses.
func isSpecialCommandByte(b uint8) bool {
	return b&0x80 == 0x80 && b&0x60 != 0 && b < broadcastUnaddressedCode
}
