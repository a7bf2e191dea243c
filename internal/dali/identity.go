package dali

import (
	"context"
	"fmt"
)

// DeviceIdentity is the stable identity and capability snapshot of one piece
// of gear, read from memory bank 0 plus a handful of queries. GTIN and serial
// number are globally unique and survive re-addressing; the short address
// does not.
type DeviceIdentity struct {
	GTIN            uint64 `json:"gtin"`
	Serial          string `json:"serial"`
	FirmwareVersion string `json:"firmware_version"`
	HardwareVersion string `json:"hardware_version"`
	DALIVersion     uint8  `json:"dali_version"`
	// ControlIndex distinguishes logical units inside one physical device
	// that shares a GTIN and serial across them.
	ControlIndex uint8 `json:"control_index"`

	DeviceType  uint8  `json:"device_type"`
	Groups      uint16 `json:"groups"`
	MinLevel    uint8  `json:"min_level"`
	MaxLevel    uint8  `json:"max_level"`
	ActualLevel uint8  `json:"actual_level"`
}

// UniqueID returns the bus-independent identity key: GTIN plus serial plus
// logical unit index.
func (d DeviceIdentity) UniqueID() string {
	return fmt.Sprintf("%d-%s-%d", d.GTIN, d.Serial, d.ControlIndex)
}

// ReadMemory reads count bytes from a memory bank starting at offset. The
// bank goes to DTR1, the offset to DTR0, and the device advances DTR0 itself
// after each READ MEMORY LOCATION.
func (t *Transceiver) ReadMemory(ctx context.Context, addr Address, bank, offset, count uint8) ([]byte, error) {
	if _, err := t.Send(ctx, Special(SpecialSetDTR1, bank)); err != nil {
		return nil, err
	}
	if _, err := t.Send(ctx, Special(SpecialSetDTR0, offset)); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, count)
	for i := uint8(0); i < count; i++ {
		v, err := t.Send(ctx, Cmd(addr, CmdReadMemoryLocation))
		if err != nil {
			return nil, fmt.Errorf("read memory bank %d offset %d: %w", bank, offset+i, err)
		}
		buf = append(buf, *v)
	}
	return buf, nil
}

// bank0IdentityLen covers memory bank 0 offsets 2..26: last accessible bank,
// GTIN, firmware version, serial number, hardware version, DALI version and
// the logical unit counts.
const bank0IdentityLen = 25

// ReadIdentity probes for gear at addr and reads its full identity. A device
// that does not answer the device type probe yields ErrDeviceNotAddressed;
// any later failure yields ErrIdentityReadFailed, since a partial identity
// would produce an unstable unique ID.
func (t *Transceiver) ReadIdentity(ctx context.Context, addr Address) (*DeviceIdentity, error) {
	dt, err := t.Send(ctx, Probe(addr, CmdQueryDeviceType))
	if err != nil {
		return nil, err
	}
	if dt == nil {
		return nil, fmt.Errorf("%w: no gear at %s", ErrDeviceNotAddressed, addr)
	}

	buf, err := t.ReadMemory(ctx, addr, 0, 2, bank0IdentityLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIdentityReadFailed, addr, err)
	}
	id := identityFromBank0(buf)
	id.DeviceType = *dt

	g0, err := t.Send(ctx, Cmd(addr, CmdQueryGroupsZeroToSeven))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIdentityReadFailed, addr, err)
	}
	g1, err := t.Send(ctx, Cmd(addr, CmdQueryGroupsEightToFifteen))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIdentityReadFailed, addr, err)
	}
	id.Groups = uint16(*g1)<<8 | uint16(*g0)

	if id.MinLevel, err = t.queryByte(ctx, addr, CmdQueryMinLevel); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIdentityReadFailed, addr, err)
	}
	if id.MaxLevel, err = t.queryByte(ctx, addr, CmdQueryMaxLevel); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIdentityReadFailed, addr, err)
	}
	if id.ActualLevel, err = t.queryByte(ctx, addr, CmdQueryActualLevel); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIdentityReadFailed, addr, err)
	}
	return id, nil
}

func (t *Transceiver) queryByte(ctx context.Context, addr Address, code CommandCode) (uint8, error) {
	v, err := t.Send(ctx, Cmd(addr, code))
	if err != nil {
		return 0, err
	}
	return *v, nil
}

// identityFromBank0 decodes the 25 identity bytes read from bank 0 offset 2.
// The serial number's major part is little-endian on the wire (bytes 9-13
// reversed), the minor part likewise (bytes 14-16 reversed).
func identityFromBank0(buf []byte) *DeviceIdentity {
	id := &DeviceIdentity{
		FirmwareVersion: fmt.Sprintf("%d.%d", buf[7], buf[8]),
		HardwareVersion: fmt.Sprintf("%d.%d", buf[17], buf[18]),
		DALIVersion:     buf[19],
		ControlIndex:    buf[24],
	}
	for _, b := range buf[1:7] {
		id.GTIN = id.GTIN<<8 | uint64(b)
	}
	id.Serial = fmt.Sprintf("%02x%02x%02x%02x%02x.%02x%02x%02x",
		buf[13], buf[12], buf[11], buf[10], buf[9],
		buf[16], buf[15], buf[14])
	return id
}
