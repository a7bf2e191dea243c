package dali

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Tridonic DALI USB adapter identifiers.
const (
	tridonicVID = "17B5"
	tridonicPID = "0020"
)

// Adapter packet geometry. TX packets are 64 bytes, RX packets 16 bytes;
// everything past the documented fields is zero padding.
const (
	txPacketLen = 64
	rxPacketLen = 16
)

// RX packet message types.
const (
	rxTypeNAK               = 0x71
	rxTypeResponse          = 0x72
	rxTypeTxComplete        = 0x73
	rxTypeBroadcastReceived = 0x74
	rxTypeFramingError      = 0x77
)

// TX packet frame-width selectors.
const (
	txType16Bit = 0x03
	txType24Bit = 0x04
)

// Transport is an opaque duplex byte channel to one USB DALI adapter. It has
// no protocol knowledge; all failures propagate as-is to the dispatcher.
type Transport interface {
	// Write sends one adapter packet.
	Write(p []byte) error
	// Read returns the next adapter packet, or (nil, nil) when the timeout
	// elapses with nothing received.
	Read(timeout time.Duration) ([]byte, error)
	Close() error
}

// AdapterInfo describes one attached DALI USB adapter, without opening it.
type AdapterInfo struct {
	Port   string `json:"port"`
	Serial string `json:"serial,omitempty"`
	VID    string `json:"vid"`
	PID    string `json:"pid"`
}

// DiscoverAdapters returns descriptors for every attached adapter of the
// supported kind. None found is not an error.
func DiscoverAdapters() ([]AdapterInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var res []AdapterInfo
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if !strings.EqualFold(p.VID, tridonicVID) || !strings.EqualFold(p.PID, tridonicPID) {
			continue
		}
		res = append(res, AdapterInfo{
			Port:   p.Name,
			Serial: p.SerialNumber,
			VID:    p.VID,
			PID:    p.PID,
		})
	}
	return res, nil
}

// serialTransport is the production Transport over a USB CDC serial port.
type serialTransport struct {
	port serial.Port
}

// OpenTransport opens the adapter behind the given serial port name.
func OpenTransport(portName string) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnection, portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return &serialTransport{port: port}, nil
}

func (t *serialTransport) Write(p []byte) error {
	if _, err := t.port.Write(p); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnection, err)
	}
	return nil
}

// Read accumulates one full RX packet. A timeout mid-packet yields the bytes
// read so far, which the codec rejects as malformed.
func (t *serialTransport) Read(timeout time.Duration) ([]byte, error) {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrConnection, err)
	}
	buf := make([]byte, rxPacketLen)
	pos := 0
	for pos < rxPacketLen {
		n, err := t.port.Read(buf[pos:])
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrConnection, err)
		}
		if n == 0 { // timeout
			if pos == 0 {
				return nil, nil
			}
			return buf[:pos], nil
		}
		pos += n
	}
	return buf, nil
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

// encodeTxPacket builds the 64-byte adapter packet for one forward frame.
//
//	pkt[0] = 0x12 (transmitted by us)
//	pkt[1] = sequence number for response correlation
//	pkt[2] = adapter-side repeat flag (unused: the dispatcher performs
//	         repeats itself so each one is a real transport write)
//	pkt[3] = frame width selector
//	pkt[5..7] = frame bits 23-16, 15-8, 7-0
func encodeTxPacket(seq uint8, cmd Command) ([]byte, error) {
	pkt := make([]byte, txPacketLen)
	pkt[0] = uint8(SourceSelf)
	pkt[1] = seq
	switch cmd.Bits() {
	case 16:
		pkt[3] = txType16Bit
	case 24:
		pkt[3] = txType24Bit
		pkt[5] = uint8(cmd.Frame() >> 16)
	default:
		return nil, fmt.Errorf("%w: unsupported frame width %d", ErrMalformedFrame, cmd.Bits())
	}
	pkt[6] = uint8(cmd.Frame() >> 8)
	pkt[7] = uint8(cmd.Frame())
	return pkt, nil
}

// decodeRxPacket parses one 16-byte adapter packet into a Message.
//
//	pkt[0] = source (0x11 other controller, 0x12 us)
//	pkt[1] = message type
//	pkt[3..5] = frame bits 23-16, 15-8, 7-0
//	pkt[8] = sequence number (set for our own transmissions)
func decodeRxPacket(p []byte, now time.Time) (Message, error) {
	if len(p) != rxPacketLen {
		return Message{}, fmt.Errorf("%w: rx packet length %d", ErrMalformedFrame, len(p))
	}
	src := Source(p[0])
	if src != SourceExternal && src != SourceSelf {
		return Message{}, fmt.Errorf("%w: unknown source 0x%02X", ErrMalformedFrame, p[0])
	}
	m := Message{Source: src, Seq: p[8], Time: now}
	mid, low := p[4], p[5]

	switch p[1] {
	case rxTypeNAK:
		m.Kind = MsgNoReply
	case rxTypeResponse:
		m.Kind = MsgResponse
		m.Value = low
	case rxTypeFramingError:
		m.Kind = MsgBadFrame
	case rxTypeTxComplete, rxTypeBroadcastReceived:
		switch {
		case isSpecialCommandByte(mid):
			m.Kind = MsgSpecial
			m.Special = SpecialCommandCode(mid)
			m.Value = low
		case mid&0x01 == 0x01:
			addr, err := ParseAddress(mid)
			if err != nil {
				return Message{}, err
			}
			m.Kind = MsgCommand
			m.Addr = addr
			m.Opcode = CommandCode(low)
		default:
			addr, err := ParseAddress(mid)
			if err != nil {
				return Message{}, err
			}
			m.Kind = MsgDirectArcPower
			m.Addr = addr
			m.Value = low
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown rx type 0x%02X", ErrMalformedFrame, p[1])
	}
	return m, nil
}
