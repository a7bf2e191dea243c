package dali

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// simGear models one piece of control gear well enough to exercise the
// dispatcher and the addressing search: level control, the standard queries,
// memory bank 0 reads with DTR0 auto-increment, and the INITIALISE /
// RANDOMISE / COMPARE / WITHDRAW state machine.
type simGear struct {
	random     uint32
	randomNext []uint32 // values drawn by successive RANDOMISE commands
	short      int16    // -1 = unaddressed
	groups     uint16
	level      uint8
	lastActive uint8
	minLevel   uint8
	maxLevel   uint8
	deviceType uint8
	bank0      []byte // memory bank 0 from offset 0

	dtr0, dtr1  uint8
	initialised bool
	withdrawn   bool
}

func newSimGear(random uint32, short int16) *simGear {
	return &simGear{
		random:     random,
		short:      short,
		minLevel:   1,
		maxLevel:   254,
		lastActive: 254,
		deviceType: 6, // LED module
		bank0:      simBank0(random),
	}
}

// simBank0 builds a plausible bank 0 image whose identity bytes derive from
// the gear's random address so every simulated device is distinguishable.
func simBank0(seed uint32) []byte {
	b := make([]byte, 27)
	b[2] = 0x01 // last accessible bank
	// GTIN at offsets 3..8.
	gtin := uint64(0x07EE4B000000) | uint64(seed)
	for i := 0; i < 6; i++ {
		b[3+i] = byte(gtin >> (8 * (5 - i)))
	}
	b[9], b[10] = 7, 7 // firmware version
	// Serial major (5 bytes LE) and minor (3 bytes LE).
	b[11] = byte(seed)
	b[12] = byte(seed >> 8)
	b[13] = byte(seed >> 16)
	b[16] = 0x69
	b[17] = 0x02
	b[18] = 0x92
	b[19], b[20] = 3, 0 // hardware version
	b[21] = 8           // 101 version
	b[24] = 1           // logical control units
	b[25] = 1           // logical control gear
	b[26] = 0           // this unit's index
	return b
}

func (g *simGear) matches(b uint8) bool {
	switch {
	case b&0xFE == broadcastCode:
		return true
	case b&0xFE == broadcastUnaddressedCode:
		return g.short < 0
	case b&0x80 == 0:
		return g.short >= 0 && uint8(g.short) == b>>1&0x3F
	case b&0x60 == 0:
		return g.groups&(1<<(b>>1&0x0F)) != 0
	default:
		return false
	}
}

type simWrite struct {
	frame uint16
	at    time.Time
}

// simAdapter is a Transport backed by simulated gear instead of a serial
// port. Writes are processed synchronously; the resulting RX packets queue up
// for Read.
type simAdapter struct {
	mu     sync.Mutex
	gear   []*simGear
	search uint32
	writes []simWrite
	rx     chan []byte
	closed bool

	// Repeat-required frames are applied once per pair; the confirming
	// transmission only gets acknowledged.
	lastFrame   uint16
	lastFrameAt time.Time
}

func newSimAdapter(gear ...*simGear) *simAdapter {
	return &simAdapter{gear: gear, rx: make(chan []byte, 64)}
}

func (s *simAdapter) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: sim closed", ErrConnection)
	}
	if len(p) != txPacketLen || p[3] != txType16Bit {
		return fmt.Errorf("sim: unexpected tx packet")
	}
	seq := p[1]
	frame := uint16(p[6])<<8 | uint16(p[7])
	now := time.Now()
	s.writes = append(s.writes, simWrite{frame: frame, at: now})

	confirming := frame == s.lastFrame && isTwiceFrame(frame) && now.Sub(s.lastFrameAt) < 200*time.Millisecond
	s.lastFrame = frame
	s.lastFrameAt = now

	s.queue(rxTypeTxComplete, seq, frame, 0)
	var replies []uint8
	if !confirming {
		replies = s.apply(frame)
	}
	switch len(replies) {
	case 0:
		s.queue(rxTypeNAK, seq, 0, 0)
	case 1:
		s.queue(rxTypeResponse, seq, 0, replies[0])
	default:
		s.queue(rxTypeFramingError, seq, 0, 0)
	}
	return nil
}

// isTwiceFrame reports whether a frame belongs to the send-twice class.
func isTwiceFrame(frame uint16) bool {
	mid, low := uint8(frame>>8), uint8(frame)
	if isSpecialCommandByte(mid) {
		sc := SpecialCommandCode(mid)
		return sc == SpecialInitialise || sc == SpecialRandomise
	}
	if mid&0x01 == 0x01 {
		return CommandCode(low).configCommand()
	}
	return false
}

func (s *simAdapter) queue(typ, seq uint8, frame uint16, value uint8) {
	p := make([]byte, rxPacketLen)
	p[0] = uint8(SourceSelf)
	p[1] = typ
	p[4] = uint8(frame >> 8)
	p[5] = uint8(frame)
	if typ == rxTypeResponse {
		p[5] = value
	}
	p[8] = seq
	s.rx <- p
}

// injectExternal queues a snooped frame from another bus controller.
func (s *simAdapter) injectExternal(frame uint16) {
	p := make([]byte, rxPacketLen)
	p[0] = uint8(SourceExternal)
	p[1] = rxTypeBroadcastReceived
	p[4] = uint8(frame >> 8)
	p[5] = uint8(frame)
	s.rx <- p
}

// apply executes one forward frame against all gear and collects backward
// frame bytes.
func (s *simAdapter) apply(frame uint16) []uint8 {
	mid, low := uint8(frame>>8), uint8(frame)
	if isSpecialCommandByte(mid) {
		return s.applySpecial(SpecialCommandCode(mid), low)
	}
	var replies []uint8
	for _, g := range s.gear {
		if !g.matches(mid) {
			continue
		}
		if mid&0x01 == 0 {
			if low != 0xFF { // MASK = no change
				g.level = low
				if low > 0 {
					g.lastActive = low
				}
			}
			continue
		}
		if v, ok := g.command(CommandCode(low)); ok {
			replies = append(replies, v)
		}
	}
	return replies
}

func (s *simAdapter) applySpecial(code SpecialCommandCode, param uint8) []uint8 {
	var replies []uint8
	for _, g := range s.gear {
		switch code {
		case SpecialTerminate:
			g.initialised = false
			g.withdrawn = false
		case SpecialSetDTR0:
			g.dtr0 = param
		case SpecialSetDTR1:
			g.dtr1 = param
		case SpecialInitialise:
			switch {
			case param == InitialiseAll:
				g.initialised = true
			case param == InitialiseUnaddressed && g.short < 0:
				g.initialised = true
			}
			g.withdrawn = false
		case SpecialRandomise:
			if g.initialised && len(g.randomNext) > 0 {
				g.random = g.randomNext[0]
				g.randomNext = g.randomNext[1:]
			}
		case SpecialCompare:
			if g.initialised && !g.withdrawn && g.random <= s.search {
				replies = append(replies, 0xFF)
			}
		case SpecialWithdraw:
			if g.initialised && g.random == s.search {
				g.withdrawn = true
			}
		case SpecialSearchAddrH:
			s.search = s.search&0x00FFFF | uint32(param)<<16
		case SpecialSearchAddrM:
			s.search = s.search&0xFF00FF | uint32(param)<<8
		case SpecialSearchAddrL:
			s.search = s.search&0xFFFF00 | uint32(param)
		case SpecialProgramShortAddress:
			if g.initialised && !g.withdrawn && g.random == s.search {
				if param == 0xFF {
					g.short = -1
				} else {
					g.short = int16(param >> 1)
				}
			}
		case SpecialVerifyShortAddress:
			if g.initialised && g.short >= 0 && uint8(g.short) == param>>1 {
				replies = append(replies, 0xFF)
			}
		case SpecialQueryShortAddress:
			if g.initialised && !g.withdrawn && g.random == s.search && g.short >= 0 {
				replies = append(replies, uint8(g.short)<<1|0x01)
			}
		}
	}
	return replies
}

// command executes one addressed opcode on this gear; ok reports whether a
// backward frame is produced.
func (g *simGear) command(code CommandCode) (uint8, bool) {
	switch code {
	case CmdOff:
		if g.level > 0 {
			g.lastActive = g.level
		}
		g.level = 0
	case CmdGoToLastActiveLevel:
		g.level = g.lastActive
	case CmdRecallMaxLevel:
		g.level = g.maxLevel
	case CmdRecallMinLevel:
		g.level = g.minLevel
	case CmdSetShortAddress:
		if g.dtr0 == 0xFF {
			g.short = -1
		} else {
			g.short = int16(g.dtr0 >> 1)
		}
	case CmdQueryStatus:
		var st uint8
		if g.level > 0 {
			st |= 0x04
		}
		if g.short < 0 {
			st |= 0x40
		}
		return st, true
	case CmdQueryControlGearPresent:
		return 0xFF, true
	case CmdQueryDeviceType:
		return g.deviceType, true
	case CmdQueryActualLevel:
		return g.level, true
	case CmdQueryMinLevel:
		return g.minLevel, true
	case CmdQueryMaxLevel:
		return g.maxLevel, true
	case CmdQueryGroupsZeroToSeven:
		return uint8(g.groups), true
	case CmdQueryGroupsEightToFifteen:
		return uint8(g.groups >> 8), true
	case CmdQueryMissingShortAddress:
		if g.short < 0 {
			return 0xFF, true
		}
	case CmdReadMemoryLocation:
		if g.dtr1 == 0 && int(g.dtr0) < len(g.bank0) {
			v := g.bank0[g.dtr0]
			g.dtr0++
			return v, true
		}
	}
	return 0, false
}

func (s *simAdapter) Read(timeout time.Duration) ([]byte, error) {
	select {
	case p := <-s.rx:
		return p, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *simAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// writeCount returns how many times the given frame was transmitted.
func (s *simAdapter) writeCount(frame uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if w.frame == frame {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBus wires a transceiver to a simulated adapter with the settle delay
// shrunk so tests run fast.
func newTestBus(gear ...*simGear) (*Transceiver, *simAdapter) {
	sim := newSimAdapter(gear...)
	t := NewTransceiver(sim, testLogger())
	t.settle = time.Millisecond
	return t, sim
}
