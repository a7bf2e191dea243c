package dali

import (
	"fmt"
	"time"
)

// Source tells whether a frame was transmitted by this controller or by
// another controller on the bus.
type Source uint8

const (
	SourceExternal Source = 0x11
	SourceSelf     Source = 0x12
)

func (s Source) String() string {
	if s == SourceSelf {
		return "self"
	}
	return "external"
}

// MessageKind discriminates decoded bus traffic.
type MessageKind uint8

const (
	// MsgResponse is a backward frame (single byte) answering a command.
	MsgResponse MessageKind = iota
	// MsgNoReply is the adapter's indication that the backward frame window
	// elapsed without a reply.
	MsgNoReply
	// MsgDirectArcPower is a snooped direct arc power (level) frame.
	MsgDirectArcPower
	// MsgCommand is a snooped addressed command frame.
	MsgCommand
	// MsgSpecial is a snooped special (addressing) command frame.
	MsgSpecial
	// MsgBadFrame is a framing error, usually two devices answering at once.
	MsgBadFrame
)

// Message is one decoded frame observed on the bus, solicited or not.
// Listeners receive a read-only copy together with its receive timestamp.
type Message struct {
	Kind    MessageKind
	Source  Source
	Seq     uint8
	Time    time.Time
	Addr    Address            // MsgDirectArcPower, MsgCommand
	Opcode  CommandCode        // MsgCommand
	Special SpecialCommandCode // MsgSpecial
	Value   uint8              // response byte, arc power level, or special operand
}

func (m Message) String() string {
	switch m.Kind {
	case MsgResponse:
		return fmt.Sprintf("%s response < 0x%02X", m.Source, m.Value)
	case MsgNoReply:
		return fmt.Sprintf("%s no reply", m.Source)
	case MsgDirectArcPower:
		return fmt.Sprintf("%s DAPC(%s, %d)", m.Source, m.Addr, m.Value)
	case MsgCommand:
		return fmt.Sprintf("%s cmd %s 0x%02X", m.Source, m.Addr, uint8(m.Opcode))
	case MsgSpecial:
		return fmt.Sprintf("%s special 0x%02X(0x%02X)", m.Source, uint8(m.Special), m.Value)
	default:
		return fmt.Sprintf("%s bad frame", m.Source)
	}
}

// AffectsGear reports whether the message changes gear state at the given
// short address / group membership. Queries and backward traffic do not.
func (m Message) AffectsGear(short uint8, groups uint16) bool {
	switch m.Kind {
	case MsgDirectArcPower:
		return m.Addr.Matches(short, groups)
	case MsgCommand:
		return !m.Opcode.IsQuery() && m.Addr.Matches(short, groups)
	default:
		return false
	}
}
