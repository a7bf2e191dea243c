package dali

import "fmt"

// CommandCode is a standard addressed control gear command opcode
// (IEC 62386-102).
type CommandCode uint8

const (
	CmdOff                        CommandCode = 0x00
	CmdUp                         CommandCode = 0x01
	CmdDown                       CommandCode = 0x02
	CmdStepUp                     CommandCode = 0x03
	CmdStepDown                   CommandCode = 0x04
	CmdRecallMaxLevel             CommandCode = 0x05
	CmdRecallMinLevel             CommandCode = 0x06
	CmdStepDownAndOff             CommandCode = 0x07
	CmdOnAndStepUp                CommandCode = 0x08
	CmdEnableDAPCSequence         CommandCode = 0x09
	CmdGoToLastActiveLevel        CommandCode = 0x0A
	CmdContinuousUp               CommandCode = 0x0B
	CmdContinuousDown             CommandCode = 0x0C
	CmdGoToScene                  CommandCode = 0x10
	CmdReset                      CommandCode = 0x20
	CmdStoreActualLevelInDTR0     CommandCode = 0x21
	CmdSavePersistentVariables    CommandCode = 0x22
	CmdSetOperatingMode           CommandCode = 0x23
	CmdResetMemoryBank            CommandCode = 0x24
	CmdIdentifyDevice             CommandCode = 0x25
	CmdSetMaxLevel                CommandCode = 0x2A
	CmdSetMinLevel                CommandCode = 0x2B
	CmdSetSystemFailureLevel      CommandCode = 0x2C
	CmdSetPowerOnLevel            CommandCode = 0x2D
	CmdSetFadeTime                CommandCode = 0x2E
	CmdSetFadeRate                CommandCode = 0x2F
	CmdSetExtendedFadeTime        CommandCode = 0x30
	CmdSetScene                   CommandCode = 0x40
	CmdRemoveFromScene            CommandCode = 0x50
	CmdAddToGroup                 CommandCode = 0x60
	CmdRemoveFromGroup            CommandCode = 0x70
	CmdSetShortAddress            CommandCode = 0x80
	CmdEnableWriteMemory          CommandCode = 0x81
	CmdQueryStatus                CommandCode = 0x90
	CmdQueryControlGearPresent    CommandCode = 0x91
	CmdQueryLampFailure           CommandCode = 0x92
	CmdQueryLampPowerOn           CommandCode = 0x93
	CmdQueryLimitError            CommandCode = 0x94
	CmdQueryResetState            CommandCode = 0x95
	CmdQueryMissingShortAddress   CommandCode = 0x96
	CmdQueryVersionNumber         CommandCode = 0x97
	CmdQueryContentDTR0           CommandCode = 0x98
	CmdQueryDeviceType            CommandCode = 0x99
	CmdQueryPhysicalMinimum       CommandCode = 0x9A
	CmdQueryPowerFailure          CommandCode = 0x9B
	CmdQueryContentDTR1           CommandCode = 0x9C
	CmdQueryContentDTR2           CommandCode = 0x9D
	CmdQueryOperatingMode         CommandCode = 0x9E
	CmdQueryLightSourceType       CommandCode = 0x9F
	CmdQueryActualLevel           CommandCode = 0xA0
	CmdQueryMaxLevel              CommandCode = 0xA1
	CmdQueryMinLevel              CommandCode = 0xA2
	CmdQueryPowerOnLevel          CommandCode = 0xA3
	CmdQuerySystemFailureLevel    CommandCode = 0xA4
	CmdQueryFadeTimeFadeRate      CommandCode = 0xA5
	CmdQueryManufacturerMode      CommandCode = 0xA6
	CmdQueryNextDeviceType        CommandCode = 0xA7
	CmdQueryExtendedFadeTime      CommandCode = 0xA8
	CmdQueryControlGearFailure    CommandCode = 0xAA
	CmdQuerySceneLevel            CommandCode = 0xB0
	CmdQueryGroupsZeroToSeven     CommandCode = 0xC0
	CmdQueryGroupsEightToFifteen  CommandCode = 0xC1
	CmdQueryRandomAddressH        CommandCode = 0xC2
	CmdQueryRandomAddressM        CommandCode = 0xC3
	CmdQueryRandomAddressL        CommandCode = 0xC4
	CmdReadMemoryLocation         CommandCode = 0xC5
)

// SpecialCommandCode is a special command opcode carried in the address byte
// of a 16-bit forward frame (IEC 62386-102 addressing commands).
type SpecialCommandCode uint8

const (
	SpecialTerminate            SpecialCommandCode = 0xA1
	SpecialSetDTR0              SpecialCommandCode = 0xA3
	SpecialInitialise           SpecialCommandCode = 0xA5
	SpecialRandomise            SpecialCommandCode = 0xA7
	SpecialCompare              SpecialCommandCode = 0xA9
	SpecialWithdraw             SpecialCommandCode = 0xAB
	SpecialPing                 SpecialCommandCode = 0xAD
	SpecialSearchAddrH          SpecialCommandCode = 0xB1
	SpecialSearchAddrM          SpecialCommandCode = 0xB3
	SpecialSearchAddrL          SpecialCommandCode = 0xB5
	SpecialProgramShortAddress  SpecialCommandCode = 0xB7
	SpecialVerifyShortAddress   SpecialCommandCode = 0xB9
	SpecialQueryShortAddress    SpecialCommandCode = 0xBB
	SpecialEnableDeviceType     SpecialCommandCode = 0xC1
	SpecialSetDTR1              SpecialCommandCode = 0xC3
	SpecialSetDTR2              SpecialCommandCode = 0xC5
	SpecialWriteMemoryLocation  SpecialCommandCode = 0xC7
	SpecialWriteMemoryNoReply   SpecialCommandCode = 0xC9
)

// INITIALISE operand selecting which devices enter addressing mode.
const (
	InitialiseAll         uint8 = 0x00
	InitialiseUnaddressed uint8 = 0xFF
)

// ReplyClass describes what a command expects back.
type ReplyClass uint8

const (
	// ReplyNone: the command never produces a backward frame; absence of a
	// reply is the normal outcome.
	ReplyNone ReplyClass = iota
	// ReplyOptional: a reply may or may not arrive and both are valid
	// answers (e.g. COMPARE, yes/no queries used as presence probes).
	ReplyOptional
	// ReplyRequired: the command must be answered; no reply is an error.
	ReplyRequired
)

// Command is one logical forward frame with its dispatch metadata. Commands
// are immutable once constructed; the constructors below are the only way to
// build one, so metadata is checked at construction time.
type Command struct {
	frame uint32 // right-aligned frame data
	bits  uint8  // 16 or 24
	reply ReplyClass
	twice bool // repeat-required: must be transmitted twice to take effect
	name  string
}

// Frame returns the right-aligned frame data.
func (c Command) Frame() uint32 { return c.frame }

// Bits returns the frame width in bits.
func (c Command) Bits() uint8 { return c.bits }

// Reply returns the command's reply class.
func (c Command) Reply() ReplyClass { return c.reply }

// RepeatRequired reports whether the frame must be sent twice.
func (c Command) RepeatRequired() bool { return c.twice }

func (c Command) String() string { return c.name }

// IsQuery reports whether an opcode is a query (read) command. Every opcode
// at or above QUERY STATUS in the -102 table reads state back.
func (c CommandCode) IsQuery() bool {
	return c >= CmdQueryStatus
}

// configCommand reports whether an opcode belongs to the configuration block
// that the standard requires to be transmitted twice within 100 ms.
func (c CommandCode) configCommand() bool {
	return c >= CmdReset && c <= CmdSetShortAddress
}

// DirectArcPower builds a direct arc power control frame (set level 0-254,
// 255 = MASK/no change). Expects no reply.
func DirectArcPower(addr Address, level uint8) Command {
	return Command{
		frame: uint32(addr.code())<<8 | uint32(level),
		bits:  16,
		reply: ReplyNone,
		name:  fmt.Sprintf("DAPC(%s, %d)", addr, level),
	}
}

// Cmd builds an addressed command frame. Reply class and repeat behaviour
// follow the opcode table: queries require an answer, configuration commands
// are sent twice, everything else expects no reply.
func Cmd(addr Address, code CommandCode) Command {
	c := Command{
		frame: uint32(addr.code()|0x01)<<8 | uint32(code),
		bits:  16,
		name:  fmt.Sprintf("%s(0x%02X)", addr, uint8(code)),
	}
	switch {
	case code.IsQuery():
		c.reply = ReplyRequired
	case code.configCommand():
		c.twice = true
	}
	return c
}

// Probe builds an addressed query whose absence of reply is a valid answer
// (presence detection, yes/no queries).
func Probe(addr Address, code CommandCode) Command {
	c := Cmd(addr, code)
	c.reply = ReplyOptional
	return c
}

// Special builds a special command frame with the given parameter byte.
func Special(code SpecialCommandCode, param uint8) Command {
	c := Command{
		frame: uint32(code)<<8 | uint32(param),
		bits:  16,
		name:  fmt.Sprintf("special 0x%02X(0x%02X)", uint8(code), param),
	}
	switch code {
	case SpecialCompare, SpecialVerifyShortAddress, SpecialPing:
		c.reply = ReplyOptional
	case SpecialQueryShortAddress:
		c.reply = ReplyRequired
	case SpecialInitialise, SpecialRandomise:
		c.twice = true
	case SpecialWriteMemoryLocation:
		c.reply = ReplyRequired
	}
	return c
}
