package obd

import (
	"encoding/binary"
	"fmt"
)

// Command identifies one measurable quantity. The concrete type is either a
// StandardCommand or an ExtendedCommand; callers dispatch with a type switch.
type Command interface {
	// Name is the record key for this command. Unique within a Registry.
	Name() string
	// Request returns the bytes sent to the vehicle bus for this command.
	Request() []byte
	// ResponseLen is the number of data bytes expected after the header.
	ResponseLen() int

	isCommand()
}

// PID is the protocol-level handle for a standard mode 01 parameter.
// Decode turns the data bytes into a physical quantity.
type PID struct {
	Mode   byte
	Code   byte
	Bytes  int    // data bytes returned
	Unit   string // physical unit of the decoded magnitude
	Decode func(data []byte) float64
}

// StandardCommand is a protocol-defined PID that the ECU may or may not advertise.
type StandardCommand struct {
	name string
	PID  PID
}

// NewStandard creates a StandardCommand.
func NewStandard(name string, pid PID) StandardCommand {
	return StandardCommand{name: name, PID: pid}
}

func (c StandardCommand) Name() string     { return c.name }
func (c StandardCommand) Request() []byte  { return []byte{c.PID.Mode, c.PID.Code} }
func (c StandardCommand) ResponseLen() int { return c.PID.Bytes }
func (StandardCommand) isCommand()         {}

func (c StandardCommand) String() string {
	return fmt.Sprintf("%s(%02X%02X)", c.name, c.PID.Mode, c.PID.Code)
}

// ExtendedCommand is a manufacturer-specific request. Vendor PIDs are never
// advertised by the ECU, so they are always queried.
type ExtendedCommand struct {
	name     string
	Payload  []byte
	Length   int
	DecodeFn func(data []byte) float64
}

// NewExtended creates an ExtendedCommand with a fixed request payload,
// expected response length and decode function.
func NewExtended(name string, payload []byte, length int, decode func([]byte) float64) ExtendedCommand {
	p := make([]byte, len(payload))
	copy(p, payload)
	return ExtendedCommand{name: name, Payload: p, Length: length, DecodeFn: decode}
}

func (c ExtendedCommand) Name() string { return c.name }

func (c ExtendedCommand) Request() []byte {
	p := make([]byte, len(c.Payload))
	copy(p, c.Payload)
	return p
}

func (c ExtendedCommand) ResponseLen() int { return c.Length }
func (ExtendedCommand) isCommand()         {}

func (c ExtendedCommand) String() string {
	return fmt.Sprintf("%s(% X)", c.name, c.Payload)
}

// Standard mode 01 PIDs.
var (
	PIDEngineRPM = PID{Mode: 0x01, Code: 0x0C, Bytes: 2, Unit: "rpm", Decode: func(d []byte) float64 {
		return float64(binary.BigEndian.Uint16(d)) / 4
	}}
	PIDVehicleSpeed = PID{Mode: 0x01, Code: 0x0D, Bytes: 1, Unit: "kph", Decode: func(d []byte) float64 {
		return float64(d[0])
	}}
	PIDCoolantTemp = PID{Mode: 0x01, Code: 0x05, Bytes: 1, Unit: "degC", Decode: func(d []byte) float64 {
		return float64(d[0]) - 40
	}}
	PIDThrottlePos = PID{Mode: 0x01, Code: 0x11, Bytes: 1, Unit: "percent", Decode: percent}
	PIDFuelLevel   = PID{Mode: 0x01, Code: 0x2F, Bytes: 1, Unit: "percent", Decode: percent}
)

func percent(d []byte) float64 {
	return float64(d[0]) * 100 / 255
}

// DecodeFirstByte returns the first response byte as a number.
func DecodeFirstByte(d []byte) float64 {
	return float64(d[0])
}

// DecodeBigEndian interprets the whole response as an unsigned big-endian integer.
func DecodeBigEndian(d []byte) float64 {
	var v uint64
	for _, b := range d {
		v = v<<8 | uint64(b)
	}
	return float64(v)
}
