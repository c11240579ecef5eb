package obd

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Registry is the fixed set of commands polled every tick.
// It is immutable once built.
type Registry struct {
	standard []StandardCommand
	extended []ExtendedCommand
	names    []string
}

// NewRegistry validates the command sets and builds a Registry.
// Names must be non-empty and unique across both sets.
func NewRegistry(standard []StandardCommand, extended []ExtendedCommand) (*Registry, error) {
	seen := make(map[string]struct{}, len(standard)+len(extended))
	r := &Registry{}

	add := func(name string) error {
		if name == "" {
			return errors.New("registry: empty command name")
		}
		if _, dup := seen[name]; dup {
			return errors.Errorf("registry: duplicate command name %q", name)
		}
		seen[name] = struct{}{}
		r.names = append(r.names, name)
		return nil
	}

	for _, c := range standard {
		if c.PID.Decode == nil || c.PID.Bytes <= 0 {
			return nil, errors.Errorf("registry: standard command %q has no decoder", c.Name())
		}
		if err := add(c.Name()); err != nil {
			return nil, err
		}
		r.standard = append(r.standard, c)
	}
	for _, c := range extended {
		switch {
		case len(c.Payload) == 0:
			return nil, errors.Errorf("registry: extended command %q has an empty request", c.Name())
		case c.Length <= 0:
			return nil, errors.Errorf("registry: extended command %q has response length %d", c.Name(), c.Length)
		case c.DecodeFn == nil:
			return nil, errors.Errorf("registry: extended command %q has no decode function", c.Name())
		}
		if err := add(c.Name()); err != nil {
			return nil, err
		}
		r.extended = append(r.extended, NewExtended(c.name, c.Payload, c.Length, c.DecodeFn))
	}
	return r, nil
}

// DefaultStandard returns the standard command set.
func DefaultStandard() []StandardCommand {
	return []StandardCommand{
		NewStandard("RPM", PIDEngineRPM),
		NewStandard("SPEED", PIDVehicleSpeed),
		NewStandard("COOLANT_TEMP", PIDCoolantTemp),
		NewStandard("THROTTLE_POS", PIDThrottlePos),
		NewStandard("FUEL_LEVEL", PIDFuelLevel),
	}
}

// DefaultExtended returns the vendor command set.
func DefaultExtended() []ExtendedCommand {
	return []ExtendedCommand{
		NewExtended("GEAR", []byte{0x22, 0xF1, 0x90}, 1, DecodeFirstByte),
		NewExtended("TURBO", []byte{0x22, 0xF1, 0x92}, 2, DecodeBigEndian),
	}
}

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultStandard(), DefaultExtended())
	if err != nil {
		panic(err)
	}
	return r
}

// Standard returns a copy of the standard commands in registration order.
func (r *Registry) Standard() []StandardCommand {
	return append([]StandardCommand(nil), r.standard...)
}

// Extended returns a copy of the extended commands in registration order.
func (r *Registry) Extended() []ExtendedCommand {
	out := make([]ExtendedCommand, len(r.extended))
	for i, c := range r.extended {
		out[i] = NewExtended(c.name, c.Payload, c.Length, c.DecodeFn)
	}
	return out
}

// Names returns every command name, standard first.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of registered commands.
func (r *Registry) Len() int { return len(r.names) }

// ZeroRecord returns a record with every registered name set to 0.
func (r *Registry) ZeroRecord() Record {
	rec := make(Record, len(r.names))
	for _, n := range r.names {
		rec[n] = 0
	}
	return rec
}

// Decoder returns a decode function for a vendor PID declared in config.
// The decoded raw integer is mapped to raw*scale + offset; a zero scale means 1.
func Decoder(kind string, scale, offset float64) (func([]byte) float64, int, error) {
	if scale == 0 {
		scale = 1
	}
	var (
		raw  func([]byte) float64
		size int
	)
	switch kind {
	case "u8":
		raw, size = DecodeFirstByte, 1
	case "s8":
		raw, size = func(d []byte) float64 { return float64(int8(d[0])) }, 1
	case "u16be":
		raw, size = func(d []byte) float64 { return float64(binary.BigEndian.Uint16(d)) }, 2
	case "s16be":
		raw, size = func(d []byte) float64 { return float64(int16(binary.BigEndian.Uint16(d))) }, 2
	case "u32be":
		raw, size = func(d []byte) float64 { return float64(binary.BigEndian.Uint32(d)) }, 4
	default:
		return nil, 0, errors.Errorf("unknown decoder %q", kind)
	}
	return func(d []byte) float64 { return raw(d)*scale + offset }, size, nil
}
