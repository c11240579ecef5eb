package obd

import (
	"fmt"

	"github.com/pkg/errors"
)

// Adapter is the interface that all diagnostic interface backends implement.
// The ELM327 serial adapter is the hardware implementation; Simulator is used
// for development without a vehicle.
type Adapter interface {
	// Name returns the human-readable name of this adapter.
	Name() string
	// Connect opens the transport and verifies communication.
	Connect() error
	// Close shuts the transport down.
	Close() error
	// IsConnected is a cheap liveness check.
	IsConnected() bool
	// Supports reports whether the ECU advertises a standard PID.
	Supports(cmd StandardCommand) bool
	// Query sends the command and decodes the response. A nil quantity with a
	// nil error means the adapter answered but had no value.
	Query(cmd Command) (*Quantity, error)
}

// Quantity is a decoded magnitude with its physical unit.
// Extended commands yield a plain number with an empty unit.
type Quantity struct {
	Magnitude float64
	Unit      string
}

func (q Quantity) String() string {
	if q.Unit == "" {
		return fmt.Sprintf("%g", q.Magnitude)
	}
	return fmt.Sprintf("%g %s", q.Magnitude, q.Unit)
}

// Query failure kinds.
var (
	ErrNotConnected   = errors.New("adapter not connected")
	ErrTimeout        = errors.New("timeout")
	ErrNoData         = errors.New("no data")
	ErrMalformed      = errors.New("malformed response")
	ErrLengthMismatch = errors.New("response length mismatch")
	ErrDecode         = errors.New("decode failed")
)

// QueryError reports a failed query for one command.
type QueryError struct {
	Command string
	Err     error
}

func (e *QueryError) Error() string { return e.Command + ": " + e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }

// State is the connectivity state of an adapter handle.
type State int

const (
	NeverAttempted State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "never-attempted"
	}
}

// MarshalText lets State appear as a string in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connected":
		*s = Connected
	case "disconnected":
		*s = Disconnected
	case "never-attempted":
		*s = NeverAttempted
	default:
		return errors.Errorf("unknown adapter state %q", b)
	}
	return nil
}
