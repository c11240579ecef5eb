package obd

import (
	"math"
	"math/rand"
	"sync"
)

// Simulator generates synthetic telemetry for development and testing
// without a vehicle. It behaves like a healthy, connected adapter.
type Simulator struct {
	mu      sync.Mutex
	running bool
	t       float64 // virtual time accumulator
	fuel    float64
}

// NewSimulator creates a simulator with a part-full tank.
func NewSimulator() *Simulator {
	return &Simulator{fuel: 68}
}

// Name returns the adapter name.
func (s *Simulator) Name() string { return "Simulator" }

// Connect starts the simulated engine. It never fails.
func (s *Simulator) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

// Close stops the simulated engine.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// IsConnected reports whether the engine is running.
func (s *Simulator) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Supports reports every standard PID as available.
func (s *Simulator) Supports(StandardCommand) bool { return true }

// Query returns a value consistent with the simulated engine state. Time
// advances on the RPM query, so one tick sees one coherent snapshot.
// Unknown extended commands answer with no value.
func (s *Simulator) Query(cmd Command) (*Quantity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, &QueryError{Command: cmd.Name(), Err: ErrNotConnected}
	}

	switch c := cmd.(type) {
	case StandardCommand:
		if c.PID.Code == PIDEngineRPM.Code {
			s.t += 0.5
		}
		return &Quantity{Magnitude: s.standard(c.PID.Code), Unit: c.PID.Unit}, nil
	case ExtendedCommand:
		switch c.Name() {
		case "GEAR":
			return &Quantity{Magnitude: float64(gearFor(s.speed()))}, nil
		case "TURBO":
			// absolute manifold pressure, kPa
			return &Quantity{Magnitude: math.Round(100 + s.throttle()*1.1)}, nil
		}
	}
	return nil, nil
}

func (s *Simulator) throttle() float64 {
	// idle to full and back
	tps := 100 * math.Sin(s.t*0.15) * math.Sin(s.t*0.15)
	return math.Max(0, math.Min(100, tps))
}

func (s *Simulator) rpm() float64 {
	return 850 + s.throttle()/100*5500 + rand.Float64()*40
}

func (s *Simulator) speed() float64 {
	return math.Round(s.throttle() / 100 * 180)
}

func (s *Simulator) standard(code byte) float64 {
	switch code {
	case PIDEngineRPM.Code:
		return math.Round(s.rpm())
	case PIDVehicleSpeed.Code:
		return s.speed()
	case PIDCoolantTemp.Code:
		// warm-up curve to operating temperature
		return math.Round(math.Min(90, 20+s.t*0.5) + rand.Float64()*2)
	case PIDThrottlePos.Code:
		return math.Round(s.throttle()*10) / 10
	case PIDFuelLevel.Code:
		s.fuel = math.Max(5, s.fuel-0.001)
		return math.Round(s.fuel*10) / 10
	}
	return 0
}

func gearFor(speed float64) int {
	switch {
	case speed > 150:
		return 6
	case speed > 110:
		return 5
	case speed > 80:
		return 4
	case speed > 50:
		return 3
	case speed > 20:
		return 2
	case speed > 3:
		return 1
	}
	return 0
}
