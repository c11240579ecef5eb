package obd

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// Record maps command name to value for one tick. It always holds exactly
// one entry per registered command.
type Record map[string]float64

// Observer receives per-tick sampling outcomes. Implementations must not block.
type Observer interface {
	Sampled(rec Record, state State)
	QueryFailed(command string, err error)
	Unsupported(command string)
}

// Sampler polls every registered command once per tick.
type Sampler struct {
	registry *Registry
	handle   *Handle
	observer Observer
}

// NewSampler creates a Sampler. observer may be nil.
func NewSampler(reg *Registry, h *Handle, observer Observer) *Sampler {
	return &Sampler{registry: reg, handle: h, observer: observer}
}

// Registry returns the registry being sampled.
func (s *Sampler) Registry() *Registry { return s.registry }

// Handle returns the adapter handle being sampled.
func (s *Sampler) Handle() *Handle { return s.handle }

// Sample produces the record for one tick. With no live adapter every value
// is zero. Otherwise each command is queried independently and any failure
// leaves that command at zero.
func (s *Sampler) Sample() Record {
	state := s.handle.State()
	rec := s.registry.ZeroRecord()
	if state != Connected {
		s.sampled(rec, state)
		return rec
	}

	for _, cmd := range s.registry.standard {
		if !s.handle.Supports(cmd) {
			if s.observer != nil {
				s.observer.Unsupported(cmd.Name())
			}
			continue
		}
		rec[cmd.Name()] = s.query(cmd)
	}
	for _, cmd := range s.registry.extended {
		rec[cmd.Name()] = s.query(cmd)
	}

	s.sampled(rec, state)
	return rec
}

func (s *Sampler) query(cmd Command) float64 {
	q, err := s.handle.Query(cmd)
	switch {
	case err != nil:
		log.WithFields(log.Fields{"command": cmd.Name(), "err": err}).Debug("query failed")
		if s.observer != nil {
			s.observer.QueryFailed(cmd.Name(), err)
		}
		return 0
	case q == nil:
		return 0
	case math.IsNaN(q.Magnitude) || math.IsInf(q.Magnitude, 0):
		// not representable in the JSON payload
		if s.observer != nil {
			s.observer.QueryFailed(cmd.Name(), &QueryError{Command: cmd.Name(), Err: ErrDecode})
		}
		return 0
	}
	return q.Magnitude
}

func (s *Sampler) sampled(rec Record, state State) {
	if s.observer != nil {
		s.observer.Sampled(rec, state)
	}
}
