package obd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

// Handle owns one adapter and its connectivity state. It is not safe for
// concurrent use; the broadcast loop is its only caller.
type Handle struct {
	adapter Adapter
	state   State

	// reconnect backoff
	delay time.Duration
	next  time.Time
	now   func() time.Time
}

// NewHandle wraps an adapter. A nil adapter yields a handle that is never
// connected, which keeps the sampler in demo mode.
func NewHandle(a Adapter) *Handle {
	return &Handle{
		adapter: a,
		state:   NeverAttempted,
		delay:   reconnectMin,
		now:     time.Now,
	}
}

// Name returns the adapter name, or "none".
func (h *Handle) Name() string {
	if h.adapter == nil {
		return "none"
	}
	return h.adapter.Name()
}

// Connect attempts to bring the adapter up. Failure is logged and recorded,
// never returned: absence of hardware is a normal operating condition.
func (h *Handle) Connect() bool {
	if h.adapter == nil {
		h.state = Disconnected
		return false
	}
	err := protect(h.adapter.Connect)
	if err == nil && !h.adapter.IsConnected() {
		err = ErrNotConnected
	}
	if err != nil {
		h.state = Disconnected
		h.next = h.now().Add(h.delay)
		log.WithFields(log.Fields{"adapter": h.adapter.Name(), "err": err, "retryIn": h.delay}).
			Warn("adapter connect failed")
		h.delay *= 2
		if h.delay > reconnectMax {
			h.delay = reconnectMax
		}
		return false
	}
	h.state = Connected
	h.delay = reconnectMin
	h.next = time.Time{}
	return true
}

// State re-checks liveness. A connected handle whose adapter dropped
// degrades to Disconnected.
func (h *Handle) State() State {
	if h.state == Connected && !h.adapter.IsConnected() {
		log.WithField("adapter", h.adapter.Name()).Warn("adapter lost connection")
		h.state = Disconnected
		h.next = h.now().Add(h.delay)
	}
	return h.state
}

// MaybeReconnect tries to reconnect a disconnected adapter once its backoff
// has elapsed. Returns true if the adapter is connected afterwards.
func (h *Handle) MaybeReconnect() bool {
	if h.adapter == nil {
		return false
	}
	if h.State() == Connected {
		return true
	}
	if h.now().Before(h.next) {
		return false
	}
	if err := h.adapter.Close(); err != nil {
		log.WithField("err", err).Debug("adapter close before reconnect")
	}
	if h.Connect() {
		log.WithField("adapter", h.adapter.Name()).Info("adapter reconnected")
		return true
	}
	return false
}

// Supports asks the adapter whether a standard PID is advertised.
// A panicking or absent adapter answers false.
func (h *Handle) Supports(cmd StandardCommand) (ok bool) {
	if h.adapter == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return h.adapter.Supports(cmd)
}

// Query runs one command against the adapter. Every failure, including a
// panicking decode function, comes back as a *QueryError.
func (h *Handle) Query(cmd Command) (q *Quantity, err error) {
	if h.adapter == nil || h.state != Connected {
		return nil, &QueryError{Command: cmd.Name(), Err: ErrNotConnected}
	}
	defer func() {
		if r := recover(); r != nil {
			q = nil
			err = &QueryError{Command: cmd.Name(), Err: errors.Wrapf(ErrDecode, "%v", r)}
		}
	}()
	q, err = h.adapter.Query(cmd)
	if err != nil {
		var qe *QueryError
		if !errors.As(err, &qe) {
			err = &QueryError{Command: cmd.Name(), Err: err}
		}
		return nil, err
	}
	return q, nil
}

// Close releases the adapter.
func (h *Handle) Close() error {
	if h.adapter == nil {
		return nil
	}
	h.state = Disconnected
	return h.adapter.Close()
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
