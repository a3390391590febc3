// Package status tracks the client sync lifecycle: from boot through
// conversation loading to live realtime delivery, with explicit
// degraded and reconnecting states.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rmonteiro98/papo/internal/bus"
)

// State represents a client runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Idle         State = "IDLE"    // no conversation selected
	Loading      State = "LOADING" // history fetch in flight
	Live         State = "LIVE"    // subscription established
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED" // optional feature unavailable
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Idle, Degraded, Error},
	Idle:         {Loading, Degraded, Error},
	Loading:      {Loading, Live, Idle, Reconnecting, Degraded, Error},
	Live:         {Loading, Idle, Reconnecting, Degraded, Error},
	Reconnecting: {Loading, Live, Degraded, Error},
	Degraded:     {Idle, Loading, Live, Reconnecting, Error},
	Error:        {Booting},
}

// Machine tracks and enforces client state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
