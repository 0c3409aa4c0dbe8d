// Package status tracks the connection state of one transport channel.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/skillmart/chatsync/internal/bus"
)

// State represents a channel connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions. A detected drop takes
// Connected back to Connecting; Disconnected is only reached deliberately.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Connecting, Disconnected},
}

// Machine tracks and enforces the connection state of a named channel.
type Machine struct {
	mu      sync.RWMutex
	channel string
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine for the given channel, starting Disconnected.
func NewMachine(channel string, b *bus.Bus) *Machine {
	return &Machine{
		channel: channel,
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("channel %s: invalid transition from %s to %s", m.channel, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.At("transport.status_changed", Change{
			Channel: m.channel,
			From:    from,
			To:      to,
		}))
	}
	return nil
}

// Change is the payload for status change events.
type Change struct {
	Channel string
	From    State
	To      State
}
