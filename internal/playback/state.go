package playback

import (
	"fmt"
	"sync/atomic"
)

// State is the playback episode lifecycle.
//
//	Idle → Receiving → Playing → Draining → Complete → Idle
//
// Receiving may also move straight to Draining when the end of the stream
// arrives before playback started. Any active state may jump to Complete on
// failure. Complete is left only through an explicit reset.
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StatePlaying
	StateDraining
	StateComplete
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state name for JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether s belongs to an in-flight episode.
func (s State) Active() bool {
	return s == StateReceiving || s == StatePlaying || s == StateDraining
}

// StateMachine holds the shared episode state. The network receiver and the
// playback task both drive it; every transition is a compare-and-swap so
// concurrent writers never skip a state.
type StateMachine struct {
	v atomic.Int32
}

// Load returns the current state.
func (m *StateMachine) Load() State { return State(m.v.Load()) }

func (m *StateMachine) cas(from, to State) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// Begin moves Idle → Receiving.
func (m *StateMachine) Begin() bool { return m.cas(StateIdle, StateReceiving) }

// StartPlaying moves Receiving → Playing. It fails harmlessly if the stream
// already ended and the state is Draining.
func (m *StateMachine) StartPlaying() bool { return m.cas(StateReceiving, StatePlaying) }

// End moves Receiving or Playing → Draining.
func (m *StateMachine) End() bool {
	for {
		cur := m.Load()
		if cur != StateReceiving && cur != StatePlaying {
			return false
		}
		if m.cas(cur, StateDraining) {
			return true
		}
	}
}

// Complete moves any active state → Complete.
func (m *StateMachine) Complete() bool {
	for {
		cur := m.Load()
		if !cur.Active() {
			return false
		}
		if m.cas(cur, StateComplete) {
			return true
		}
	}
}

// Reset moves Complete → Idle.
func (m *StateMachine) Reset() bool { return m.cas(StateComplete, StateIdle) }
