package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// State is the service-wide operating mode. Heartbeats, publishing and
// command consumption all consult it before doing work.
type State string

const (
	StateInitializing       State = "INITIALIZING"
	StateRunning            State = "RUNNING"
	StateDBReconnecting     State = "DB_RECONNECTING"
	StateBrokerReconnecting State = "RABBITMQ_RECONNECTING"
	StateConfigurationError State = "CONFIGURATION_ERROR"
	StateReconfiguring      State = "RECONFIGURING"
	StateStopped            State = "STOPPED"
)

const historyLimit = 50

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

var validTransitions = map[State][]State{
	StateInitializing:       {StateRunning, StateDBReconnecting, StateBrokerReconnecting, StateConfigurationError, StateStopped},
	StateRunning:            {StateDBReconnecting, StateBrokerReconnecting, StateConfigurationError, StateReconfiguring, StateStopped},
	StateDBReconnecting:     {StateRunning, StateBrokerReconnecting, StateConfigurationError, StateStopped},
	StateBrokerReconnecting: {StateRunning, StateDBReconnecting, StateConfigurationError, StateStopped},
	StateConfigurationError: {StateReconfiguring, StateStopped},
	StateReconfiguring:      {StateRunning, StateConfigurationError, StateStopped},
	StateStopped:            {},
}

// StateManager serializes all state changes and keeps a bounded history so
// the ops endpoint can show how the service got where it is.
type StateManager struct {
	mu        sync.RWMutex
	current   State
	history   []Transition
	listeners []func(Transition)
}

func NewStateManager() *StateManager {
	return &StateManager{current: StateInitializing}
}

func (m *StateManager) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Set moves to a new state, rejecting transitions the machine does not allow.
// Setting the current state again is a no-op.
func (m *StateManager) Set(to State, reason string) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}

	t := Transition{From: from, To: to, Reason: reason, At: time.Now().UTC()}
	m.current = to
	m.history = append(m.history, t)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	listeners := make([]func(Transition), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	return nil
}

// SetConfigurationError is the one forced transition: a venue rejection must
// stick no matter what the service was doing.
func (m *StateManager) SetConfigurationError(reason string) {
	m.mu.Lock()
	from := m.current
	if from == StateConfigurationError || from == StateStopped {
		m.mu.Unlock()
		return
	}
	t := Transition{From: from, To: StateConfigurationError, Reason: reason, At: time.Now().UTC()}
	m.current = StateConfigurationError
	m.history = append(m.history, t)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	listeners := make([]func(Transition), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// StartReconfiguration enters RECONFIGURING. Valid both from RUNNING (an
// operator-initiated venue move) and from CONFIGURATION_ERROR (recovery after
// the cloud revoked the venue).
func (m *StateManager) StartReconfiguration(reason string) error {
	return m.Set(StateReconfiguring, reason)
}

// CompleteReconfiguration leaves RECONFIGURING: back to RUNNING on success,
// back to CONFIGURATION_ERROR otherwise.
func (m *StateManager) CompleteReconfiguration(success bool, reason string) error {
	if success {
		return m.Set(StateRunning, reason)
	}
	m.SetConfigurationError(reason)
	return nil
}

// OnTransition registers a listener invoked after every state change.
func (m *StateManager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// History returns a copy of the recorded transitions, oldest first.
func (m *StateManager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanSendHeartbeats reports whether the heartbeat loop should emit. Only a
// fully running service heartbeats; a silent bridge is how the cloud side
// notices trouble.
func (m *StateManager) CanSendHeartbeats() bool {
	return m.Current() == StateRunning
}

// IsOperational reports whether commands may be applied to the POS.
func (m *StateManager) IsOperational() bool {
	return m.Current() == StateRunning
}
