package orchestrator

import "sync"

// State is a service's position in its lifecycle (spec §4.3):
//
//	Registered -> Starting -> Running -> (Unhealthy <-> Running) -> Stopping -> Stopped
//	            \-> Failed{reason}  (reachable from any non-terminal state)
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// terminal reports whether a service in this state can still transition.
func (s State) terminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions enumerates the edges the machine accepts, excluding the
// any-state-to-Failed edge which every non-terminal state allows.
var validTransitions = map[State][]State{
	StateRegistered: {StateStarting},
	StateStarting:   {StateRunning, StateStopping},
	StateRunning:    {StateUnhealthy, StateStopping},
	StateUnhealthy:  {StateRunning, StateStopping},
	StateStopping:   {StateStopped},
}

// Machine is a thread-safe guard over one service's State, used by the
// orchestrator to reject transitions that violate the lifecycle and to
// notify subscribers (the registry, health monitor callbacks) of changes.
type Machine struct {
	mu     sync.Mutex
	state  State
	reason string

	// OnTransition, if set, is called with (from, to) after every accepted
	// transition, while the lock is not held.
	OnTransition func(from, to State)
}

// NewMachine starts a Machine in StateRegistered.
func NewMachine() *Machine {
	return &Machine{state: StateRegistered}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FailureReason returns the reason recorded by the transition into Failed,
// or "" if the service never failed.
func (m *Machine) FailureReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Transition attempts to move the machine to `to`. It returns false without
// changing state if the edge isn't allowed from the current state.
func (m *Machine) Transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if !m.allowed(from, to) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	if m.OnTransition != nil {
		m.OnTransition(from, to)
	}
	return true
}

// Fail forces a transition to Failed with the given reason, valid from any
// non-terminal state.
func (m *Machine) Fail(reason string) bool {
	m.mu.Lock()
	from := m.state
	if from.terminal() {
		m.mu.Unlock()
		return false
	}
	m.state = StateFailed
	m.reason = reason
	m.mu.Unlock()

	if m.OnTransition != nil {
		m.OnTransition(from, StateFailed)
	}
	return true
}

func (m *Machine) allowed(from, to State) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
