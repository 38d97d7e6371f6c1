// Package supervisor owns the lifecycle of one external server process:
// spawn, readiness, monitoring, and termination.
package supervisor

// State represents the lifecycle state of a supervised process.
type State int

const (
	// StateUnstarted is the initial state before Start is called.
	StateUnstarted State = iota

	// StateStarting indicates the process is spawned but not yet ready.
	StateStarting

	// StateReady indicates the readiness condition was met.
	StateReady

	// StateStopped indicates the process was terminated on request.
	StateStopped

	// StateCrashed indicates the process failed to spawn, never became
	// ready, or exited on its own.
	StateCrashed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsActive returns true if a process exists for this state.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateReady
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateCrashed
}

// canTransition reports whether from -> to is a legal lifecycle move.
// Lifecycles are unstarted -> starting -> ready -> stopped, with crashed
// reachable from any active state. Nothing re-enters starting.
func canTransition(from, to State) bool {
	switch from {
	case StateUnstarted:
		return to == StateStarting
	case StateStarting:
		return to == StateReady || to == StateStopped || to == StateCrashed
	case StateReady:
		return to == StateStopped || to == StateCrashed
	default:
		return false
	}
}
