package backend

import "fmt"

// State is the lifecycle state of a backend instance.
type State int

const (
	// Disabled means the instance is not running. It is the initial state
	// and the terminal state after an authentication failure.
	Disabled State = iota
	// Initializing means the instance is starting and has not yet reached
	// the remote.
	Initializing
	// Connected means the remote accepted the credentials and the initial
	// snapshot exchange is in progress.
	Connected
	// Online means the initial exchange completed and changes flow.
	Online
	// Offline means the remote cannot be reached. Cycles are skipped.
	Offline
	// AuthFailed means the remote rejected the credentials.
	AuthFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Initializing:
		return "initializing"
	case Connected:
		return "connected"
	case Online:
		return "online"
	case Offline:
		return "offline"
	case AuthFailed:
		return "auth-failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Running reports whether the instance accepts work in this state.
func (s State) Running() bool {
	return s == Connected || s == Online || s == Offline
}

var transitions = map[State][]State{
	Disabled:     {Initializing},
	Initializing: {Connected, AuthFailed, Offline, Disabled},
	Connected:    {Online, Offline, AuthFailed, Disabled},
	Online:       {Offline, AuthFailed, Disabled},
	Offline:      {Online, Connected, AuthFailed, Disabled},
	AuthFailed:   {Disabled},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reason explains why a backend failed.
type Reason int

const (
	// AuthenticationFailed means the credentials were rejected and the
	// backend was disabled.
	AuthenticationFailed Reason = iota + 1
	// TransportUnavailable means the remote could not be reached. The
	// backend keeps retrying.
	TransportUnavailable
)

// String returns a human-readable representation of the reason.
func (r Reason) String() string {
	switch r {
	case AuthenticationFailed:
		return "authentication failed"
	case TransportUnavailable:
		return "transport unavailable"
	default:
		return "unknown"
	}
}
