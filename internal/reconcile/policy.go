package reconcile

import (
	"fmt"

	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Policy decides which side wins when both changed since the last sync.
type Policy string

const (
	// RemoteWins overwrites the local task with the remote record.
	RemoteWins Policy = "remote-wins"
	// LocalWins overwrites the remote record with the local task.
	LocalWins Policy = "local-wins"
	// NewestWins keeps whichever side has the later modification time.
	// The remote side wins ties and missing timestamps.
	NewestWins Policy = "newest-wins"
	// Manual leaves both sides untouched until one of them is edited so
	// that the digests agree again.
	Manual Policy = "manual"
)

// DefaultPolicy is used when none is configured.
const DefaultPolicy = RemoteWins

// Policies lists every supported policy.
var Policies = []Policy{RemoteWins, LocalWins, NewestWins, Manual}

// ParsePolicy validates a configured policy name. The empty string yields
// DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return DefaultPolicy, nil
	}
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown conflict policy %q (want one of %v)", s, Policies)
}

// Winner is the side chosen to resolve a conflict.
type Winner int

const (
	// WinnerNone means the conflict is left for a human.
	WinnerNone Winner = iota
	// WinnerLocal means the local task is pushed.
	WinnerLocal
	// WinnerRemote means the remote record is pulled.
	WinnerRemote
)

// String returns a human-readable representation of the winner.
func (w Winner) String() string {
	switch w {
	case WinnerLocal:
		return "local"
	case WinnerRemote:
		return "remote"
	default:
		return "none"
	}
}

// Resolve picks the winning side of a conflict between local and remote.
func (p Policy) Resolve(local *task.Task, remote transport.RemoteRecord) Winner {
	switch p {
	case LocalWins:
		return WinnerLocal
	case Manual:
		return WinnerNone
	case NewestWins:
		if local.UpdatedAt.IsZero() || remote.UpdatedAt.IsZero() {
			return WinnerRemote
		}
		if local.UpdatedAt.After(remote.UpdatedAt) {
			return WinnerLocal
		}
		return WinnerRemote
	default:
		return WinnerRemote
	}
}
