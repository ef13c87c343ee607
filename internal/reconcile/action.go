package reconcile

import (
	"sort"

	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Kind is the decision taken for one task during reconciliation.
type Kind int

const (
	// NoOp means both sides agree. The ledger is refreshed if needed.
	NoOp Kind = iota
	// CreateRemote creates a local task on the backend.
	CreateRemote
	// DeleteLocal removes a local task whose remote record disappeared.
	DeleteLocal
	// PushLocal sends local content to the backend.
	PushLocal
	// PullRemote overwrites the local task with remote content.
	PullRemote
	// Conflict means both sides changed; the conflict policy decides.
	Conflict
	// CreateLocal creates a local task for an unknown remote record.
	CreateLocal
	// DeleteRemote removes the remote record of a task deleted locally.
	DeleteRemote
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case CreateRemote:
		return "create-remote"
	case DeleteLocal:
		return "delete-local"
	case PushLocal:
		return "push-local"
	case PullRemote:
		return "pull-remote"
	case Conflict:
		return "conflict"
	case CreateLocal:
		return "create-local"
	case DeleteRemote:
		return "delete-remote"
	default:
		return "unknown"
	}
}

// phase orders kinds for execution: deletes, then creates, then the rest.
// Remote creates come first among the creates so they form one batch.
func (k Kind) phase() int {
	switch k {
	case DeleteLocal, DeleteRemote:
		return 0
	case CreateRemote:
		return 1
	case CreateLocal:
		return 2
	default:
		return 3
	}
}

// Action is one reconciliation step.
type Action struct {
	Kind Kind

	// TaskID is the local task id. Empty for CreateLocal.
	TaskID string
	// RemoteID is the task's id on the backend. Empty for CreateRemote, and
	// for DeleteRemote of a task that never reached the backend.
	RemoteID string

	// LocalDigest and RemoteDigest are the digests that led to the decision.
	// For NoOp, LocalDigest is the digest to record in the ledger.
	LocalDigest  string
	RemoteDigest string
	// LocalRoute is the routing key of the local task on channel backends,
	// recorded in the ledger alongside LocalDigest for NoOp.
	LocalRoute string

	// Record is the remote state for PullRemote, Conflict and CreateLocal.
	Record *transport.RemoteRecord
}

// sortKey orders actions within a phase.
func (a Action) sortKey() string {
	if a.TaskID != "" {
		return a.TaskID
	}
	return a.RemoteID
}

// Plan is the outcome of classification.
type Plan struct {
	Actions []Action
}

// Ordered returns the actions in execution order: deletes first, then
// creates, then push/pull/conflict. The order within a phase is stable.
func (p Plan) Ordered() []Action {
	out := make([]Action, len(p.Actions))
	copy(out, p.Actions)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Kind.phase(), out[j].Kind.phase()
		if pi != pj {
			return pi < pj
		}
		return out[i].sortKey() < out[j].sortKey()
	})
	return out
}

// Count returns the number of actions of kind k.
func (p Plan) Count(k Kind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// Changes returns the number of actions that will touch either side.
func (p Plan) Changes() int {
	return len(p.Actions) - p.Count(NoOp)
}
