package reconcile

import (
	"sort"

	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Input is everything a full reconciliation looks at.
type Input struct {
	BackendID string
	// Local holds the local tasks that take part in sync with this backend.
	Local map[string]*task.Task
	// Excluded holds local tasks filtered out of sync. Their remote ids are
	// never offered for CreateLocal.
	Excluded map[string]*task.Task
	// Skip lists task ids that must be left alone this cycle, such as tasks
	// whose file could not be read.
	Skip map[string]bool
	// Remote is the complete remote record set.
	Remote []transport.RemoteRecord
	// Ledger is a snapshot of the backend's ledger.
	Ledger map[string]ledger.Entry
	// Channels lists the tags the backend routes records by. It is empty
	// for backends without channels.
	Channels []string
}

// Classify decides what to do for every task known to either side.
// It performs no I/O.
func Classify(in Input) Plan {
	remoteByID := make(map[string]transport.RemoteRecord, len(in.Remote))
	for _, r := range in.Remote {
		remoteByID[r.RemoteID] = r
	}

	// Remote ids already accounted for, either by a local task or by the
	// ledger. Anything else on the remote side is new.
	claimed := make(map[string]bool, len(in.Remote))
	for _, e := range in.Ledger {
		if e.HasRemote() {
			claimed[e.RemoteID] = true
		}
	}
	for _, t := range in.Excluded {
		if id, ok := t.RemoteID(in.BackendID); ok {
			claimed[id] = true
		}
	}

	var plan Plan

	for _, id := range sortedIDs(in.Local) {
		t := in.Local[id]
		entry, hasEntry := in.Ledger[id]
		remoteID := remoteIDFor(in.BackendID, t, entry)

		if remoteID == "" {
			plan.Actions = append(plan.Actions, Action{
				Kind:        CreateRemote,
				TaskID:      id,
				LocalDigest: ledger.TaskDigest(t),
			})
			continue
		}
		claimed[remoteID] = true

		rec, present := remoteByID[remoteID]
		if !present {
			// Remote deletion wins.
			plan.Actions = append(plan.Actions, Action{
				Kind:     DeleteLocal,
				TaskID:   id,
				RemoteID: remoteID,
			})
			continue
		}

		plan.Actions = append(plan.Actions, compareAction(id, remoteID, t, &rec, entry, hasEntry, in.Channels))
	}

	for _, r := range in.Remote {
		if claimed[r.RemoteID] {
			continue
		}
		rec := r
		plan.Actions = append(plan.Actions, Action{
			Kind:         CreateLocal,
			RemoteID:     r.RemoteID,
			RemoteDigest: r.Digest(),
			Record:       &rec,
		})
	}

	for _, id := range sortedIDs(in.Ledger) {
		if _, ok := in.Local[id]; ok || in.Skip[id] {
			continue
		}
		plan.Actions = append(plan.Actions, Action{
			Kind:     DeleteRemote,
			TaskID:   id,
			RemoteID: in.Ledger[id].RemoteID,
		})
	}

	return plan
}

// ClassifyLocalChange decides what a change notification for a local task
// requires, assuming the remote side is unchanged since the last sync.
// t is nil when the task was deleted or no longer takes part in sync.
// channels are the tags the backend routes by, as in Input.Channels.
func ClassifyLocalChange(backendID, taskID string, t *task.Task, entry ledger.Entry, hasEntry bool, channels []string) Action {
	if t == nil {
		if !hasEntry {
			return Action{Kind: NoOp, TaskID: taskID}
		}
		return Action{Kind: DeleteRemote, TaskID: taskID, RemoteID: entry.RemoteID}
	}

	localDigest := ledger.TaskDigest(t)
	remoteID := remoteIDFor(backendID, t, entry)
	if remoteID == "" {
		return Action{Kind: CreateRemote, TaskID: taskID, LocalDigest: localDigest}
	}
	localRoute := ledger.Route(t.Tags, channels)
	if hasEntry && localDigest == entry.Digest && localRoute == entry.Route {
		return Action{Kind: NoOp, TaskID: taskID, RemoteID: remoteID, LocalDigest: localDigest, LocalRoute: localRoute}
	}
	// Without a baseline there is no remote content at hand to compare
	// against, so the local version is published. A changed route alone
	// also republishes so the record moves between channels.
	return Action{
		Kind:         PushLocal,
		TaskID:       taskID,
		RemoteID:     remoteID,
		LocalDigest:  localDigest,
		RemoteDigest: entry.Digest,
		LocalRoute:   localRoute,
	}
}

// ClassifyRemoteEvent decides what a remote event requires. t is the local
// task the event's remote id maps to, or nil when there is none.
func ClassifyRemoteEvent(backendID, taskID string, t *task.Task, entry ledger.Entry, hasEntry bool, ev transport.Event, channels []string) Action {
	if ev.Kind == transport.EventDeleted {
		if t == nil && !hasEntry {
			return Action{Kind: NoOp, RemoteID: ev.RemoteID}
		}
		return Action{Kind: DeleteLocal, TaskID: taskID, RemoteID: ev.RemoteID}
	}

	rec := ev.Record
	if t == nil {
		if hasEntry {
			// Known task deleted locally while the remote changed: the
			// local deletion is propagated, as a full cycle would.
			return Action{Kind: DeleteRemote, TaskID: taskID, RemoteID: ev.RemoteID}
		}
		return Action{
			Kind:         CreateLocal,
			RemoteID:     ev.RemoteID,
			RemoteDigest: rec.Digest(),
			Record:       rec,
		}
	}

	return compareAction(taskID, ev.RemoteID, t, rec, entry, hasEntry, channels)
}

// version is what the three-way comparison looks at: content, and on
// channel backends the set of channels the tags route to.
type version struct {
	digest string
	route  string
}

// compareAction applies the three-way comparison for a task that exists on
// both sides.
func compareAction(taskID, remoteID string, t *task.Task, rec *transport.RemoteRecord, entry ledger.Entry, hasEntry bool, channels []string) Action {
	local := version{ledger.TaskDigest(t), ledger.Route(t.Tags, channels)}
	remote := version{rec.Digest(), ledger.Route(rec.Tags, channels)}
	base := version{entry.Digest, entry.Route}

	a := Action{
		TaskID:       taskID,
		RemoteID:     remoteID,
		LocalDigest:  local.digest,
		RemoteDigest: remote.digest,
		LocalRoute:   local.route,
		Record:       rec,
	}

	switch {
	case local == remote && (!hasEntry || base.route == local.route):
		// Covers the unchanged case and both sides converging on the same
		// content; either way the ledger takes the common digest.
		a.Kind = NoOp
	case local == remote:
		// Same record, but the channel set it was published under changed.
		a.Kind = PushLocal
	case !hasEntry:
		a.Kind = Conflict
	case remote == base:
		a.Kind = PushLocal
	case local == base:
		a.Kind = PullRemote
	default:
		a.Kind = Conflict
	}
	return a
}

// remoteIDFor returns the task's id on the backend. The task's own map is
// authoritative; the ledger fills in when the map has no entry.
func remoteIDFor(backendID string, t *task.Task, entry ledger.Entry) string {
	if id, ok := t.RemoteID(backendID); ok {
		return id
	}
	return entry.RemoteID
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
