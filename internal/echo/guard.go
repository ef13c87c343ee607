// Package echo suppresses the notifications a sync engine receives about its
// own writes.
//
// When the engine writes a task to the local store because of a remote event,
// the store later reports that write as a local change. When it publishes a
// local change to a remote channel, the subscription later delivers it back
// as a remote event. Both must be ignored exactly once, or every change would
// bounce between the two sides forever.
//
// Usage follows a mark-then-write discipline:
//
//	guard.MarkLocalOriginated(id)  // about to write the local store
//	if err := store.SaveTask(t); err != nil {
//	    guard.Forget(id, echo.Local)
//	}
//
//	// later, in the local change handler
//	if guard.ConsumeIfPending(id, echo.Local) {
//	    return // our own write
//	}
package echo

import "sync"

// Side names which store a pending write targets.
type Side int

const (
	// Local marks writes the engine makes to the local store.
	Local Side = iota
	// Remote marks writes the engine publishes to the remote side.
	Remote
)

// String returns a human-readable representation of the side.
func (s Side) String() string {
	switch s {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

func (s Side) valid() bool {
	return s == Local || s == Remote
}

// Guard holds the pending-write sets for one backend.
// The zero value is not usable; call New.
type Guard struct {
	mu      sync.Mutex
	pending [2]map[string]struct{}
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{
		pending: [2]map[string]struct{}{
			make(map[string]struct{}),
			make(map[string]struct{}),
		},
	}
}

// MarkLocalOriginated records that the engine is about to write taskID to
// the local store. The next local change notification for taskID is an echo.
func (g *Guard) MarkLocalOriginated(taskID string) {
	g.mark(taskID, Local)
}

// MarkRemoteOriginated records that the engine is about to publish taskID to
// the remote side. The next remote event for taskID is an echo.
func (g *Guard) MarkRemoteOriginated(taskID string) {
	g.mark(taskID, Remote)
}

func (g *Guard) mark(taskID string, side Side) {
	if !side.valid() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[side][taskID] = struct{}{}
}

// ConsumeIfPending reports whether a notification for taskID on side is an
// echo of the engine's own write, and clears the marker if so. The check and
// the removal are atomic; a marker is consumed at most once.
func (g *Guard) ConsumeIfPending(taskID string, side Side) bool {
	if !side.valid() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[side][taskID]; !ok {
		return false
	}
	delete(g.pending[side], taskID)
	return true
}

// Forget drops a marker without consuming a notification. Call it when the
// write that placed the marker failed, so a later independent change to the
// same task is not swallowed.
func (g *Guard) Forget(taskID string, side Side) {
	if !side.valid() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending[side], taskID)
}

// Pending returns the number of outstanding markers on side.
func (g *Guard) Pending(side Side) int {
	if !side.valid() {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[side])
}
