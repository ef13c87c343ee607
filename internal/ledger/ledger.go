// Package ledger records, per backend, the last synchronized state of every
// task: the content digest seen at the last successful sync and the id the
// task has on the remote side.
//
// The ledger is what makes two-way change detection possible. Comparing the
// current local and remote digests against the recorded one tells which side
// moved since the last sync:
//
//	local == ledger, remote == ledger  -> nothing to do
//	local != ledger, remote == ledger  -> push local
//	local == ledger, remote != ledger  -> pull remote
//	local != ledger, remote != ledger  -> conflict
//
// A Ledger lives in memory and is persisted through a Store at the end of
// each sync cycle.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Entry is the recorded sync state of one task on one backend.
type Entry struct {
	// Digest is the content digest both sides agreed on at the last sync.
	Digest string
	// RemoteID is the task's id on the backend, empty until created remotely.
	RemoteID string
	// Route is the routing key the record was published under on channel
	// backends. See Route.
	Route string
}

// HasRemote reports whether the task has been created on the backend.
func (e Entry) HasRemote() bool {
	return e.RemoteID != ""
}

// Store persists ledgers between runs.
type Store interface {
	// LoadLedger returns all entries and the transport cursor for backendID.
	// A backend that was never saved yields an empty map and no error.
	LoadLedger(ctx context.Context, backendID string) (map[string]Entry, string, error)

	// SaveLedger replaces the stored entries and cursor for backendID.
	SaveLedger(ctx context.Context, backendID string, entries map[string]Entry, cursor string) error
}

// Ledger maps task ids to their Entry for a single backend.
// It is safe for concurrent use.
type Ledger struct {
	backendID string
	store     Store

	mu      sync.RWMutex
	entries map[string]Entry
	cursor  string
	version uint64 // bumped on every mutation
	saved   uint64 // version last written to store
}

// New returns an empty in-memory ledger for backendID.
func New(backendID string) *Ledger {
	return &Ledger{
		backendID: backendID,
		entries:   make(map[string]Entry),
	}
}

// Open loads the ledger for backendID from store.
// A backend with no stored state starts with an empty ledger.
func Open(ctx context.Context, store Store, backendID string) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	entries, cursor, err := store.LoadLedger(ctx, backendID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger for %s: %w", backendID, err)
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}

	return &Ledger{
		backendID: backendID,
		store:     store,
		entries:   entries,
		cursor:    cursor,
	}, nil
}

// BackendID returns the backend this ledger belongs to.
func (l *Ledger) BackendID() string {
	return l.backendID
}

// Get returns the entry for taskID. Absent entries mean "never synced".
func (l *Ledger) Get(taskID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[taskID]
	return e, ok
}

// Put records the agreed digest and remote id for taskID.
func (l *Ledger) Put(taskID, digest, remoteID string) {
	l.Set(taskID, Entry{Digest: digest, RemoteID: remoteID})
}

// Set records e for taskID.
func (l *Ledger) Set(taskID string, e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.entries[taskID]; ok && old == e {
		return
	}
	l.entries[taskID] = e
	l.version++
}

// Remove forgets taskID.
func (l *Ledger) Remove(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[taskID]; ok {
		delete(l.entries, taskID)
		l.version++
	}
}

// AllKnownIDs returns every task id with an entry, sorted.
func (l *Ledger) AllKnownIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KnownRemoteIDs returns a map from remote id to task id for every entry
// that has been created remotely.
func (l *Ledger) KnownRemoteIDs() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]string, len(l.entries))
	for taskID, e := range l.entries {
		if e.HasRemote() {
			out[e.RemoteID] = taskID
		}
	}
	return out
}

// Snapshot returns a copy of all entries.
func (l *Ledger) Snapshot() map[string]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Entry, len(l.entries))
	for id, e := range l.entries {
		out[id] = e
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Cursor returns the transport cursor saved alongside the ledger.
func (l *Ledger) Cursor() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursor
}

// SetCursor updates the transport cursor.
func (l *Ledger) SetCursor(cursor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursor != cursor {
		l.cursor = cursor
		l.version++
	}
}

// Dirty reports whether the ledger changed since it was loaded or saved.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version != l.saved
}

// Save writes the ledger to its store if it changed.
// In-memory ledgers created with New are never persisted.
func (l *Ledger) Save(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.RLock()
	if l.version == l.saved {
		l.mu.RUnlock()
		return nil
	}
	version := l.version
	entries := make(map[string]Entry, len(l.entries))
	for id, e := range l.entries {
		entries[id] = e
	}
	cursor := l.cursor
	l.mu.RUnlock()

	if err := l.store.SaveLedger(ctx, l.backendID, entries, cursor); err != nil {
		return fmt.Errorf("failed to save ledger for %s: %w", l.backendID, err)
	}

	l.mu.Lock()
	if version > l.saved {
		l.saved = version
	}
	l.mu.Unlock()
	return nil
}
