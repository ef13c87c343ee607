// Package transporttest provides an in-memory backend for tests.
package transporttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Memory is an in-memory backend. It implements transport.Poller and
// transport.EventSource. Every change, whether made through the Writer
// methods or through the Remote* helpers, is published on Events once
// Connect has been called.
type Memory struct {
	mu      sync.Mutex
	records map[string]transport.RemoteRecord
	seq     int

	connected bool
	closed    bool
	events    chan transport.Event
	status    chan transport.ConnState

	// Failure injection.
	ConnectErr error
	FetchErr   error
	CreateErr  error
	UpdateErr  map[string]error
	DeleteErr  map[string]error
	// RejectCreate lists local ids CreateMany silently leaves out.
	RejectCreate map[string]bool

	// BeforeFetch, when set, runs at the start of every FetchAll without
	// the lock held.
	BeforeFetch func()

	// Call counters.
	Creates int
	Updates int
	Deletes int
	Fetches int
}

var (
	_ transport.Poller      = (*Memory)(nil)
	_ transport.EventSource = (*Memory)(nil)
)

// NewMemory creates an empty backend.
func NewMemory() *Memory {
	return &Memory{
		records:      make(map[string]transport.RemoteRecord),
		events:       make(chan transport.Event, 256),
		status:       make(chan transport.ConnState, 16),
		UpdateErr:    make(map[string]error),
		DeleteErr:    make(map[string]error),
		RejectCreate: make(map[string]bool),
	}
}

// CreateMany implements transport.Writer.
func (m *Memory) CreateMany(ctx context.Context, records []transport.RemoteRecord) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	ids := make(map[string]string, len(records))
	for _, r := range records {
		m.Creates++
		if m.RejectCreate[r.LocalID] {
			continue
		}
		localID := r.LocalID
		m.seq++
		r.RemoteID = fmt.Sprintf("r-%d", m.seq)
		r.LocalID = ""
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = time.Now().UTC()
		}
		m.records[r.RemoteID] = r
		ids[localID] = r.RemoteID
		m.emitLocked(transport.EventCreated, r)
	}
	return ids, nil
}

// Update implements transport.Writer.
func (m *Memory) Update(ctx context.Context, remoteID string, record transport.RemoteRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Updates++
	if err := m.UpdateErr[remoteID]; err != nil {
		return err
	}
	if _, ok := m.records[remoteID]; !ok {
		return fmt.Errorf("%w: record %s", transport.ErrNotFound, remoteID)
	}
	record.RemoteID = remoteID
	record.LocalID = ""
	m.records[remoteID] = record
	m.emitLocked(transport.EventUpdated, record)
	return nil
}

// Delete implements transport.Writer.
func (m *Memory) Delete(ctx context.Context, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Deletes++
	if err := m.DeleteErr[remoteID]; err != nil {
		return err
	}
	if _, ok := m.records[remoteID]; !ok {
		return nil
	}
	delete(m.records, remoteID)
	m.emitLocked(transport.EventDeleted, transport.RemoteRecord{RemoteID: remoteID})
	return nil
}

// FetchAll implements transport.Fetcher. Records are sorted by remote id.
func (m *Memory) FetchAll(ctx context.Context) ([]transport.RemoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	if m.BeforeFetch != nil {
		m.BeforeFetch()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Fetches++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	return m.snapshotLocked(), nil
}

// Connect implements transport.EventSource.
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	if m.closed {
		return fmt.Errorf("%w: closed", transport.ErrTransport)
	}
	m.connected = true
	m.sendStatusLocked(transport.Online)
	return nil
}

// Events implements transport.EventSource.
func (m *Memory) Events() <-chan transport.Event {
	return m.events
}

// Status implements transport.EventSource.
func (m *Memory) Status() <-chan transport.ConnState {
	return m.status
}

// Close implements transport.EventSource.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.events)
	close(m.status)
	return nil
}

// SetFetchErr sets the error FetchAll returns; nil restores normal operation.
func (m *Memory) SetFetchErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchErr = err
}

// SetConnectErr sets the error Connect returns.
func (m *Memory) SetConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectErr = err
}

// FetchCount returns the number of FetchAll calls.
func (m *Memory) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fetches
}

// UpdateCount returns the number of Update calls.
func (m *Memory) UpdateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Updates
}

// SetOnline reports a connectivity change on Status.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if online {
		m.sendStatusLocked(transport.Online)
	} else {
		m.sendStatusLocked(transport.Offline)
	}
}

func (m *Memory) sendStatusLocked(s transport.ConnState) {
	select {
	case m.status <- s:
	default:
	}
}

// RemotePut stores a record as if another client had written it and returns
// its remote id. An empty RemoteID creates a new record.
func (m *Memory) RemotePut(r transport.RemoteRecord) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := transport.EventUpdated
	if r.RemoteID == "" {
		m.seq++
		r.RemoteID = fmt.Sprintf("r-%d", m.seq)
		kind = transport.EventCreated
	} else if _, ok := m.records[r.RemoteID]; !ok {
		kind = transport.EventCreated
	}
	if r.Status == "" {
		r.Status = task.StatusOpen
	}
	m.records[r.RemoteID] = r
	m.emitLocked(kind, r)
	return r.RemoteID
}

// RemoteDelete removes a record as if another client had deleted it.
func (m *Memory) RemoteDelete(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, remoteID)
	m.emitLocked(transport.EventDeleted, transport.RemoteRecord{RemoteID: remoteID})
}

// EmitMalformed publishes an event whose payload could not be decoded.
func (m *Memory) EmitMalformed(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected && !m.closed {
		m.events <- transport.Event{
			Kind:     transport.EventUpdated,
			RemoteID: remoteID,
			Err:      fmt.Errorf("%w: bad payload", transport.ErrMalformedRecord),
		}
	}
}

// Get returns the record with the given remote id.
func (m *Memory) Get(remoteID string) (transport.RemoteRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[remoteID]
	return r, ok
}

// Records returns all records sorted by remote id.
func (m *Memory) Records() []transport.RemoteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

// Len returns the number of records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.records)
}

func (m *Memory) snapshotLocked() []transport.RemoteRecord {
	out := make([]transport.RemoteRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

func (m *Memory) emitLocked(kind transport.EventKind, r transport.RemoteRecord) {
	if !m.connected || m.closed {
		return
	}
	ev := transport.Event{Kind: kind, RemoteID: r.RemoteID}
	if kind != transport.EventDeleted {
		rec := r
		ev.Record = &rec
	}
	select {
	case m.events <- ev:
	default:
	}
}
