// Package transport defines the contract between the sync engine and a remote
// task backend.
//
// Two styles of backend are supported:
//
//   - Poll backends (request/response) are asked for their full record set
//     every period and written to with explicit create/update/delete calls.
//   - Event backends (publish/subscribe) deliver Created/Updated/Deleted
//     events as they happen and, in addition, expose per-tag channels whose
//     participant list mirrors the tag's share list.
//
// Adapters translate their failures into the sentinel errors of this package
// so the engine can decide between disabling a backend, skipping a record and
// retrying on the next cycle.
package transport

import "context"

// Writer applies local changes to a backend.
type Writer interface {
	// CreateMany creates records in one batch and returns the remote id
	// assigned to each, keyed by RemoteRecord.LocalID. On partial failure the
	// map holds the records that were created and the error describes the
	// rest.
	CreateMany(ctx context.Context, records []RemoteRecord) (map[string]string, error)

	// Update replaces the record with the given remote id.
	Update(ctx context.Context, remoteID string, record RemoteRecord) error

	// Delete removes the record with the given remote id.
	// Deleting a record that does not exist is not an error.
	Delete(ctx context.Context, remoteID string) error
}

// Fetcher lists the current remote records.
type Fetcher interface {
	// FetchAll returns every record visible to this backend. Malformed
	// records are skipped and do not fail the call.
	FetchAll(ctx context.Context) ([]RemoteRecord, error)
}

// Poller is a request/response backend.
type Poller interface {
	Writer
	Fetcher
}

// EventSource is a publish/subscribe backend. FetchAll returns the snapshot
// used for the initial reconciliation after connecting.
type EventSource interface {
	Writer
	Fetcher

	// Connect authenticates and subscribes. It returns an error wrapping
	// ErrAuthentication when the credentials are rejected.
	Connect(ctx context.Context) error

	// Events delivers remote changes. The channel is closed by Close.
	Events() <-chan Event

	// Status delivers connectivity changes after Connect.
	Status() <-chan ConnState

	// Close unsubscribes and releases the connection.
	Close() error
}

// ChannelManager is implemented by event backends that scope records to
// per-tag channels with an access list.
type ChannelManager interface {
	// EnsureChannel makes the channel for tag exist with exactly the given
	// participants. An empty participant list deletes the channel.
	EnsureChannel(ctx context.Context, tag string, participants []string) error

	// Channels lists the channels visible to this participant. Their
	// participant lists leave out the own identity.
	Channels(ctx context.Context) ([]Channel, error)

	// SyncedTags returns the tags that currently map to a subscribed
	// channel. Local tasks carrying none of them are not synced.
	SyncedTags() []string
}

// Channel is a remote container scoped to one tag.
type Channel struct {
	ID  string
	Tag string
	// Participants are the other members of the access list.
	Participants []string
}

// EventKind is the type of a remote change.
type EventKind int

const (
	// EventCreated reports a record that was not known before.
	EventCreated EventKind = iota
	// EventUpdated reports a changed record.
	EventUpdated
	// EventDeleted reports a retracted record.
	EventDeleted
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a remote change delivered by an EventSource.
type Event struct {
	Kind     EventKind
	RemoteID string
	// Record is set for created and updated events.
	Record *RemoteRecord
	// Err is set when the payload could not be decoded; it wraps
	// ErrMalformedRecord.
	Err error
}

// ConnState is the connectivity of an event backend.
type ConnState int

const (
	// Offline means the subscription is down; events are not delivered.
	Offline ConnState = iota
	// Online means the subscription is live.
	Online
)

// String returns a human-readable representation of the state.
func (s ConnState) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}
