package transport

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/task"
)

// RemoteRecord is a task as seen on a remote backend.
type RemoteRecord struct {
	// RemoteID is the record's id on the backend.
	RemoteID string
	// LocalID is the local task id the record was built from. It is set on
	// records passed to CreateMany and empty on fetched records.
	LocalID string

	Title       string
	Description string
	Status      task.Status
	StartDate   *task.Date
	DueDate     *task.Date
	Tags        []string
	Subtasks    []string

	// UpdatedAt is the remote modification time, zero when the backend
	// does not report one.
	UpdatedAt time.Time
}

// Content returns the digest-relevant fields of the record.
func (r RemoteRecord) Content() ledger.Content {
	return ledger.Content{
		Title:       r.Title,
		Description: r.Description,
		StartDate:   r.StartDate,
		DueDate:     r.DueDate,
	}
}

// Digest returns the content digest of the record.
func (r RemoteRecord) Digest() string {
	return ledger.Digest(r.Content())
}

// HasTag reports whether the record carries tag.
func (r RemoteRecord) HasTag(tag string) bool {
	return slices.Contains(r.Tags, tag)
}

// FromTask builds the record to send for t under remoteID.
func FromTask(t *task.Task, remoteID string) RemoteRecord {
	return RemoteRecord{
		RemoteID:    remoteID,
		LocalID:     t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		StartDate:   t.StartDate,
		DueDate:     t.DueDate,
		Tags:        slices.Clone(t.Tags),
		Subtasks:    slices.Clone(t.Subtasks),
		UpdatedAt:   t.UpdatedAt,
	}
}

// ApplyTo overwrites the content of t with the record.
// Remote ids and creation time of t are kept.
func (r RemoteRecord) ApplyTo(t *task.Task) {
	t.Title = r.Title
	t.Description = r.Description
	if r.Status != "" {
		t.Status = r.Status
	}
	t.StartDate = r.StartDate
	t.DueDate = r.DueDate
	t.Tags = slices.Clone(r.Tags)
	t.Subtasks = slices.Clone(r.Subtasks)
	if r.UpdatedAt.IsZero() {
		t.Touch()
	} else {
		t.UpdatedAt = r.UpdatedAt
	}
}

// ToTask creates a new local task with id localID from the record.
func (r RemoteRecord) ToTask(localID string) *task.Task {
	t := &task.Task{ID: localID}
	r.ApplyTo(t)
	t.SetDefaults()
	return t
}

// Wire converts the record to the JSON wire form.
func (r RemoteRecord) Wire() task.Wire {
	w := task.Wire{
		ID:          r.RemoteID,
		Title:       r.Title,
		Description: r.Description,
		Status:      string(r.Status),
		StartDate:   task.FormatDate(r.StartDate),
		DueDate:     task.FormatDate(r.DueDate),
		Tags:        nonNil(r.Tags),
		Subtasks:    nonNil(r.Subtasks),
	}
	if !r.UpdatedAt.IsZero() {
		updated := r.UpdatedAt
		w.UpdatedAt = &updated
	}
	return w
}

// FromWire validates a wire record and converts it.
// Every validation failure wraps ErrMalformedRecord.
func FromWire(w task.Wire) (RemoteRecord, error) {
	if w.ID == "" {
		return RemoteRecord{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if w.Title == "" {
		return RemoteRecord{}, fmt.Errorf("%w: record %s has no title", ErrMalformedRecord, w.ID)
	}

	status := task.Status(w.Status)
	if status == "" {
		status = task.StatusOpen
	}
	if !status.Valid() {
		return RemoteRecord{}, fmt.Errorf("%w: record %s has unknown status %q", ErrMalformedRecord, w.ID, w.Status)
	}

	start, err := task.ParseOptionalDate(w.StartDate)
	if err != nil {
		return RemoteRecord{}, fmt.Errorf("%w: record %s start_date: %v", ErrMalformedRecord, w.ID, err)
	}
	due, err := task.ParseOptionalDate(w.DueDate)
	if err != nil {
		return RemoteRecord{}, fmt.Errorf("%w: record %s due_date: %v", ErrMalformedRecord, w.ID, err)
	}

	r := RemoteRecord{
		RemoteID:    w.ID,
		Title:       w.Title,
		Description: w.Description,
		Status:      status,
		StartDate:   start,
		DueDate:     due,
		Tags:        slices.Clone(w.Tags),
		Subtasks:    slices.Clone(w.Subtasks),
	}
	if w.UpdatedAt != nil {
		r.UpdatedAt = *w.UpdatedAt
	}
	return r, nil
}

// DecodeRecord parses a JSON wire record.
func DecodeRecord(data []byte) (RemoteRecord, error) {
	var w task.Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return RemoteRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return FromWire(w)
}

// EncodeRecord renders the record as JSON wire format.
func EncodeRecord(r RemoteRecord) ([]byte, error) {
	data, err := json.Marshal(r.Wire())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", r.RemoteID, err)
	}
	return data, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
