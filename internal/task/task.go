// Package task provides the task record mirrored between the local store and
// remote backends, along with its JSON file format.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusDismissed Status = "dismissed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusDismissed:
		return true
	}
	return false
}

// Task is a single task stored as an individual JSON file in tasks/*.json.
type Task struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Task Content =====
	Title       string `json:"title"`
	Description string `json:"description,omitempty"` // may contain markup
	Status      Status `json:"status"`

	// ===== Scheduling =====
	StartDate *Date `json:"start_date,omitempty"`
	DueDate   *Date `json:"due_date,omitempty"`

	// ===== Classification =====
	Tags     []string `json:"tags,omitempty"`
	Subtasks []string `json:"subtasks,omitempty"` // child task ids

	// ===== Remote Identity =====
	// RemoteIDs maps backend id to the id the task has on that backend.
	RemoteIDs map[string]string `json:"remote_ids,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a fresh task id.
func NewID() string {
	return uuid.NewString()
}

// New returns an open task with a fresh id and the given title.
func New(title string) *Task {
	t := &Task{ID: NewID(), Title: title}
	t.SetDefaults()
	return t
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(t.ID, `/\`) {
		return fmt.Errorf("id must not contain path separators (got %q)", t.ID)
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	return nil
}

// Filename returns the canonical filename for this task: {id}.json
func (t *Task) Filename() string {
	return fmt.Sprintf("%s.json", t.ID)
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// Touch sets UpdatedAt to the current time.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// RemoteID returns the id of the task on the given backend.
func (t *Task) RemoteID(backendID string) (string, bool) {
	id, ok := t.RemoteIDs[backendID]
	return id, ok && id != ""
}

// SetRemoteID records the id of the task on the given backend.
func (t *Task) SetRemoteID(backendID, remoteID string) {
	if t.RemoteIDs == nil {
		t.RemoteIDs = make(map[string]string)
	}
	t.RemoteIDs[backendID] = remoteID
}

// ClearRemoteID forgets the task's id on the given backend.
func (t *Task) ClearRemoteID(backendID string) {
	delete(t.RemoteIDs, backendID)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Tags = slices.Clone(t.Tags)
	c.Subtasks = slices.Clone(t.Subtasks)
	if t.StartDate != nil {
		d := *t.StartDate
		c.StartDate = &d
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.RemoteIDs != nil {
		c.RemoteIDs = make(map[string]string, len(t.RemoteIDs))
		for k, v := range t.RemoteIDs {
			c.RemoteIDs[k] = v
		}
	}
	return &c
}

// ReadFile reads and parses a task JSON file from the given path.
func ReadFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task file %s: %w", path, err)
	}

	return &t, nil
}

// WriteFile writes a Task to dir/{id}.json with pretty-printed formatting.
//
// The file is written to a temporary name first and renamed into place so
// that watchers never observe a partially written task.
func WriteFile(dir string, t *Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid task: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create tasks directory: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
	}

	path := filepath.Join(dir, t.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write task file %s: %w", path, err)
	}

	return nil
}

// ReadAll reads all task files from the given directory.
// Invalid files are skipped with a warning to stderr.
func ReadAll(dir string) ([]*Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Task{}, nil
		}
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		t, err := ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid task file %s: %v\n", entry.Name(), err)
			continue
		}

		tasks = append(tasks, t)
	}

	return tasks, nil
}

// IDFromFilename returns the task id encoded in a tasks/*.json filename.
func IDFromFilename(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".json")
	return id, id != ""
}
