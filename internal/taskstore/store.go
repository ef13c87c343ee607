// Package taskstore is the local task collection: one JSON file per task in
// a tasks directory, plus the tag share lists in tags.json.
//
// Writers of the same task are serialized with Lock. Changes made by any
// process are reported by a Watcher.
package taskstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mschirtzinger/tasksync/internal/task"
)

// ErrTaskNotFound is returned for a task id with no file. It matches
// fs.ErrNotExist.
var ErrTaskNotFound = fmt.Errorf("task not found: %w", fs.ErrNotExist)

// ErrAmbiguousID is returned by Resolve when a prefix matches several tasks.
var ErrAmbiguousID = errors.New("ambiguous task id")

// Store is a directory of task files.
type Store struct {
	root     string
	tasksDir string

	locksMu sync.Mutex
	locks   map[string]*keyLock

	sharesMu sync.Mutex
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Open opens the store rooted at root, creating root/tasks if needed.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root cannot be empty")
	}
	tasksDir := filepath.Join(root, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}
	return &Store{
		root:     root,
		tasksDir: tasksDir,
		locks:    make(map[string]*keyLock),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// TasksDir returns the directory holding the task files.
func (s *Store) TasksDir() string {
	return s.tasksDir
}

func (s *Store) path(id string) string {
	return filepath.Join(s.tasksDir, id+".json")
}

// ListTaskIDs returns the ids of all task files, sorted.
// Files are not parsed.
func (s *Store) ListTaskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := task.IDFromFilename(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GetTask reads one task.
func (s *Store) GetTask(id string) (*task.Task, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	t, err := task.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if t.ID != id {
		return nil, fmt.Errorf("task file %s holds task %s", id, t.ID)
	}
	return t, nil
}

// CreateTask writes a new task. It fails if the id is taken.
func (s *Store) CreateTask(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot create invalid task: %w", err)
	}
	if _, err := os.Stat(s.path(t.ID)); err == nil {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	return task.WriteFile(s.tasksDir, t)
}

// SaveTask writes t, replacing any existing file. UpdatedAt is stored as
// given; callers editing a task call t.Touch first.
func (s *Store) SaveTask(t *task.Task) error {
	return task.WriteFile(s.tasksDir, t)
}

// DeleteTask removes a task file.
func (s *Store) DeleteTask(id string) error {
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// ListTasks reads every valid task, ordered by creation time.
// Invalid files are skipped with a warning.
func (s *Store) ListTasks() ([]*task.Task, error) {
	tasks, err := task.ReadAll(s.tasksDir)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Resolve expands a unique id prefix to a full task id.
func (s *Store) Resolve(prefix string) (string, error) {
	ids, err := s.ListTaskIDs()
	if err != nil {
		return "", err
	}

	var matches []string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s matches %d tasks", ErrAmbiguousID, prefix, len(matches))
	}
}

// Lock acquires the per-task lock and returns the function releasing it.
func (s *Store) Lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}
}
