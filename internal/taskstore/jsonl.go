package taskstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mschirtzinger/tasksync/internal/task"
)

// ImportOptions contains configuration for Import.
type ImportOptions struct {
	DryRun        bool // Preview without writing
	Overwrite     bool // Replace tasks that already exist
	KeepRemoteIDs bool // Keep backend ids recorded by the exporting store
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Created  int
	Replaced int
	Skipped  int
	Errors   []string
}

// Export writes every task as one JSON object per line and returns the
// number of tasks written.
func (s *Store) Export(w io.Writer) (int, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return i, fmt.Errorf("failed to write task %s: %w", t.ID, err)
		}
	}
	return len(tasks), nil
}

// ExportFile writes the JSONL export to path.
func (s *Store) ExportFile(path string) (int, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	bw := bufio.NewWriter(f)
	n, err := s.Export(bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Import reads JSONL tasks from r into the store. Lines that fail to parse
// or validate are recorded in the result and skipped.
func (s *Store) Import(r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	dec := json.NewDecoder(r)
	line := 0

	for {
		var t task.Task
		err := dec.Decode(&t)
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return result, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}

		t.SetDefaults()
		if t.ID == "" {
			t.ID = task.NewID()
		}
		if !opts.KeepRemoteIDs {
			t.RemoteIDs = nil
		}
		if err := t.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		_, getErr := s.GetTask(t.ID)
		exists := getErr == nil
		if exists && !opts.Overwrite {
			result.Skipped++
			continue
		}

		if !opts.DryRun {
			unlock := s.Lock(t.ID)
			err := s.SaveTask(&t)
			unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to write task %s: %v", t.ID, err))
				continue
			}
		}

		if exists {
			result.Replaced++
		} else {
			result.Created++
		}
	}

	return result, nil
}

// ImportFile imports the JSONL file at path.
func (s *Store) ImportFile(path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return s.Import(f, opts)
}
