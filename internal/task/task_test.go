package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid task",
			task:    Task{ID: "t-1", Title: "Buy milk", Status: StatusOpen},
			wantErr: false,
		},
		{
			name:    "missing id",
			task:    Task{Title: "Buy milk", Status: StatusOpen},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "id with separator",
			task:    Task{ID: "a/b", Title: "Buy milk", Status: StatusOpen},
			wantErr: true,
			errMsg:  "path separators",
		},
		{
			name:    "missing title",
			task:    Task{ID: "t-1", Status: StatusOpen},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "title too long",
			task:    Task{ID: "t-1", Title: strings.Repeat("x", 501), Status: StatusOpen},
			wantErr: true,
			errMsg:  "title must be 500 characters or less",
		},
		{
			name:    "unknown status",
			task:    Task{ID: "t-1", Title: "Buy milk", Status: "in_progress"},
			wantErr: true,
			errMsg:  "invalid status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestTask_SetDefaults(t *testing.T) {
	tk := &Task{ID: "t-1", Title: "x"}
	tk.SetDefaults()

	if tk.Status != StatusOpen {
		t.Errorf("Status = %q, want %q", tk.Status, StatusOpen)
	}
	if tk.Tags == nil {
		t.Error("Tags should be non-nil after SetDefaults")
	}
	if tk.CreatedAt.IsZero() || tk.UpdatedAt.IsZero() {
		t.Error("timestamps should be set after SetDefaults")
	}
}

func TestTask_RemoteIDs(t *testing.T) {
	tk := New("Call the bank")

	if _, ok := tk.RemoteID("rest"); ok {
		t.Fatal("new task should have no remote id")
	}

	tk.SetRemoteID("rest", "r-42")
	if id, ok := tk.RemoteID("rest"); !ok || id != "r-42" {
		t.Errorf("RemoteID(rest) = %q, %v; want r-42, true", id, ok)
	}

	tk.ClearRemoteID("rest")
	if _, ok := tk.RemoteID("rest"); ok {
		t.Error("remote id should be cleared")
	}
}

func TestTask_Clone(t *testing.T) {
	due := NewDate(2024, time.May, 3)
	orig := &Task{
		ID:        "t-1",
		Title:     "x",
		Status:    StatusOpen,
		Tags:      []string{"@work"},
		DueDate:   &due,
		RemoteIDs: map[string]string{"rest": "r-1"},
	}

	c := orig.Clone()
	c.Tags[0] = "@home"
	c.DueDate.Day = 9
	c.RemoteIDs["rest"] = "r-2"

	if orig.Tags[0] != "@work" {
		t.Error("Clone shares the tags slice")
	}
	if orig.DueDate.Day != 3 {
		t.Error("Clone shares the due date")
	}
	if orig.RemoteIDs["rest"] != "r-1" {
		t.Error("Clone shares the remote id map")
	}
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	start := NewDate(2024, time.May, 1)

	orig := &Task{
		ID:          "t-roundtrip",
		Title:       "Write report",
		Description: "<content>draft</content>",
		Status:      StatusOpen,
		StartDate:   &start,
		Tags:        []string{"@work"},
		RemoteIDs:   map[string]string{"rest": "r-7"},
	}
	orig.SetDefaults()

	if err := WriteFile(dir, orig); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "t-roundtrip.json.tmp")); !os.IsNotExist(err) {
		t.Error("temporary file should not remain after WriteFile")
	}

	got, err := ReadFile(filepath.Join(dir, orig.Filename()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if got.Title != orig.Title || got.Description != orig.Description {
		t.Errorf("content mismatch: got %q/%q", got.Title, got.Description)
	}
	if got.StartDate == nil || *got.StartDate != start {
		t.Errorf("StartDate = %v, want %v", got.StartDate, start)
	}
	if got.DueDate != nil {
		t.Errorf("DueDate = %v, want nil", got.DueDate)
	}
	if got.RemoteIDs["rest"] != "r-7" {
		t.Errorf("RemoteIDs = %v", got.RemoteIDs)
	}
}

func TestWriteFile_RejectsInvalid(t *testing.T) {
	if err := WriteFile(t.TempDir(), &Task{ID: "t-1"}); err == nil {
		t.Fatal("expected error writing task without title")
	}
}

func TestReadAll_SkipsInvalid(t *testing.T) {
	dir := t.TempDir()

	if err := WriteFile(dir, New("valid")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	tasks, err := ReadAll(dir)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("ReadAll returned %d tasks, want 1", len(tasks))
	}
}

func TestReadAll_MissingDirectory(t *testing.T) {
	tasks, err := ReadAll(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(tasks))
	}
}

func TestDate_JSON(t *testing.T) {
	d := NewDate(2024, time.February, 29)

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"2024-02-29"` {
		t.Errorf("Marshal = %s", data)
	}

	var back Date
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != d {
		t.Errorf("Unmarshal = %v, want %v", back, d)
	}

	if err := json.Unmarshal([]byte(`"29/02/2024"`), &back); err == nil {
		t.Error("expected error for non ISO date")
	}
}

func TestDate_Helpers(t *testing.T) {
	if FormatDate(nil) != "" {
		t.Error("FormatDate(nil) should be empty")
	}

	d, err := ParseOptionalDate("")
	if err != nil || d != nil {
		t.Errorf("ParseOptionalDate(\"\") = %v, %v", d, err)
	}

	d, err = ParseOptionalDate("2024-12-31")
	if err != nil {
		t.Fatalf("ParseOptionalDate failed: %v", err)
	}
	if !NewDate(2024, time.January, 1).Before(*d) {
		t.Error("Before returned false for earlier date")
	}
}

func TestIDFromFilename(t *testing.T) {
	tests := []struct {
		in     string
		wantID string
		wantOK bool
	}{
		{"/tmp/tasks/t-1.json", "t-1", true},
		{"t-2.json", "t-2", true},
		{"t-3.json.tmp", "", false},
		{".json", "", false},
	}
	for _, tt := range tests {
		id, ok := IDFromFilename(tt.in)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("IDFromFilename(%q) = %q, %v; want %q, %v", tt.in, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
