package task

import "time"

// Wire is the JSON record exchanged with remote backends.
//
//	{"id": "...", "title": "...", "description": "...", "status": "open",
//	 "start_date": "2024-05-01", "due_date": "2024-05-03",
//	 "tags": ["@work"], "subtasks": ["..."]}
type Wire struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	StartDate   string     `json:"start_date,omitempty"`
	DueDate     string     `json:"due_date,omitempty"`
	Tags        []string   `json:"tags"`
	Subtasks    []string   `json:"subtasks"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}
