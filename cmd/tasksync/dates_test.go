package main

import (
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/task"
)

func TestParseDateArg(t *testing.T) {
	// Wednesday
	now := time.Date(2024, time.March, 6, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "none", want: ""},
		{in: "2024-12-24", want: "2024-12-24"},
		{in: "tomorrow", want: "2024-03-07"},
		{in: "today", want: "2024-03-06"},
		{in: "in 3 days", want: "2024-03-09"},
		{in: "gibberish", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDateArg(tt.in, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", task.FormatDate(got))
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDateArg() failed: %v", err)
			}
			if task.FormatDate(got) != tt.want {
				t.Errorf("parseDateArg(%q) = %q, want %q", tt.in, task.FormatDate(got), tt.want)
			}
		})
	}
}
