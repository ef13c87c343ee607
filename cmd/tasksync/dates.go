package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/mschirtzinger/tasksync/internal/task"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDateArg accepts YYYY-MM-DD or a natural language date such as
// "tomorrow" or "next friday", relative to now. The empty string and
// "none" clear the date.
func parseDateArg(s string, now time.Time) (*task.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return nil, nil
	}
	if d, err := task.ParseDate(s); err == nil {
		return &d, nil
	}

	r, err := dateParser.Parse(s, now)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("invalid date %q: not a date", s)
	}
	d := task.DateOf(r.Time)
	return &d, nil
}
