package reconcile

import (
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

const testBackend = "rest"

func newTestTask(id, title string, remoteID string) *task.Task {
	t := &task.Task{ID: id, Title: title}
	t.SetDefaults()
	if remoteID != "" {
		t.SetRemoteID(testBackend, remoteID)
	}
	return t
}

func recordFor(t *task.Task, remoteID string) transport.RemoteRecord {
	r := transport.FromTask(t, remoteID)
	r.LocalID = ""
	return r
}

func TestClassify_ThreeWay(t *testing.T) {
	base := newTestTask("t-1", "Original", "r-1")
	baseDigest := ledger.TaskDigest(base)

	edited := func(title string) *task.Task {
		c := base.Clone()
		c.Title = title
		return c
	}

	tests := []struct {
		name     string
		local    *task.Task
		remote   *task.Task
		hasEntry bool
		want     Kind
	}{
		{"unchanged", base, base, true, NoOp},
		{"local edited", edited("Local"), base, true, PushLocal},
		{"remote edited", base, edited("Remote"), true, PullRemote},
		{"both edited differently", edited("Local"), edited("Remote"), true, Conflict},
		{"both edited identically", edited("Same"), edited("Same"), true, NoOp},
		{"no baseline and equal", base, base, false, NoOp},
		{"no baseline and different", edited("Local"), base, false, Conflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{
				BackendID: testBackend,
				Local:     map[string]*task.Task{"t-1": tt.local},
				Remote:    []transport.RemoteRecord{recordFor(tt.remote, "r-1")},
				Ledger:    map[string]ledger.Entry{},
			}
			if tt.hasEntry {
				in.Ledger["t-1"] = ledger.Entry{Digest: baseDigest, RemoteID: "r-1"}
			}

			plan := Classify(in)
			if len(plan.Actions) != 1 {
				t.Fatalf("Classify() returned %d actions, want 1", len(plan.Actions))
			}
			a := plan.Actions[0]
			if a.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", a.Kind, tt.want)
			}
			if a.TaskID != "t-1" || a.RemoteID != "r-1" {
				t.Errorf("ids = %q/%q", a.TaskID, a.RemoteID)
			}
		})
	}
}

func TestClassify_CreatesAndDeletes(t *testing.T) {
	fresh := newTestTask("t-new", "Fresh", "")
	gone := newTestTask("t-gone", "Gone remotely", "r-gone")
	foreign := transport.RemoteRecord{RemoteID: "r-foreign", Title: "From elsewhere", Status: task.StatusOpen}

	in := Input{
		BackendID: testBackend,
		Local: map[string]*task.Task{
			"t-new":  fresh,
			"t-gone": gone,
		},
		Remote: []transport.RemoteRecord{foreign},
		Ledger: map[string]ledger.Entry{
			"t-gone":    {Digest: ledger.TaskDigest(gone), RemoteID: "r-gone"},
			"t-deleted": {Digest: "abc", RemoteID: "r-deleted"},
		},
	}

	plan := Classify(in)
	got := make(map[Kind]Action)
	for _, a := range plan.Actions {
		got[a.Kind] = a
	}

	if a, ok := got[CreateRemote]; !ok || a.TaskID != "t-new" {
		t.Errorf("missing CreateRemote for t-new: %+v", plan.Actions)
	}
	if a, ok := got[DeleteLocal]; !ok || a.TaskID != "t-gone" {
		t.Errorf("missing DeleteLocal for t-gone: %+v", plan.Actions)
	}
	if a, ok := got[CreateLocal]; !ok || a.RemoteID != "r-foreign" || a.Record == nil {
		t.Errorf("missing CreateLocal for r-foreign: %+v", plan.Actions)
	}
	if a, ok := got[DeleteRemote]; !ok || a.TaskID != "t-deleted" || a.RemoteID != "r-deleted" {
		t.Errorf("missing DeleteRemote for t-deleted: %+v", plan.Actions)
	}
	if len(plan.Actions) != 4 {
		t.Errorf("Classify() returned %d actions, want 4", len(plan.Actions))
	}
}

func TestClassify_LedgerRemoteIDClaimsRecord(t *testing.T) {
	// The task lost its remote id map but the ledger still knows it.
	local := newTestTask("t-1", "Task", "")
	in := Input{
		BackendID: testBackend,
		Local:     map[string]*task.Task{"t-1": local},
		Remote:    []transport.RemoteRecord{recordFor(local, "r-1")},
		Ledger:    map[string]ledger.Entry{"t-1": {Digest: ledger.TaskDigest(local), RemoteID: "r-1"}},
	}

	plan := Classify(in)
	if len(plan.Actions) != 1 || plan.Actions[0].Kind != NoOp {
		t.Fatalf("Classify() = %+v, want a single NoOp", plan.Actions)
	}
}

func TestClassify_ExcludedAndSkipped(t *testing.T) {
	excluded := newTestTask("t-private", "Private", "r-private")
	in := Input{
		BackendID: testBackend,
		Local:     map[string]*task.Task{},
		Excluded:  map[string]*task.Task{"t-private": excluded},
		Skip:      map[string]bool{"t-broken": true},
		Remote: []transport.RemoteRecord{
			recordFor(excluded, "r-private"),
			{RemoteID: "r-broken", Title: "Broken locally", Status: task.StatusOpen},
		},
		Ledger: map[string]ledger.Entry{
			"t-private": {Digest: ledger.TaskDigest(excluded), RemoteID: "r-private"},
			"t-broken":  {Digest: "abc", RemoteID: "r-broken"},
		},
	}

	plan := Classify(in)
	for _, a := range plan.Actions {
		switch {
		case a.Kind == CreateLocal:
			t.Errorf("unexpected CreateLocal for %s", a.RemoteID)
		case a.TaskID == "t-broken":
			t.Errorf("unreadable task must be left alone, got %v", a.Kind)
		}
	}
	if plan.Count(DeleteRemote) != 1 {
		t.Errorf("want the excluded task retracted, got %+v", plan.Actions)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	a := newTestTask("t-a", "A", "r-a")
	b := newTestTask("t-b", "B", "r-b")
	in := Input{
		BackendID: testBackend,
		Local:     map[string]*task.Task{"t-a": a, "t-b": b},
		Remote:    []transport.RemoteRecord{recordFor(a, "r-a"), recordFor(b, "r-b")},
		Ledger: map[string]ledger.Entry{
			"t-a": {Digest: ledger.TaskDigest(a), RemoteID: "r-a"},
			"t-b": {Digest: ledger.TaskDigest(b), RemoteID: "r-b"},
		},
	}

	plan := Classify(in)
	if plan.Changes() != 0 {
		t.Errorf("Changes() = %d on a synced state, want 0", plan.Changes())
	}
}

func TestPlan_Ordered(t *testing.T) {
	plan := Plan{Actions: []Action{
		{Kind: PushLocal, TaskID: "t-3"},
		{Kind: CreateLocal, RemoteID: "r-9"},
		{Kind: CreateRemote, TaskID: "t-2"},
		{Kind: DeleteRemote, TaskID: "t-5"},
		{Kind: CreateRemote, TaskID: "t-1"},
		{Kind: DeleteLocal, TaskID: "t-4"},
		{Kind: NoOp, TaskID: "t-0"},
	}}

	var got []string
	for _, a := range plan.Ordered() {
		got = append(got, a.Kind.String()+":"+a.sortKey())
	}
	want := []string{
		"delete-local:t-4",
		"delete-remote:t-5",
		"create-remote:t-1",
		"create-remote:t-2",
		"create-local:r-9",
		"noop:t-0",
		"push-local:t-3",
	}

	if len(got) != len(want) {
		t.Fatalf("Ordered() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Ordered()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestClassifyLocalChange(t *testing.T) {
	synced := newTestTask("t-1", "Synced", "r-1")
	entry := ledger.Entry{Digest: ledger.TaskDigest(synced), RemoteID: "r-1"}
	edited := synced.Clone()
	edited.Title = "Edited"

	tests := []struct {
		name     string
		t        *task.Task
		hasEntry bool
		want     Kind
	}{
		{"deleted known task", nil, true, DeleteRemote},
		{"deleted unknown task", nil, false, NoOp},
		{"new task", newTestTask("t-1", "New", ""), false, CreateRemote},
		{"unchanged", synced, true, NoOp},
		{"edited", edited, true, PushLocal},
		{"remote id without baseline", synced, false, PushLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := entry
			if !tt.hasEntry {
				e = ledger.Entry{}
			}
			a := ClassifyLocalChange(testBackend, "t-1", tt.t, e, tt.hasEntry, nil)
			if a.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", a.Kind, tt.want)
			}
		})
	}
}

func TestClassifyRemoteEvent(t *testing.T) {
	synced := newTestTask("t-1", "Synced", "r-1")
	entry := ledger.Entry{Digest: ledger.TaskDigest(synced), RemoteID: "r-1"}
	changed := recordFor(synced, "r-1")
	changed.Title = "Changed remotely"
	same := recordFor(synced, "r-1")

	tests := []struct {
		name     string
		taskID   string
		t        *task.Task
		hasEntry bool
		ev       transport.Event
		want     Kind
	}{
		{"delete of known task", "t-1", synced, true, transport.Event{Kind: transport.EventDeleted, RemoteID: "r-1"}, DeleteLocal},
		{"delete of unknown record", "", nil, false, transport.Event{Kind: transport.EventDeleted, RemoteID: "r-x"}, NoOp},
		{"new record", "", nil, false, transport.Event{Kind: transport.EventCreated, RemoteID: "r-2", Record: &changed}, CreateLocal},
		{"update of locally deleted task", "t-1", nil, true, transport.Event{Kind: transport.EventUpdated, RemoteID: "r-1", Record: &changed}, DeleteRemote},
		{"update", "t-1", synced, true, transport.Event{Kind: transport.EventUpdated, RemoteID: "r-1", Record: &changed}, PullRemote},
		{"update with same content", "t-1", synced, true, transport.Event{Kind: transport.EventUpdated, RemoteID: "r-1", Record: &same}, NoOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := entry
			if !tt.hasEntry {
				e = ledger.Entry{}
			}
			a := ClassifyRemoteEvent(testBackend, tt.taskID, tt.t, e, tt.hasEntry, tt.ev, nil)
			if a.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", a.Kind, tt.want)
			}
		})
	}
}

func TestClassify_ChannelRouting(t *testing.T) {
	channels := []string{"@a", "@b"}
	base := newTestTask("t-1", "Shared", "r-1")
	base.Tags = []string{"@a", "@b"}
	baseEntry := ledger.Entry{Digest: ledger.TaskDigest(base), RemoteID: "r-1", Route: "@a,@b"}

	tagged := func(tags ...string) *task.Task {
		c := base.Clone()
		c.Tags = tags
		return c
	}

	tests := []struct {
		name     string
		local    *task.Task
		remote   *task.Task
		entry    ledger.Entry
		channels []string
		want     Kind
	}{
		{"unchanged", base, base, baseEntry, channels, NoOp},
		{"shared tag removed locally", tagged("@b"), base, baseEntry, channels, PushLocal},
		{"shared tag removed remotely", base, tagged("@b"), baseEntry, channels, PullRemote},
		{"shared tag added locally", tagged("@a", "@b", "@x"), base, baseEntry, channels, NoOp},
		{"channel joined since last sync", base, base, ledger.Entry{Digest: baseEntry.Digest, RemoteID: "r-1", Route: "@b"}, channels, PushLocal},
		{"both sides retagged differently", tagged("@a"), tagged("@b"), baseEntry, channels, Conflict},
		{"tags ignored without channels", tagged("@b"), base, ledger.Entry{Digest: baseEntry.Digest, RemoteID: "r-1"}, nil, NoOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Classify(Input{
				BackendID: testBackend,
				Local:     map[string]*task.Task{"t-1": tt.local},
				Remote:    []transport.RemoteRecord{recordFor(tt.remote, "r-1")},
				Ledger:    map[string]ledger.Entry{"t-1": tt.entry},
				Channels:  tt.channels,
			})
			if len(plan.Actions) != 1 {
				t.Fatalf("Classify() returned %d actions, want 1", len(plan.Actions))
			}
			if a := plan.Actions[0]; a.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", a.Kind, tt.want)
			}
		})
	}
}

func TestClassifyLocalChange_Route(t *testing.T) {
	channels := []string{"@a", "@b"}
	synced := newTestTask("t-1", "Shared", "r-1")
	synced.Tags = []string{"@a", "@b"}
	entry := ledger.Entry{Digest: ledger.TaskDigest(synced), RemoteID: "r-1", Route: "@a,@b"}

	if a := ClassifyLocalChange(testBackend, "t-1", synced, entry, true, channels); a.Kind != NoOp || a.LocalRoute != "@a,@b" {
		t.Errorf("unchanged: %v route %q", a.Kind, a.LocalRoute)
	}

	retagged := synced.Clone()
	retagged.Tags = []string{"@b"}
	a := ClassifyLocalChange(testBackend, "t-1", retagged, entry, true, channels)
	if a.Kind != PushLocal || a.LocalRoute != "@b" {
		t.Errorf("retagged: %v route %q, want push-local route @b", a.Kind, a.LocalRoute)
	}
}

func TestPolicy_Resolve(t *testing.T) {
	older := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	local := func(at time.Time) *task.Task {
		tk := newTestTask("t-1", "Local", "r-1")
		tk.UpdatedAt = at
		return tk
	}
	remote := func(at time.Time) transport.RemoteRecord {
		return transport.RemoteRecord{RemoteID: "r-1", Title: "Remote", UpdatedAt: at}
	}

	tests := []struct {
		name   string
		policy Policy
		local  time.Time
		remote time.Time
		want   Winner
	}{
		{"remote wins", RemoteWins, newer, older, WinnerRemote},
		{"local wins", LocalWins, older, newer, WinnerLocal},
		{"manual", Manual, newer, older, WinnerNone},
		{"newest local", NewestWins, newer, older, WinnerLocal},
		{"newest remote", NewestWins, older, newer, WinnerRemote},
		{"newest tie", NewestWins, older, older, WinnerRemote},
		{"newest missing remote time", NewestWins, newer, time.Time{}, WinnerRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Resolve(local(tt.local), remote(tt.remote)); got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != DefaultPolicy {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	for _, want := range Policies {
		if p, err := ParsePolicy(string(want)); err != nil || p != want {
			t.Errorf("ParsePolicy(%q) = %v, %v", want, p, err)
		}
	}
	if _, err := ParsePolicy("first-wins"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
