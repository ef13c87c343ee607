package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/statedb"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskstore"
	"github.com/mschirtzinger/tasksync/internal/transport"
	"github.com/mschirtzinger/tasksync/internal/transport/transporttest"
)

// pollOnly hides the event side of a Memory backend.
type pollOnly struct {
	m *transporttest.Memory
}

func (p pollOnly) FetchAll(ctx context.Context) ([]transport.RemoteRecord, error) {
	return p.m.FetchAll(ctx)
}

func (p pollOnly) CreateMany(ctx context.Context, records []transport.RemoteRecord) (map[string]string, error) {
	return p.m.CreateMany(ctx, records)
}

func (p pollOnly) Update(ctx context.Context, remoteID string, record transport.RemoteRecord) error {
	return p.m.Update(ctx, remoteID, record)
}

func (p pollOnly) Delete(ctx context.Context, remoteID string) error {
	return p.m.Delete(ctx, remoteID)
}

// recorder is an Observer that remembers what it was told.
type recorder struct {
	mu       sync.Mutex
	pushed   []string
	pulled   []string
	failures []Reason
	states   []State
	cycles   int
}

func (r *recorder) OnTaskPushed(_, taskID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, taskID)
}

func (r *recorder) OnTaskPulled(_, taskID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled = append(r.pulled, taskID)
}

func (r *recorder) OnConflict(string, string, reconcile.Policy, reconcile.Winner) {}

func (r *recorder) OnBackendFailure(_ string, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
}

func (r *recorder) OnCycleComplete(string, reconcile.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
}

func (r *recorder) OnStateChange(_ string, _, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) counts() (pushed, pulled, cycles int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushed), len(r.pulled), r.cycles
}

func (r *recorder) hasFailure(reason Reason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.failures {
		if f == reason {
			return true
		}
	}
	return false
}

func (r *recorder) stateHistory() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type fixture struct {
	store  *taskstore.Store
	db     *statedb.DB
	remote *transporttest.Memory
	obs    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := taskstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("taskstore.Open() failed: %v", err)
	}
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("statedb.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	return &fixture{
		store:  store,
		db:     db,
		remote: transporttest.NewMemory(),
		obs:    &recorder{},
	}
}

func (f *fixture) options(id string, src transport.Poller) Options {
	return Options{
		ID:            id,
		Transport:     src,
		Store:         f.store,
		State:         f.db,
		Period:        20 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
		Observer:      f.obs,
		Logger:        log.New(io.Discard, "", 0),
	}
}

func (f *fixture) addTask(t *testing.T, title string, tags ...string) *task.Task {
	t.Helper()
	tk := task.New(title)
	tk.Tags = tags
	if err := f.store.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	return tk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startInstance(t *testing.T, opts Options) *Instance {
	t.Helper()
	in, err := New(opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = in.Stop() })
	return in
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Disabled, Initializing, true},
		{Disabled, Online, false},
		{Initializing, Connected, true},
		{Initializing, AuthFailed, true},
		{Initializing, Online, false},
		{Connected, Online, true},
		{Online, Offline, true},
		{Offline, Online, true},
		{Online, Connected, false},
		{AuthFailed, Disabled, true},
		{AuthFailed, Online, false},
		{AuthFailed, Initializing, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	poll := pollOnly{f.remote}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no id", func(o *Options) { o.ID = "" }},
		{"no transport", func(o *Options) { o.Transport = nil }},
		{"no store", func(o *Options) { o.Store = nil }},
		{"no state", func(o *Options) { o.State = nil }},
		{"bad policy", func(o *Options) { o.Policy = "coin-flip" }},
		{"poll without period", func(o *Options) { o.Period = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := f.options("work", poll)
			tt.mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Error("expected error")
			}
		})
	}

	// Event backends do not need a period.
	opts := f.options("team", f.remote)
	opts.Period = 0
	in, err := New(opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if !in.IsEvent() {
		t.Error("memory backend should be an event backend")
	}
	if in.State() != Disabled {
		t.Errorf("State() = %v, want disabled", in.State())
	}
}

func TestPoll_InitialCycleGoesOnline(t *testing.T) {
	f := newFixture(t)
	tk := f.addTask(t, "Write report")
	f.remote.RemotePut(transport.RemoteRecord{Title: "Remote idea"})

	in := startInstance(t, f.options("work", pollOnly{f.remote}))

	waitFor(t, "online", func() bool { return in.State() == Online })
	if n := f.remote.Len(); n != 2 {
		t.Errorf("remote records = %d, want 2", n)
	}

	got, err := f.store.GetTask(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.RemoteID("work"); !ok {
		t.Error("task should carry its remote id")
	}
	ids, _ := f.store.ListTaskIDs()
	if len(ids) != 2 {
		t.Errorf("local tasks = %d, want 2", len(ids))
	}

	states := f.obs.stateHistory()
	want := []State{Initializing, Connected, Online}
	if len(states) < len(want) {
		t.Fatalf("states = %v", states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Errorf("states = %v, want prefix %v", states, want)
			break
		}
	}

	if _, at := in.LastResult(); at.IsZero() {
		t.Error("LastResult() has no completion time")
	}

	status, err := f.db.ListBackendStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 || status[0].LastSyncAt == nil {
		t.Errorf("backend status = %+v", status)
	}
}

func TestPoll_AuthFailureDisables(t *testing.T) {
	f := newFixture(t)
	f.remote.SetFetchErr(fmt.Errorf("%w: 401 bad token", transport.ErrAuthentication))

	in := startInstance(t, f.options("work", pollOnly{f.remote}))

	waitFor(t, "auth failure", func() bool { return f.obs.hasFailure(AuthenticationFailed) })
	if in.State() != Disabled {
		t.Errorf("State() = %v, want disabled", in.State())
	}

	states := f.obs.stateHistory()
	want := []State{Initializing, AuthFailed, Disabled}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}

	// No silent retry with the same credentials.
	fetches := f.remote.FetchCount()
	time.Sleep(100 * time.Millisecond)
	if got := f.remote.FetchCount(); got != fetches {
		t.Errorf("disabled backend kept fetching: %d -> %d", fetches, got)
	}
	if _, err := in.RunCycle(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("RunCycle() error = %v, want ErrNotRunning", err)
	}
}

func TestPoll_OfflineAndBack(t *testing.T) {
	f := newFixture(t)
	in := startInstance(t, f.options("work", pollOnly{f.remote}))
	waitFor(t, "online", func() bool { return in.State() == Online })

	f.remote.SetFetchErr(fmt.Errorf("%w: connection refused", transport.ErrTransport))
	waitFor(t, "offline", func() bool { return in.State() == Offline })
	if !f.obs.hasFailure(TransportUnavailable) {
		t.Error("expected a transport failure signal")
	}

	// A local edit made while offline goes out once the backend returns.
	tk := f.addTask(t, "Offline edit")
	f.remote.SetFetchErr(nil)
	waitFor(t, "online again", func() bool { return in.State() == Online })
	waitFor(t, "push", func() bool { return f.remote.Len() == 1 })

	got, _ := f.store.GetTask(tk.ID)
	if _, ok := got.RemoteID("work"); !ok {
		t.Error("task should be created remotely after reconnecting")
	}
}

func TestRunCycle_SkipsWhenBusy(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.remote.BeforeFetch = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	in, err := New(f.options("work", pollOnly{f.remote}))
	if err != nil {
		t.Fatal(err)
	}
	if err := in.prepare(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := in.RunCycle(context.Background())
		done <- err
	}()
	<-entered

	if _, err := in.RunCycle(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping RunCycle() error = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first RunCycle() failed: %v", err)
	}
	if got := f.remote.FetchCount(); got != 1 {
		t.Errorf("FetchAll called %d times, want 1", got)
	}

	// Once the first cycle is done the next one runs.
	if _, err := in.RunCycle(context.Background()); err != nil {
		t.Errorf("RunCycle() after completion failed: %v", err)
	}
}

func TestPoll_SyncTagsFilter(t *testing.T) {
	f := newFixture(t)
	work := f.addTask(t, "Quarterly plan", "@work")
	f.addTask(t, "Buy milk", "@home")

	opts := f.options("work", pollOnly{f.remote})
	opts.SyncTags = []string{"@work"}
	in := startInstance(t, opts)
	waitFor(t, "online", func() bool { return in.State() == Online })

	records := f.remote.Records()
	if len(records) != 1 || records[0].Title != "Quarterly plan" {
		t.Fatalf("remote records = %+v, want only the @work task", records)
	}
	got, _ := f.store.GetTask(work.ID)
	if _, ok := got.RemoteID("work"); !ok {
		t.Error("@work task should carry its remote id")
	}
}

func TestEvents_LocalChangeAndEcho(t *testing.T) {
	f := newFixture(t)
	changes := make(chan string, 8)

	opts := f.options("team", f.remote)
	opts.Period = 0
	opts.Changes = changes
	in := startInstance(t, opts)
	waitFor(t, "online", func() bool { return in.State() == Online })

	tk := f.addTask(t, "Plan offsite")
	changes <- tk.ID
	waitFor(t, "remote create", func() bool { return f.remote.Len() == 1 })

	// The backend echoes the create back; it must not be applied locally.
	time.Sleep(100 * time.Millisecond)
	pushed, pulled, _ := f.obs.counts()
	if pushed != 1 || pulled != 0 {
		t.Errorf("pushed=%d pulled=%d, want 1 and 0", pushed, pulled)
	}
	if n := f.remote.UpdateCount(); n != 0 {
		t.Errorf("echo triggered %d updates", n)
	}
	ids, _ := f.store.ListTaskIDs()
	if len(ids) != 1 {
		t.Errorf("local tasks = %d, want 1", len(ids))
	}

	// An independent remote edit afterwards is applied.
	got, _ := f.store.GetTask(tk.ID)
	remoteID, _ := got.RemoteID("team")
	f.remote.RemotePut(transport.RemoteRecord{RemoteID: remoteID, Title: "Plan offsite in May"})
	waitFor(t, "pull", func() bool {
		cur, err := f.store.GetTask(tk.ID)
		return err == nil && cur.Title == "Plan offsite in May"
	})
}

func TestEvents_RemoteCreateAndDelete(t *testing.T) {
	f := newFixture(t)
	opts := f.options("team", f.remote)
	opts.Period = 0
	in := startInstance(t, opts)
	waitFor(t, "online", func() bool { return in.State() == Online })

	remoteID := f.remote.RemotePut(transport.RemoteRecord{Title: "From a teammate"})
	var localID string
	waitFor(t, "local create", func() bool {
		tasks, _ := f.store.ListTasks()
		if len(tasks) == 1 {
			localID = tasks[0].ID
			return true
		}
		return false
	})

	f.remote.EmitMalformed("junk")
	f.remote.RemoteDelete(remoteID)
	waitFor(t, "local delete", func() bool {
		_, err := f.store.GetTask(localID)
		return errors.Is(err, taskstore.ErrTaskNotFound)
	})
	if in.State() != Online {
		t.Errorf("State() = %v after malformed event, want online", in.State())
	}
}

func TestEvents_OfflineSkipsThenResyncs(t *testing.T) {
	f := newFixture(t)
	changes := make(chan string, 8)
	opts := f.options("team", f.remote)
	opts.Period = 0
	opts.Changes = changes
	opts.RetryInterval = time.Hour
	in := startInstance(t, opts)
	waitFor(t, "online", func() bool { return in.State() == Online })

	f.remote.SetOnline(false)
	waitFor(t, "offline", func() bool { return in.State() == Offline })
	if !f.obs.hasFailure(TransportUnavailable) {
		t.Error("expected a transport failure signal")
	}

	// Ignored while offline; picked up by the resync.
	tk := f.addTask(t, "Written offline")
	changes <- tk.ID

	f.remote.SetOnline(true)
	waitFor(t, "online again", func() bool { return in.State() == Online })
	waitFor(t, "remote create", func() bool { return f.remote.Len() == 1 })

	got, _ := f.store.GetTask(tk.ID)
	if _, ok := got.RemoteID("team"); !ok {
		t.Error("task should be created remotely after the resync")
	}
}

func TestEvents_ConnectAuthFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.SetConnectErr(fmt.Errorf("%w: WRONGPASS", transport.ErrAuthentication))

	opts := f.options("team", f.remote)
	opts.Period = 0
	in := startInstance(t, opts)

	waitFor(t, "auth failure", func() bool { return f.obs.hasFailure(AuthenticationFailed) })
	if in.State() != Disabled {
		t.Errorf("State() = %v, want disabled", in.State())
	}
}

func TestEvents_ConnectRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.SetConnectErr(fmt.Errorf("%w: connection refused", transport.ErrTransport))

	opts := f.options("team", f.remote)
	opts.Period = 0
	in := startInstance(t, opts)

	waitFor(t, "offline", func() bool { return in.State() == Offline })
	f.remote.SetConnectErr(nil)
	waitFor(t, "online", func() bool { return in.State() == Online })
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "One shot")

	in, err := New(f.options("work", pollOnly{f.remote}))
	if err != nil {
		t.Fatal(err)
	}
	res, err := in.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if res.CreatedRemote != 1 {
		t.Errorf("CreatedRemote = %d, want 1", res.CreatedRemote)
	}
	if in.State() != Disabled {
		t.Errorf("State() = %v, want disabled", in.State())
	}
	if _, err := in.RunOnce(context.Background()); err == nil {
		t.Error("second RunOnce() should fail")
	}

	n, err := f.db.GetEntryCount(context.Background(), "work")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("persisted ledger entries = %d, want 1", n)
	}
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t)
	in := startInstance(t, f.options("work", pollOnly{f.remote}))
	waitFor(t, "online", func() bool { return in.State() == Online })

	if err := in.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if in.State() != Disabled {
		t.Errorf("State() = %v, want disabled", in.State())
	}
	if err := in.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}
