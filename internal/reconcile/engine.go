package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/echo"
	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// LocalStore is the local task collection the engine mirrors.
//
// GetTask and DeleteTask report a missing task with an error wrapping
// fs.ErrNotExist.
type LocalStore interface {
	ListTaskIDs() ([]string, error)
	GetTask(id string) (*task.Task, error)
	CreateTask(t *task.Task) error
	SaveTask(t *task.Task) error
	DeleteTask(id string) error

	// Lock serializes writers of one task and returns the unlock func.
	Lock(id string) func()
}

// Observer is told about every change the engine applies.
type Observer interface {
	OnTaskPushed(backendID, taskID, remoteID string)
	OnTaskPulled(backendID, taskID, remoteID string)
	OnConflict(backendID, taskID string, policy Policy, winner Winner)
}

// Config holds the collaborators of an Engine.
type Config struct {
	BackendID string
	Store     LocalStore
	Remote    transport.Writer
	Ledger    *ledger.Ledger

	// Policy resolves conflicts. Empty means DefaultPolicy.
	Policy Policy

	// Guard suppresses echoes of the engine's own writes. Event backends
	// must set it; poll backends leave it nil.
	Guard *echo.Guard

	// Filter selects the local tasks that take part in sync. Nil means all.
	Filter func(*task.Task) bool

	// Channels returns the tags a channel backend routes records by. The
	// ledger records each task's route so that tag changes re-route the
	// record. Nil for backends without channels.
	Channels func() []string

	Observer Observer
	Logger   *log.Logger
}

// Engine reconciles one backend against the local store.
type Engine struct {
	backendID string
	store     LocalStore
	remote    transport.Writer
	ledger    *ledger.Ledger
	policy    Policy
	guard     *echo.Guard
	filter    func(*task.Task) bool
	channels  func() []string
	observer  Observer
	logger    *log.Logger
}

// New creates an Engine.
//
// If cfg.Logger is nil, a default logger writing to stderr is used.
func New(cfg Config) (*Engine, error) {
	if cfg.BackendID == "" {
		return nil, fmt.Errorf("backend id cannot be empty")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}

	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Engine{
		backendID: cfg.BackendID,
		store:     cfg.Store,
		remote:    cfg.Remote,
		ledger:    cfg.Ledger,
		policy:    policy,
		guard:     cfg.Guard,
		filter:    cfg.Filter,
		channels:  cfg.Channels,
		observer:  observer,
		logger:    logger,
	}, nil
}

// Ledger returns the engine's ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Policy returns the conflict policy in effect.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Result counts what a cycle or event did.
type Result struct {
	CreatedRemote int
	CreatedLocal  int
	Pushed        int
	Pulled        int
	DeletedLocal  int
	DeletedRemote int
	Conflicts     int
	Deferred      int // conflicts left for a human
	Unchanged     int
	Echoes        int // notifications recognized as our own writes
	Failed        int

	Canceled bool
	Duration time.Duration
}

// Changes returns the number of writes applied to either side.
func (r Result) Changes() int {
	return r.CreatedRemote + r.CreatedLocal + r.Pushed + r.Pulled +
		r.DeletedLocal + r.DeletedRemote + r.Conflicts - r.Deferred
}

// String summarizes the non-zero counters.
func (r Result) String() string {
	fields := []struct {
		name string
		n    int
	}{
		{"created_remote", r.CreatedRemote},
		{"created_local", r.CreatedLocal},
		{"pushed", r.Pushed},
		{"pulled", r.Pulled},
		{"deleted_local", r.DeletedLocal},
		{"deleted_remote", r.DeletedRemote},
		{"conflicts", r.Conflicts},
		{"deferred", r.Deferred},
		{"failed", r.Failed},
	}

	var parts []string
	for _, f := range fields {
		if f.n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", f.name, f.n))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no changes")
	}
	if r.Canceled {
		parts = append(parts, "canceled")
	}
	return strings.Join(parts, " ")
}

// RunCycle performs a full reconciliation against the given remote record
// set and persists the ledger.
//
// Per-task failures are logged and counted; the cycle continues with the
// next task and the failed task's ledger entry is left as it was. The
// returned error is non-nil only when the local store cannot be listed or
// the backend rejected its credentials.
func (e *Engine) RunCycle(ctx context.Context, remote []transport.RemoteRecord) (Result, error) {
	start := time.Now()

	in, err := e.loadInput(remote)
	if err != nil {
		return Result{}, err
	}

	plan := Classify(in)
	e.logger.Printf("Cycle for %s: %d local, %d remote, %d known, %d changes planned",
		e.backendID, len(in.Local), len(remote), len(in.Ledger), plan.Changes())

	res, execErr := e.Execute(ctx, plan)

	if err := e.ledger.Save(context.WithoutCancel(ctx)); err != nil {
		e.logger.Printf("WARNING: %v", err)
		if execErr == nil {
			execErr = err
		}
	}

	res.Duration = time.Since(start)
	e.logger.Printf("Cycle for %s complete in %v: %s", e.backendID, res.Duration.Round(time.Millisecond), res)
	return res, execErr
}

// loadInput reads the local store and snapshots the ledger.
func (e *Engine) loadInput(remote []transport.RemoteRecord) (Input, error) {
	ids, err := e.store.ListTaskIDs()
	if err != nil {
		return Input{}, fmt.Errorf("failed to list local tasks: %w", err)
	}

	in := Input{
		BackendID: e.backendID,
		Local:     make(map[string]*task.Task, len(ids)),
		Excluded:  make(map[string]*task.Task),
		Skip:      make(map[string]bool),
		Remote:    remote,
		Ledger:    e.ledger.Snapshot(),
		Channels:  e.channelTags(),
	}

	for _, id := range ids {
		t, err := e.store.GetTask(id)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			e.logger.Printf("WARNING: Skipping unreadable task %s: %v", id, err)
			in.Skip[id] = true
			continue
		}
		if e.syncable(t) {
			in.Local[id] = t
		} else {
			in.Excluded[id] = t
		}
	}

	return in, nil
}

func (e *Engine) syncable(t *task.Task) bool {
	return e.filter == nil || e.filter(t)
}

func (e *Engine) channelTags() []string {
	if e.channels == nil {
		return nil
	}
	return e.channels()
}

// entryFor is the ledger entry of a task that both sides now agree on.
func (e *Engine) entryFor(t *task.Task, remoteID string) ledger.Entry {
	return ledger.Entry{
		Digest:   ledger.TaskDigest(t),
		RemoteID: remoteID,
		Route:    ledger.Route(t.Tags, e.channelTags()),
	}
}

// Execute applies a plan in order: deletes, creates, then push/pull/conflict.
//
// Cancellation is honored between tasks; a task that has started is always
// finished. An authentication failure stops execution and is returned.
func (e *Engine) Execute(ctx context.Context, plan Plan) (Result, error) {
	var res Result
	actions := plan.Ordered()

	for i := 0; i < len(actions); {
		if ctx.Err() != nil {
			res.Canceled = true
			break
		}

		if actions[i].Kind == CreateRemote {
			j := i
			for j < len(actions) && actions[j].Kind == CreateRemote {
				j++
			}
			err := e.createRemote(ctx, actions[i:j], &res)
			i = j
			if transport.IsFatal(err) {
				return res, err
			}
			continue
		}

		a := actions[i]
		i++
		if err := e.apply(ctx, a, &res); err != nil {
			res.Failed++
			e.logger.Printf("WARNING: Failed to %s task %s: %v", a.Kind, a.sortKey(), err)
			if transport.IsFatal(err) {
				return res, err
			}
		}
	}

	return res, nil
}

// HandleLocalChange reconciles a single task after a local change
// notification. Echoes of the engine's own writes are ignored.
func (e *Engine) HandleLocalChange(ctx context.Context, taskID string) (Result, error) {
	if e.guard != nil && e.guard.ConsumeIfPending(taskID, echo.Local) {
		return Result{Echoes: 1}, nil
	}

	t, err := e.getTask(taskID)
	if err != nil {
		return Result{}, err
	}
	if t != nil && !e.syncable(t) {
		t = nil
	}

	entry, ok := e.ledger.Get(taskID)
	a := ClassifyLocalChange(e.backendID, taskID, t, entry, ok, e.channelTags())
	return e.executeOne(ctx, a)
}

// HandleRemoteEvent reconciles a single task after a remote event.
// Echoes of the engine's own writes and malformed payloads are ignored.
func (e *Engine) HandleRemoteEvent(ctx context.Context, ev transport.Event) (Result, error) {
	if ev.Err != nil {
		e.logger.Printf("WARNING: Skipping malformed remote record %s: %v", ev.RemoteID, ev.Err)
		return Result{}, nil
	}
	if ev.Kind != transport.EventDeleted && ev.Record == nil {
		e.logger.Printf("WARNING: Skipping %s event for %s without record", ev.Kind, ev.RemoteID)
		return Result{}, nil
	}

	taskID, err := e.taskForRemoteID(ev.RemoteID)
	if err != nil {
		return Result{}, err
	}
	if taskID != "" && e.guard != nil && e.guard.ConsumeIfPending(taskID, echo.Remote) {
		return Result{Echoes: 1}, nil
	}

	var t *task.Task
	if taskID != "" {
		if t, err = e.getTask(taskID); err != nil {
			return Result{}, err
		}
		if t != nil && !e.syncable(t) {
			if _, known := e.ledger.Get(taskID); !known {
				// An excluded task still claims its remote id.
				return Result{}, nil
			}
			t = nil
		}
	}

	entry, ok := e.ledger.Get(taskID)
	a := ClassifyRemoteEvent(e.backendID, taskID, t, entry, ok && taskID != "", ev, e.channelTags())
	return e.executeOne(ctx, a)
}

// taskForRemoteID maps a remote id to a local task id through the ledger,
// falling back to the remote ids the tasks carry themselves. A task that
// holds the id without a ledger entry is matched instead of duplicated.
func (e *Engine) taskForRemoteID(remoteID string) (string, error) {
	if id := e.ledger.KnownRemoteIDs()[remoteID]; id != "" {
		return id, nil
	}

	ids, err := e.store.ListTaskIDs()
	if err != nil {
		return "", fmt.Errorf("failed to list local tasks: %w", err)
	}
	for _, id := range ids {
		t, err := e.store.GetTask(id)
		if err != nil {
			continue
		}
		if rid, ok := t.RemoteID(e.backendID); ok && rid == remoteID {
			return id, nil
		}
	}
	return "", nil
}

func (e *Engine) executeOne(ctx context.Context, a Action) (Result, error) {
	res, err := e.Execute(ctx, Plan{Actions: []Action{a}})
	if saveErr := e.ledger.Save(context.WithoutCancel(ctx)); saveErr != nil {
		e.logger.Printf("WARNING: %v", saveErr)
	}
	return res, err
}

// getTask returns nil without error when the task does not exist.
func (e *Engine) getTask(id string) (*task.Task, error) {
	t, err := e.store.GetTask(id)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return t, nil
}

// apply executes every action kind except CreateRemote.
func (e *Engine) apply(ctx context.Context, a Action, res *Result) error {
	switch a.Kind {
	case NoOp:
		if a.TaskID != "" && a.RemoteID != "" && a.LocalDigest != "" {
			e.ledger.Set(a.TaskID, ledger.Entry{Digest: a.LocalDigest, RemoteID: a.RemoteID, Route: a.LocalRoute})
		}
		res.Unchanged++
		return nil

	case DeleteLocal:
		return e.deleteLocal(a, res)

	case DeleteRemote:
		return e.deleteRemote(ctx, a, res)

	case CreateLocal:
		return e.createLocal(a, res)

	case PushLocal, PullRemote, Conflict:
		unlock := e.store.Lock(a.TaskID)
		defer unlock()

		t, err := e.store.GetTask(a.TaskID)
		if err != nil {
			return fmt.Errorf("failed to read task: %w", err)
		}

		switch a.Kind {
		case PushLocal:
			if err := e.push(ctx, t, a.RemoteID); err != nil {
				return err
			}
			res.Pushed++
			return nil

		case PullRemote:
			if err := e.pull(t, *a.Record, a.RemoteID); err != nil {
				return err
			}
			res.Pulled++
			return nil

		default:
			return e.resolve(ctx, t, a, res)
		}
	}

	return fmt.Errorf("unknown action %v", a.Kind)
}

func (e *Engine) resolve(ctx context.Context, t *task.Task, a Action, res *Result) error {
	winner := e.policy.Resolve(t, *a.Record)
	res.Conflicts++
	e.observer.OnConflict(e.backendID, t.ID, e.policy, winner)

	switch winner {
	case WinnerLocal:
		e.logger.Printf("Conflict on task %s resolved by %s: local wins", t.ID, e.policy)
		return e.push(ctx, t, a.RemoteID)
	case WinnerRemote:
		e.logger.Printf("Conflict on task %s resolved by %s: remote wins", t.ID, e.policy)
		return e.pull(t, *a.Record, a.RemoteID)
	default:
		e.logger.Printf("Conflict on task %s left for manual resolution", t.ID)
		res.Deferred++
		return nil
	}
}

// push sends t to the backend. The caller holds the task lock.
func (e *Engine) push(ctx context.Context, t *task.Task, remoteID string) error {
	rec := transport.FromTask(t, remoteID)

	e.markRemote(t.ID)
	if err := e.remote.Update(ctx, remoteID, rec); err != nil {
		e.forget(t.ID, echo.Remote)
		return fmt.Errorf("failed to update remote %s: %w", remoteID, err)
	}

	if _, ok := t.RemoteID(e.backendID); !ok {
		t.SetRemoteID(e.backendID, remoteID)
		if err := e.store.SaveTask(t); err != nil {
			e.logger.Printf("WARNING: Failed to record remote id of task %s: %v", t.ID, err)
		}
	}

	e.ledger.Set(t.ID, e.entryFor(t, remoteID))
	e.observer.OnTaskPushed(e.backendID, t.ID, remoteID)
	return nil
}

// pull overwrites t with rec. The caller holds the task lock.
func (e *Engine) pull(t *task.Task, rec transport.RemoteRecord, remoteID string) error {
	rec.ApplyTo(t)
	t.SetRemoteID(e.backendID, remoteID)

	e.markLocal(t.ID)
	if err := e.store.SaveTask(t); err != nil {
		e.forget(t.ID, echo.Local)
		return fmt.Errorf("failed to save task: %w", err)
	}

	e.ledger.Set(t.ID, e.entryFor(t, remoteID))
	e.observer.OnTaskPulled(e.backendID, t.ID, remoteID)
	return nil
}

func (e *Engine) createLocal(a Action, res *Result) error {
	t := a.Record.ToTask(task.NewID())
	t.SetRemoteID(e.backendID, a.RemoteID)

	unlock := e.store.Lock(t.ID)
	defer unlock()

	e.markLocal(t.ID)
	if err := e.store.CreateTask(t); err != nil {
		e.forget(t.ID, echo.Local)
		return fmt.Errorf("failed to create task: %w", err)
	}

	e.ledger.Set(t.ID, e.entryFor(t, a.RemoteID))
	e.observer.OnTaskPulled(e.backendID, t.ID, a.RemoteID)
	res.CreatedLocal++
	return nil
}

func (e *Engine) deleteLocal(a Action, res *Result) error {
	unlock := e.store.Lock(a.TaskID)
	defer unlock()

	e.markLocal(a.TaskID)
	err := e.store.DeleteTask(a.TaskID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		e.forget(a.TaskID, echo.Local)
	case err != nil:
		e.forget(a.TaskID, echo.Local)
		return fmt.Errorf("failed to delete task: %w", err)
	default:
		e.observer.OnTaskPulled(e.backendID, a.TaskID, a.RemoteID)
		res.DeletedLocal++
	}

	e.ledger.Remove(a.TaskID)
	return nil
}

// deleteRemote retracts a task that is gone locally or no longer takes part
// in sync. No echo marker is placed: once the ledger entry is removed the
// retraction event cannot be mapped back to the task and is a no-op anyway.
func (e *Engine) deleteRemote(ctx context.Context, a Action, res *Result) error {
	if a.RemoteID != "" {
		if err := e.remote.Delete(ctx, a.RemoteID); err != nil {
			return fmt.Errorf("failed to delete remote %s: %w", a.RemoteID, err)
		}
		e.observer.OnTaskPushed(e.backendID, a.TaskID, a.RemoteID)
		res.DeletedRemote++
	}

	unlock := e.store.Lock(a.TaskID)
	defer unlock()

	// A task that still exists locally was filtered out of sync. Forget
	// its remote id so that it is created afresh if it comes back.
	if t, err := e.store.GetTask(a.TaskID); err == nil {
		if _, ok := t.RemoteID(e.backendID); ok {
			t.ClearRemoteID(e.backendID)
			if err := e.store.SaveTask(t); err != nil {
				e.logger.Printf("WARNING: Failed to clear remote id of task %s: %v", t.ID, err)
			}
		}
	}

	e.ledger.Remove(a.TaskID)
	return nil
}

// createRemote creates a batch of tasks on the backend with one CreateMany
// call. Failures are counted per task; only an authentication failure is
// returned.
func (e *Engine) createRemote(ctx context.Context, actions []Action, res *Result) error {
	records := make([]transport.RemoteRecord, 0, len(actions))
	for _, a := range actions {
		t, err := e.store.GetTask(a.TaskID)
		if err != nil {
			res.Failed++
			e.logger.Printf("WARNING: Failed to %s task %s: %v", CreateRemote, a.TaskID, err)
			continue
		}
		records = append(records, transport.FromTask(t, ""))
	}
	if len(records) == 0 {
		return nil
	}

	for _, r := range records {
		e.markRemote(r.LocalID)
	}

	channels := e.channelTags()
	ids, err := e.remote.CreateMany(ctx, records)
	if err != nil {
		e.logger.Printf("WARNING: Batch create on %s failed: %v", e.backendID, err)
	}

	for _, r := range records {
		remoteID := ids[r.LocalID]
		if remoteID == "" {
			e.forget(r.LocalID, echo.Remote)
			res.Failed++
			continue
		}

		e.recordRemoteID(r.LocalID, remoteID)
		e.ledger.Set(r.LocalID, ledger.Entry{
			Digest:   r.Digest(),
			RemoteID: remoteID,
			Route:    ledger.Route(r.Tags, channels),
		})
		e.observer.OnTaskPushed(e.backendID, r.LocalID, remoteID)
		res.CreatedRemote++
	}

	return err
}

// recordRemoteID stores the new remote id in the task's own map.
func (e *Engine) recordRemoteID(taskID, remoteID string) {
	unlock := e.store.Lock(taskID)
	defer unlock()

	t, err := e.store.GetTask(taskID)
	if err != nil {
		e.logger.Printf("WARNING: Failed to record remote id of task %s: %v", taskID, err)
		return
	}
	t.SetRemoteID(e.backendID, remoteID)
	if err := e.store.SaveTask(t); err != nil {
		e.logger.Printf("WARNING: Failed to record remote id of task %s: %v", taskID, err)
	}
}

func (e *Engine) markLocal(taskID string) {
	if e.guard != nil {
		e.guard.MarkLocalOriginated(taskID)
	}
}

func (e *Engine) markRemote(taskID string) {
	if e.guard != nil {
		e.guard.MarkRemoteOriginated(taskID)
	}
}

func (e *Engine) forget(taskID string, side echo.Side) {
	if e.guard != nil {
		e.guard.Forget(taskID, side)
	}
}

type nopObserver struct{}

func (nopObserver) OnTaskPushed(string, string, string)       {}
func (nopObserver) OnTaskPulled(string, string, string)       {}
func (nopObserver) OnConflict(string, string, Policy, Winner) {}
