// Package backend runs sync backends.
//
// An Instance wires one configured remote to the local store:
//   - a ledger loaded from the state database
//   - a reconcile.Engine
//   - for event backends, an echo.Guard and a dispatcher goroutine
//
// Poll backends run a full cycle every period on a ticker. A cycle still
// running when the next tick fires makes that tick skip. Event backends
// connect, run one full cycle, then apply remote events and local change
// notifications one at a time from a single dispatcher goroutine.
//
// Lifecycle:
//
//	Disabled -> Initializing -> Connected | AuthFailed
//	Connected -> Online          initial exchange done
//	Online <-> Offline           transport lost / restored
//	AuthFailed -> Disabled       terminal
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/tasksync/internal/echo"
	"github.com/mschirtzinger/tasksync/internal/ledger"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskstore"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// DefaultRetryInterval is how often an offline event backend retries.
const DefaultRetryInterval = 5 * time.Second

var (
	// ErrBusy is returned by RunCycle while another cycle is in progress.
	ErrBusy = errors.New("cycle already in progress")

	// ErrNotRunning is returned by RunCycle when the instance is disabled.
	ErrNotRunning = errors.New("backend is not running")
)

// StateStore persists ledgers and backend status.
type StateStore interface {
	ledger.Store
	SetBackendState(ctx context.Context, backendID, state string) error
	RecordCycle(ctx context.Context, backendID string, at time.Time, summary string) error
}

// ShareSource provides the share list of every tag.
type ShareSource interface {
	LoadShares() (taskstore.Shares, error)
	SetShare(tag string, participants []string) (taskstore.Shares, error)
}

// Options holds the collaborators of an Instance.
type Options struct {
	ID        string
	Transport transport.Poller
	Store     reconcile.LocalStore
	State     StateStore

	// Changes delivers ids of locally changed tasks. Event backends use it;
	// poll backends pick up local changes on their next cycle.
	Changes <-chan string

	// Shares, when set, is applied to channel backends after connecting so
	// that every channel's access list matches its tag's share list.
	// Channels joined through someone else's share are recorded in it.
	Shares ShareSource

	// Period is the poll interval. Event backends run an extra full cycle
	// on this period when it is positive.
	Period time.Duration

	Policy   reconcile.Policy
	SyncTags []string

	// RetryInterval is how often an offline event backend tries again.
	RetryInterval time.Duration

	Observer Observer
	Logger   *log.Logger
}

// Instance runs one backend.
type Instance struct {
	id       string
	src      transport.Poller
	events   transport.EventSource // nil for poll backends
	store    reconcile.LocalStore
	db       StateStore
	changes  <-chan string
	shares   ShareSource
	period   time.Duration
	retry    time.Duration
	policy   reconcile.Policy
	syncTags []string
	observer Observer
	logger   *log.Logger

	guard  *echo.Guard
	engine *reconcile.Engine

	mu         sync.Mutex
	state      State
	started    bool
	joined     string // synced tags whose channels were last adopted
	lastResult reconcile.Result
	lastCycle  time.Time

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Instance in the Disabled state.
//
// If opts.Logger is nil, a default logger writing to stderr is used.
func New(opts Options) (*Instance, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("backend id cannot be empty")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	policy, err := reconcile.ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}

	events, isEvent := opts.Transport.(transport.EventSource)
	if !isEvent && opts.Period <= 0 {
		return nil, fmt.Errorf("poll backend %s needs a positive period", opts.ID)
	}

	retry := opts.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	in := &Instance{
		id:       opts.ID,
		src:      opts.Transport,
		store:    opts.Store,
		db:       opts.State,
		changes:  opts.Changes,
		shares:   opts.Shares,
		period:   opts.Period,
		retry:    retry,
		policy:   policy,
		syncTags: slices.Clone(opts.SyncTags),
		observer: observer,
		logger:   logger,
		state:    Disabled,
	}
	if isEvent {
		in.events = events
		in.guard = echo.New()
	}
	return in, nil
}

// ID returns the backend id.
func (in *Instance) ID() string {
	return in.id
}

// IsEvent reports whether the backend is publish/subscribe.
func (in *Instance) IsEvent() bool {
	return in.events != nil
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// LastResult returns the result and completion time of the last full cycle.
func (in *Instance) LastResult() (reconcile.Result, time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastResult, in.lastCycle
}

// ChannelManager returns the channel management side of the transport, if
// it has one.
func (in *Instance) ChannelManager() (transport.ChannelManager, bool) {
	cm, ok := in.src.(transport.ChannelManager)
	return cm, ok
}

// Start loads the ledger and starts the worker goroutine. An instance can be
// started once; a reconfigured backend gets a new Instance.
func (in *Instance) Start(ctx context.Context) error {
	if err := in.prepare(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	in.mu.Lock()
	in.cancel = cancel
	in.mu.Unlock()

	in.wg.Add(1)
	if in.events != nil {
		go in.runEvents(runCtx)
	} else {
		go in.runPoll(runCtx)
	}

	in.logger.Printf("Started %s", in.id)
	return nil
}

// Stop cancels the worker, waits for it to finish the task it is working on
// and releases the transport.
func (in *Instance) Stop() error {
	in.mu.Lock()
	cancel := in.cancel
	in.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	in.wg.Wait()

	var err error
	if in.events != nil {
		err = in.events.Close()
	}
	in.setState(Disabled)
	in.logger.Printf("Stopped %s", in.id)
	return err
}

// RunOnce performs a single full cycle and leaves the instance disabled.
// Event backends are connected for the duration of the cycle.
func (in *Instance) RunOnce(ctx context.Context) (reconcile.Result, error) {
	if err := in.prepare(ctx); err != nil {
		return reconcile.Result{}, err
	}

	if in.events != nil {
		defer in.events.Close()
		if err := in.events.Connect(ctx); err != nil {
			in.handleError(ctx, err)
			in.setState(Disabled)
			return reconcile.Result{}, fmt.Errorf("failed to connect %s: %w", in.id, err)
		}
		in.setState(Connected)
		in.applyShares(ctx)
	}

	res, err := in.RunCycle(ctx)
	in.setState(Disabled)
	return res, err
}

// prepare loads the ledger and builds the engine.
func (in *Instance) prepare(ctx context.Context) error {
	in.mu.Lock()
	if in.started {
		in.mu.Unlock()
		return fmt.Errorf("backend %s already started", in.id)
	}
	in.started = true
	in.mu.Unlock()

	in.setState(Initializing)

	l, err := ledger.Open(ctx, in.db, in.id)
	if err != nil {
		in.setState(Disabled)
		return err
	}

	engine, err := reconcile.New(reconcile.Config{
		BackendID: in.id,
		Store:     in.store,
		Remote:    in.src,
		Ledger:    l,
		Policy:    in.policy,
		Guard:     in.guard,
		Filter:    in.filter(),
		Channels:  in.channelTags(),
		Observer:  in.observer,
		Logger:    in.logger,
	})
	if err != nil {
		in.setState(Disabled)
		return fmt.Errorf("failed to create engine for %s: %w", in.id, err)
	}
	in.engine = engine
	return nil
}

// filter selects the tasks that take part in sync. On channel backends a
// task must carry a tag that maps to a subscribed channel, since a record
// published to no channel is invisible to everyone; configured sync tags
// are ignored there. Other backends use the sync tags. Nil means every task.
func (in *Instance) filter() func(*task.Task) bool {
	if cm, ok := in.src.(transport.ChannelManager); ok {
		if len(in.syncTags) > 0 {
			in.logger.Printf("WARNING: Ignoring sync_tags of channel backend %s", in.id)
		}
		return func(t *task.Task) bool {
			return slices.ContainsFunc(cm.SyncedTags(), t.HasTag)
		}
	}

	if len(in.syncTags) == 0 {
		return nil
	}
	return func(t *task.Task) bool {
		return slices.ContainsFunc(in.syncTags, t.HasTag)
	}
}

// channelTags is the routing source of channel backends, nil otherwise.
func (in *Instance) channelTags() func() []string {
	if cm, ok := in.src.(transport.ChannelManager); ok {
		return cm.SyncedTags
	}
	return nil
}

// RunCycle fetches the remote record set and reconciles it. It returns
// ErrBusy without doing anything while another cycle is in progress.
func (in *Instance) RunCycle(ctx context.Context) (reconcile.Result, error) {
	switch in.State() {
	case Disabled, AuthFailed:
		return reconcile.Result{}, ErrNotRunning
	}
	if !in.busy.CompareAndSwap(false, true) {
		in.logger.Printf("Cycle for %s still running, skipping", in.id)
		return reconcile.Result{}, ErrBusy
	}
	defer in.busy.Store(false)

	return in.cycle(ctx)
}

func (in *Instance) cycle(ctx context.Context) (reconcile.Result, error) {
	records, err := in.src.FetchAll(ctx)
	if err != nil {
		in.handleError(ctx, err)
		return reconcile.Result{}, fmt.Errorf("failed to fetch %s: %w", in.id, err)
	}
	if in.State() == Initializing {
		in.setState(Connected)
	}
	in.adoptChannels(ctx)

	res, err := in.engine.RunCycle(ctx, records)
	if err != nil {
		in.handleError(ctx, err)
		if transport.IsFatal(err) {
			return res, err
		}
	}
	if ctx.Err() == nil {
		in.setState(Online)
	}

	now := time.Now()
	in.mu.Lock()
	in.lastResult = res
	in.lastCycle = now
	in.mu.Unlock()

	if dbErr := in.db.RecordCycle(context.WithoutCancel(ctx), in.id, now, res.String()); dbErr != nil {
		in.logger.Printf("WARNING: %v", dbErr)
	}
	in.observer.OnCycleComplete(in.id, res)
	return res, err
}

// runPoll is the poll worker: one cycle now, then one per tick.
func (in *Instance) runPoll(ctx context.Context) {
	defer in.wg.Done()

	ticker := time.NewTicker(in.period)
	defer ticker.Stop()

	_, _ = in.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = in.RunCycle(ctx)
		}
	}
}

// runEvents is the dispatcher of an event backend. Every remote event and
// local change is handled here, one at a time.
func (in *Instance) runEvents(ctx context.Context) {
	defer in.wg.Done()

	if !in.connect(ctx) {
		return
	}
	in.applyShares(ctx)
	_, _ = in.RunCycle(ctx)

	var resync <-chan time.Time
	if in.period > 0 {
		ticker := time.NewTicker(in.period)
		defer ticker.Stop()
		resync = ticker.C
	}
	retry := time.NewTicker(in.retry)
	defer retry.Stop()

	events := in.events.Events()
	status := in.events.Status()
	changes := in.changes

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			in.handleRemoteEvent(ctx, ev)

		case st, ok := <-status:
			if !ok {
				return
			}
			in.handleStatus(ctx, st)

		case id, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			in.handleLocalChange(ctx, id)

		case <-resync:
			if in.State() == Online {
				_, _ = in.RunCycle(ctx)
			}

		case <-retry.C:
			if in.State() == Offline {
				_, _ = in.RunCycle(ctx)
			}
		}
	}
}

// connect retries until the event source accepts the connection, rejects
// the credentials or ctx ends.
func (in *Instance) connect(ctx context.Context) bool {
	for {
		err := in.events.Connect(ctx)
		if err == nil {
			in.setState(Connected)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		in.handleError(ctx, err)
		if transport.IsFatal(err) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(in.retry):
		}
	}
}

// applyShares makes the channel of every shared tag match its share list.
func (in *Instance) applyShares(ctx context.Context) {
	cm, ok := in.ChannelManager()
	if !ok || in.shares == nil {
		return
	}
	in.adoptChannels(ctx)

	shares, err := in.shares.LoadShares()
	if err != nil {
		in.logger.Printf("WARNING: Failed to load share lists: %v", err)
		return
	}
	for _, tag := range shares.Tags() {
		if err := cm.EnsureChannel(ctx, tag, shares[tag]); err != nil {
			in.logger.Printf("WARNING: Failed to provision channel for %s on %s: %v", tag, in.id, err)
			in.handleError(ctx, err)
			if transport.IsFatal(err) {
				return
			}
		}
	}
}

// adoptChannels records the share list of every channel joined through
// someone else's share under its tag, so the tag shows as shared here and a
// later share from here keeps the other participants. Tags with a share
// list of their own are left alone. It only looks at the channels when the
// set of synced tags changed.
func (in *Instance) adoptChannels(ctx context.Context) {
	cm, ok := in.ChannelManager()
	if !ok || in.shares == nil {
		return
	}

	joined := strings.Join(cm.SyncedTags(), ",")
	in.mu.Lock()
	seen := in.joined == joined
	in.joined = joined
	in.mu.Unlock()
	if seen {
		return
	}

	// Retry on the next call after a failure.
	retry := func() {
		in.mu.Lock()
		in.joined = ""
		in.mu.Unlock()
	}

	channels, err := cm.Channels(ctx)
	if err != nil {
		in.logger.Printf("WARNING: Failed to list channels of %s: %v", in.id, err)
		retry()
		return
	}
	shares, err := in.shares.LoadShares()
	if err != nil {
		in.logger.Printf("WARNING: Failed to load share lists: %v", err)
		retry()
		return
	}

	for _, ch := range channels {
		if len(shares[ch.Tag]) > 0 || len(ch.Participants) == 0 {
			continue
		}
		updated, err := in.shares.SetShare(ch.Tag, ch.Participants)
		if err != nil {
			in.logger.Printf("WARNING: Failed to record share list of %s: %v", ch.Tag, err)
			retry()
			continue
		}
		shares = updated
		in.logger.Printf("Joined %s on %s, shared with %s", ch.Tag, in.id, strings.Join(ch.Participants, ", "))
	}
}

func (in *Instance) handleRemoteEvent(ctx context.Context, ev transport.Event) {
	if in.State() != Online {
		// The cycle run when the backend comes back catches up.
		return
	}
	in.adoptChannels(ctx)
	if _, err := in.engine.HandleRemoteEvent(ctx, ev); err != nil {
		in.logger.Printf("WARNING: Failed to apply %s event for %s: %v", ev.Kind, ev.RemoteID, err)
		in.handleError(ctx, err)
	}
}

func (in *Instance) handleLocalChange(ctx context.Context, taskID string) {
	if in.State() != Online {
		return
	}
	if _, err := in.engine.HandleLocalChange(ctx, taskID); err != nil {
		in.logger.Printf("WARNING: Failed to sync local change of %s: %v", taskID, err)
		in.handleError(ctx, err)
	}
}

func (in *Instance) handleStatus(ctx context.Context, st transport.ConnState) {
	switch st {
	case transport.Offline:
		in.goOffline(fmt.Errorf("%w: subscription lost", transport.ErrTransport))
	case transport.Online:
		if in.State() == Offline {
			_, _ = in.RunCycle(ctx)
		}
	}
}

// handleError disables the backend on authentication failures and marks it
// offline when the remote is unreachable.
func (in *Instance) handleError(ctx context.Context, err error) {
	switch {
	case transport.IsFatal(err):
		in.fail(err)
	case ctx.Err() != nil:
	case transport.IsRetryable(err):
		in.goOffline(err)
	}
}

func (in *Instance) goOffline(err error) {
	if in.State() == Offline {
		return
	}
	in.logger.Printf("WARNING: Backend %s unavailable: %v", in.id, err)
	in.setState(Offline)
	in.observer.OnBackendFailure(in.id, TransportUnavailable)
}

// fail disables the backend after the remote rejected its credentials.
func (in *Instance) fail(err error) {
	in.logger.Printf("WARNING: Disabling %s: %v", in.id, err)
	in.setState(AuthFailed)
	in.setState(Disabled)
	in.observer.OnBackendFailure(in.id, AuthenticationFailed)

	in.mu.Lock()
	cancel := in.cancel
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (in *Instance) setState(to State) {
	in.mu.Lock()
	from := in.state
	if from == to {
		in.mu.Unlock()
		return
	}
	if !from.CanTransition(to) {
		in.mu.Unlock()
		in.logger.Printf("WARNING: Ignoring transition of %s from %s to %s", in.id, from, to)
		return
	}
	in.state = to
	in.mu.Unlock()

	if err := in.db.SetBackendState(context.Background(), in.id, to.String()); err != nil {
		in.logger.Printf("WARNING: %v", err)
	}
	in.observer.OnStateChange(in.id, from, to)
}
