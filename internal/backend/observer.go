package backend

import (
	"log"
	"os"

	"github.com/mschirtzinger/tasksync/internal/reconcile"
)

// Observer receives the signals of every backend instance. Calls may come
// from several goroutines at once.
type Observer interface {
	reconcile.Observer

	OnBackendFailure(backendID string, reason Reason)
	OnCycleComplete(backendID string, result reconcile.Result)
	OnStateChange(backendID string, from, to State)
}

// MultiObserver fans signals out to several observers.
type MultiObserver []Observer

var _ Observer = MultiObserver(nil)

func (m MultiObserver) OnTaskPushed(backendID, taskID, remoteID string) {
	for _, o := range m {
		o.OnTaskPushed(backendID, taskID, remoteID)
	}
}

func (m MultiObserver) OnTaskPulled(backendID, taskID, remoteID string) {
	for _, o := range m {
		o.OnTaskPulled(backendID, taskID, remoteID)
	}
}

func (m MultiObserver) OnConflict(backendID, taskID string, policy reconcile.Policy, winner reconcile.Winner) {
	for _, o := range m {
		o.OnConflict(backendID, taskID, policy, winner)
	}
}

func (m MultiObserver) OnBackendFailure(backendID string, reason Reason) {
	for _, o := range m {
		o.OnBackendFailure(backendID, reason)
	}
}

func (m MultiObserver) OnCycleComplete(backendID string, result reconcile.Result) {
	for _, o := range m {
		o.OnCycleComplete(backendID, result)
	}
}

func (m MultiObserver) OnStateChange(backendID string, from, to State) {
	for _, o := range m {
		o.OnStateChange(backendID, from, to)
	}
}

// LogObserver writes every signal to a logger.
type LogObserver struct {
	Logger *log.Logger
}

var _ Observer = (*LogObserver)(nil)

// NewLogObserver creates a LogObserver. A nil logger logs to stderr.
func NewLogObserver(logger *log.Logger) *LogObserver {
	if logger == nil {
		logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) OnTaskPushed(backendID, taskID, remoteID string) {
	o.Logger.Printf("%s: pushed %s -> %s", backendID, taskID, remoteID)
}

func (o *LogObserver) OnTaskPulled(backendID, taskID, remoteID string) {
	o.Logger.Printf("%s: pulled %s <- %s", backendID, taskID, remoteID)
}

func (o *LogObserver) OnConflict(backendID, taskID string, policy reconcile.Policy, winner reconcile.Winner) {
	if winner == reconcile.WinnerNone {
		o.Logger.Printf("%s: conflict on %s left for manual resolution", backendID, taskID)
		return
	}
	o.Logger.Printf("%s: conflict on %s resolved by %s, %s side kept", backendID, taskID, policy, winner)
}

func (o *LogObserver) OnBackendFailure(backendID string, reason Reason) {
	o.Logger.Printf("WARNING: %s: %s", backendID, reason)
}

func (o *LogObserver) OnCycleComplete(backendID string, result reconcile.Result) {
	if result.Changes() > 0 || result.Failed > 0 {
		o.Logger.Printf("%s: %s", backendID, result)
	}
}

func (o *LogObserver) OnStateChange(backendID string, from, to State) {
	o.Logger.Printf("%s: %s -> %s", backendID, from, to)
}

type nopObserver struct{}

func (nopObserver) OnTaskPushed(string, string, string)                           {}
func (nopObserver) OnTaskPulled(string, string, string)                           {}
func (nopObserver) OnConflict(string, string, reconcile.Policy, reconcile.Winner) {}
func (nopObserver) OnBackendFailure(string, Reason)                               {}
func (nopObserver) OnCycleComplete(string, reconcile.Result)                      {}
func (nopObserver) OnStateChange(string, State, State)                            {}
