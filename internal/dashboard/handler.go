package dashboard

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/backend"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
)

// TaskData describes a task written to one side.
type TaskData struct {
	TaskID    string `json:"task_id"`
	RemoteID  string `json:"remote_id,omitempty"`
	Direction string `json:"direction"` // pushed, pulled
}

// ConflictData describes a conflict and how it was settled.
type ConflictData struct {
	TaskID string `json:"task_id"`
	Policy string `json:"policy"`
	Winner string `json:"winner"`
}

// StateData describes a lifecycle transition.
type StateData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FailureData describes a backend failure signal.
type FailureData struct {
	Reason string `json:"reason"`
}

// CycleData summarizes a completed cycle.
type CycleData struct {
	Summary  string        `json:"summary"`
	Changes  int           `json:"changes"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// BackendStatus is the dashboard's view of one backend.
type BackendStatus struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	LastFailure string     `json:"last_failure,omitempty"`
	LastCycle   *time.Time `json:"last_cycle,omitempty"`
	LastSummary string     `json:"last_summary,omitempty"`
	Pushed      int        `json:"pushed"`
	Pulled      int        `json:"pulled"`
	Conflicts   int        `json:"conflicts"`
}

// Handler turns backend signals into dashboard messages. It implements
// backend.Observer and keeps the status served to new clients.
type Handler struct {
	server *Server
	logger *log.Logger

	mu       sync.Mutex
	backends map[string]*BackendStatus
}

var _ backend.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server:   server,
		logger:   logger,
		backends: make(map[string]*BackendStatus),
	}
}

// Snapshot returns the status of every backend seen so far, sorted by id.
func (h *Handler) Snapshot() []BackendStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]BackendStatus, 0, len(h.backends))
	for _, b := range h.backends {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Track registers a backend so that it appears in snapshots before its
// first signal.
func (h *Handler) Track(backendID string, state backend.State) {
	h.update(backendID, func(b *BackendStatus) { b.State = state.String() })
}

func (h *Handler) update(backendID string, fn func(*BackendStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.backends[backendID]
	if !ok {
		b = &BackendStatus{ID: backendID, State: backend.Disabled.String()}
		h.backends[backendID] = b
	}
	fn(b)
}

func (h *Handler) send(typ MessageType, backendID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s message: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Backend:   backendID,
		Data:      raw,
	})
}

func (h *Handler) OnTaskPushed(backendID, taskID, remoteID string) {
	h.update(backendID, func(b *BackendStatus) { b.Pushed++ })
	h.send(MessageTypeTask, backendID, TaskData{TaskID: taskID, RemoteID: remoteID, Direction: "pushed"})
}

func (h *Handler) OnTaskPulled(backendID, taskID, remoteID string) {
	h.update(backendID, func(b *BackendStatus) { b.Pulled++ })
	h.send(MessageTypeTask, backendID, TaskData{TaskID: taskID, RemoteID: remoteID, Direction: "pulled"})
}

func (h *Handler) OnConflict(backendID, taskID string, policy reconcile.Policy, winner reconcile.Winner) {
	h.update(backendID, func(b *BackendStatus) { b.Conflicts++ })
	h.send(MessageTypeConflict, backendID, ConflictData{
		TaskID: taskID,
		Policy: string(policy),
		Winner: winner.String(),
	})
}

func (h *Handler) OnBackendFailure(backendID string, reason backend.Reason) {
	h.update(backendID, func(b *BackendStatus) { b.LastFailure = reason.String() })
	h.send(MessageTypeFailure, backendID, FailureData{Reason: reason.String()})
}

func (h *Handler) OnCycleComplete(backendID string, result reconcile.Result) {
	now := time.Now()
	summary := result.String()
	h.update(backendID, func(b *BackendStatus) {
		b.LastCycle = &now
		b.LastSummary = summary
	})
	h.send(MessageTypeCycle, backendID, CycleData{
		Summary:  summary,
		Changes:  result.Changes(),
		Failed:   result.Failed,
		Duration: result.Duration,
	})
}

func (h *Handler) OnStateChange(backendID string, from, to backend.State) {
	h.update(backendID, func(b *BackendStatus) { b.State = to.String() })
	h.send(MessageTypeState, backendID, StateData{From: from.String(), To: to.String()})
}
