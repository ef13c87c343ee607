package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/tasksync/internal/backend"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
)

func startServer(t *testing.T) (*Server, *Handler) {
	t.Helper()

	var h *Handler
	server := NewServer(&Config{
		Port:     0, // random available port
		Snapshot: func() any { return h.Snapshot() },
		Logger:   log.New(io.Discard, "", 0),
	})
	h = NewHandler(server, log.New(io.Discard, "", 0))

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server, h
}

func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, readMessage(t, ctx, conn)
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == ":0" {
		t.Error("GetAddr() should report the bound address")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeStatus(t *testing.T) {
	server, h := startServer(t)
	h.Track("work", backend.Online)
	h.OnBackendFailure("team", backend.TransportUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, msg := dial(t, ctx, server)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("first message type = %s, want %s", msg.Type, MessageTypeStatus)
	}

	var status []BackendStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatal(err)
	}
	if len(status) != 2 {
		t.Fatalf("status = %+v", status)
	}
	if status[0].ID != "team" || status[0].LastFailure != backend.TransportUnavailable.String() {
		t.Errorf("status[0] = %+v", status[0])
	}
	if status[1].ID != "work" || status[1].State != "online" {
		t.Errorf("status[1] = %+v", status[1])
	}
	if got := server.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}

func TestObserverBroadcast(t *testing.T) {
	server, h := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, _ := dial(t, ctx, server)
	b, _ := dial(t, ctx, server)

	h.OnStateChange("team", backend.Connected, backend.Online)
	h.OnTaskPushed("team", "t-1", "r-1")
	h.OnConflict("team", "t-2", reconcile.LocalWins, reconcile.WinnerLocal)
	h.OnCycleComplete("team", reconcile.Result{Pushed: 1, Conflicts: 1})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeState || msg.Backend != "team" {
			t.Errorf("message 1 = %+v", msg)
		}

		msg = readMessage(t, ctx, conn)
		var task TaskData
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageTypeTask || task.Direction != "pushed" || task.RemoteID != "r-1" {
			t.Errorf("message 2 = %+v (%+v)", msg, task)
		}

		msg = readMessage(t, ctx, conn)
		var conflict ConflictData
		if err := json.Unmarshal(msg.Data, &conflict); err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageTypeConflict || conflict.Policy != "local-wins" {
			t.Errorf("message 3 = %+v (%+v)", msg, conflict)
		}

		msg = readMessage(t, ctx, conn)
		if msg.Type != MessageTypeCycle {
			t.Errorf("message 4 type = %s", msg.Type)
		}
	}

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].Pushed != 1 || snap[0].Conflicts != 1 || snap[0].LastCycle == nil {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestClientDisconnect(t *testing.T) {
	server, _ := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after disconnect, want 0", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, h := startServer(t)
	h.Track("work", backend.Offline)

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status []BackendStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 || status[0].State != "offline" {
		t.Errorf("status = %+v", status)
	}
}
