package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/coordinator"
	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

func newCoordinator(t *testing.T) (*queue.Manager, *coordinator.Coordinator) {
	t.Helper()
	ctx := context.Background()
	q, err := queue.NewManager(ctx, queue.Config{
		Store:  queue.NewStore(storage.NewRecords(storage.NewMemory(), nil), zerolog.Nop()),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	c, err := coordinator.New(ctx, coordinator.Config{Queue: q, StartOffline: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("coordinator.New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return q, c
}

func startServer(t *testing.T, src StatusSource) *Server {
	t.Helper()
	s := NewServer(Config{Addr: "127.0.0.1:0", Source: src, Logger: zerolog.Nop()})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, ctx context.Context, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
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

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", s.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if s.Addr() == "127.0.0.1:0" {
		t.Error("Addr should report the bound port after Start")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeIsStatusSnapshot(t *testing.T) {
	q, c := newCoordinator(t)
	if _, err := q.Enqueue(context.Background(), &schema.Mutation{Kind: schema.KindAdd, EntityID: "e1"}); err != nil {
		t.Fatal(err)
	}
	s := startServer(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, s)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var st coordinator.Status
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if st.Queue.Pending != 1 || st.Online {
		t.Errorf("status = %+v, want 1 pending and offline", st)
	}
}

func TestEventsAreForwarded(t *testing.T) {
	q, c := newCoordinator(t)
	s := startServer(t, c)
	detach := Attach(c, s)
	defer detach()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, s)
	readMessage(t, ctx, conn)
	waitForClients(t, s, 1)

	if _, err := q.Enqueue(ctx, &schema.Mutation{Kind: schema.KindAdd, EntityID: "e1"}); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageType(coordinator.EventQueueChange) {
		t.Fatalf("message type = %s, want %s", msg.Type, coordinator.EventQueueChange)
	}
	var ev coordinator.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Queue == nil || ev.Queue.Pending != 1 {
		t.Errorf("event queue = %+v, want 1 pending", ev.Queue)
	}
}

func TestMultipleClientsReceiveBroadcast(t *testing.T) {
	s := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = dial(t, ctx, s)
		readMessage(t, ctx, conns[i])
	}
	waitForClients(t, s, numClients)

	s.Broadcast(Message{Type: MessageType(coordinator.EventSyncStart)})

	for i, conn := range conns {
		if msg := readMessage(t, ctx, conn); msg.Type != MessageType(coordinator.EventSyncStart) {
			t.Errorf("client %d got %s", i, msg.Type)
		}
	}
}

func TestStatusEndpoints(t *testing.T) {
	_, c := newCoordinator(t)
	s := startServer(t, c)

	resp, err := http.Get("http://" + s.Addr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st coordinator.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if st.State != coordinator.StateIdle {
		t.Errorf("state = %s, want idle", st.State)
	}

	health, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", health.StatusCode)
	}

	noSource := startServer(t, nil)
	resp2, err := http.Get("http://" + noSource.Addr() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/status without source = %d, want 503", resp2.StatusCode)
	}
}
