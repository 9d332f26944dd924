package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gigtown/localsync/internal/events"
	"github.com/gigtown/localsync/internal/queue"
	"github.com/gigtown/localsync/internal/record"
	"github.com/gigtown/localsync/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *events.Bus, *queue.Queue) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("failed to initialize store schema: %v", err)
	}

	q := queue.New(s.RawDB())
	if err := q.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize queue schema: %v", err)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	server, err := NewServer(bus, q, &Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, bus, q
}

func TestServerStartStop(t *testing.T) {
	server, _, _ := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Error("server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	server, _, _ := setupTestServer(t)

	// Engine shutdown calls Stop even when the server was never started,
	// as the one-shot CLI commands do.
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop without Start failed: %v", err)
	}
	// Stopping again is also harmless.
	if err := server.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestEventRelay(t *testing.T) {
	server, bus, _ := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	bus.Publish(events.Event{
		Type:       events.TypeOpSynced,
		EntityType: record.EntityAddress,
		EntityID:   "addr-1",
		Partition:  "sao_paulo_sp",
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read event frame: %v", err)
	}

	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if ev.Type != events.TypeOpSynced || ev.EntityID != "addr-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHealthReportsQueueDepth(t *testing.T) {
	server, _, q := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Stop()

	ctx := context.Background()
	op := queue.Operation{
		EntityType:  record.EntityOrder,
		EntityID:    "o-1",
		Kind:        queue.KindCreate,
		Fields:      record.FieldMap{},
		PartitionID: "sao_paulo_sp",
	}
	if err := q.Schedule(ctx, op, time.Minute); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string         `json:"status"`
		Clients int            `json:"clients"`
		Queue   map[string]int `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected ok status, got %q", body.Status)
	}
	if body.Queue["pending"] != 1 {
		t.Errorf("expected 1 pending operation, got %v", body.Queue)
	}
}
