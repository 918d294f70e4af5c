package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canedump/internal/logger"
	"canedump/internal/model"

	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*HubService, *httptest.Server) {
	t.Helper()
	hub := NewHubService(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn, r.URL.Query().Get("station"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *HubService, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, hub.GetClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	return msg
}

func TestHub_PublishReachesViewers(t *testing.T) {
	hub, srv := startHub(t)
	all := dial(t, srv, "")
	filtered := dial(t, srv, "?station=dump-02")
	waitForClients(t, hub, 2)

	hub.Publish(model.StateLogEntry{StationID: "dump-01", SessionID: "s1", From: model.EmptyIdle, To: model.TruckIn, Timestamp: time.Now()})
	hub.Publish(model.StateLogEntry{StationID: "dump-02", From: model.EmptyIdle, To: model.TruckIn, Timestamp: time.Now()})

	first := readMessage(t, all)
	if first.Type != "transition" || first.Entry.StationID != "dump-01" || first.Entry.To != model.TruckIn {
		t.Errorf("Expected dump-01 TRUCK_IN transition, got %+v", first)
	}
	if second := readMessage(t, all); second.Entry.StationID != "dump-02" {
		t.Errorf("Expected dump-02 transition, got %+v", second)
	}

	got := readMessage(t, filtered)
	if got.Entry.StationID != "dump-02" {
		t.Errorf("Expected filtered viewer to skip dump-01, got %+v", got.Entry)
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHubService(logger.Discard())

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.Publish(model.StateLogEntry{StationID: "dump-01"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}

func TestHub_Unregister(t *testing.T) {
	hub, srv := startHub(t)
	dial(t, srv, "")
	waitForClients(t, hub, 1)

	hub.mutex.RLock()
	var conn *websocket.Conn
	for c := range hub.clients {
		conn = c
	}
	hub.mutex.RUnlock()

	hub.Unregister(conn)
	waitForClients(t, hub, 0)
}
