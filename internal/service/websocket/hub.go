package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"canedump/internal/logger"
	"canedump/internal/model"

	"github.com/gorilla/websocket"
)

const broadcastBuffer = 256

// Message is the JSON document pushed to live viewers.
type Message struct {
	Type  string              `json:"type"`
	Entry model.StateLogEntry `json:"entry"`
}

type client struct {
	conn    *websocket.Conn
	station string // empty receives every station
}

type outbound struct {
	station string
	payload []byte
}

// HubService fans recorded transitions out to connected viewers.
type HubService struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan outbound
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logger.Logger
}

func NewHubService(logger *logger.Logger) *HubService {
	return &HubService{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *HubService) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Client connected. Total: %d", total)

		case conn := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Client disconnected. Total: %d", total)

		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *HubService) send(msg outbound) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn, c := range h.clients {
		if c.station != "" && c.station != msg.station {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
			h.logger.Error("Error sending message: %v", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Register adds a viewer. station limits the feed to one station; empty
// means all of them.
func (h *HubService) Register(conn *websocket.Conn, station string) {
	select {
	case h.register <- &client{conn: conn, station: station}:
	case <-h.done:
		conn.Close()
	}
}

func (h *HubService) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Publish queues a transition for every interested viewer. It never
// blocks the station worker; when viewers fall behind the entry is dropped.
func (h *HubService) Publish(entry model.StateLogEntry) {
	payload, err := json.Marshal(Message{Type: "transition", Entry: entry})
	if err != nil {
		h.logger.Error("Failed to encode transition: %v", err)
		return
	}
	select {
	case h.broadcast <- outbound{station: entry.StationID, payload: payload}:
	default:
		h.logger.Warning("Live feed backlog full, dropped %s -> %s at %s", entry.From, entry.To, entry.StationID)
	}
}

func (h *HubService) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
