package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/batchload/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow requests without Origin header (same-origin or direct)
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}

		// Allow same origin (same host)
		if originURL.Host == r.Host {
			return true
		}

		// Allow localhost connections (common for development)
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// Message types on /v1/ws.
const (
	MessageStatus = "status" // sent once on connect
	MessageBatch  = "batch"  // sent after every batch
)

// Message is the envelope for every frame on /v1/ws.
type Message struct {
	Type   string            `json:"type"`
	Status *types.RunStatus  `json:"status,omitempty"`
	Batch  *types.BatchEvent `json:"batch,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex // one writer at a time per connection
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WebSocketHub streams batch events to connected clients.
// It implements loadgen.Observer.
type WebSocketHub struct {
	status StatusProvider
	logger *slog.Logger

	// Connected clients
	clients   map[*websocket.Conn]*wsClient
	clientsMu sync.RWMutex

	// Broadcast channel
	broadcast chan types.BatchEvent

	// Done channel for shutdown
	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketHub creates a hub. status may be nil.
func NewWebSocketHub(status StatusProvider, logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		status:    status,
		logger:    logger,
		clients:   make(map[*websocket.Conn]*wsClient),
		broadcast: make(chan types.BatchEvent, 256),
		done:      make(chan struct{}),
	}
}

// OnBatch queues a batch event for broadcast. It never blocks the pacer:
// when the queue is full the event is dropped for live viewers.
func (h *WebSocketHub) OnBatch(ev types.BatchEvent) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Debug("WebSocket broadcast queue full, dropping batch event", slog.Uint64("batch", ev.Index))
	}
}

// Handler returns the WebSocket HTTP handler.
func (h *WebSocketHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		client := &wsClient{conn: conn}

		h.clientsMu.Lock()
		h.clients[conn] = client
		total := len(h.clients)
		h.clientsMu.Unlock()

		h.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		// Current snapshot; a batch broadcast may race ahead of it
		if h.status != nil {
			st := h.status.Status()
			if data, err := json.Marshal(Message{Type: MessageStatus, Status: &st}); err == nil {
				client.write(data)
			}
		}

		// Handle client disconnect
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.clientsMu.Unlock()
			conn.Close()

			h.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Read messages (mainly for ping/pong)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcasting goroutine.
func (h *WebSocketHub) Start() {
	go h.broadcastLoop()
}

// Stop stops broadcasting and closes every client connection.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.clientsMu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]*wsClient)
		h.clientsMu.Unlock()
	})
}

func (h *WebSocketHub) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.broadcast:
			h.broadcastBatch(ev)
		}
	}
}

func (h *WebSocketHub) broadcastBatch(ev types.BatchEvent) {
	data, err := json.Marshal(Message{Type: MessageBatch, Batch: &ev})
	if err != nil {
		h.logger.Error("Failed to marshal batch event", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for _, c := range h.clients {
		if err := c.write(data); err != nil {
			// Will be cleaned up by the read loop
			h.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
