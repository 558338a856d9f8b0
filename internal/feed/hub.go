// Package feed streams pipeline telemetry to operators over WebSocket.
//
// Curve trades observed by the monitor and every recorded execution are
// broadcast as JSON messages. The feed is fire-and-forget: a slow or absent
// client never holds up the pipeline.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Message types.
const (
	TypeTrade     = "trade"
	TypeExecution = "execution"
)

// Message is a JSON message sent to feed clients. Exactly one of Trade and
// Execution is set, matching Type.
type Message struct {
	Type      string                `json:"type"`
	Trade     *model.TradeEvent     `json:"trade,omitempty"`
	Execution *model.TradeExecution `json:"execution,omitempty"`
	SentAt    time.Time             `json:"sent_at"`
}

// Hub manages WebSocket connections and broadcasts messages to all of them.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHub creates a new feed hub. Run must be started before clients connect.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger.Named("feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is read-only telemetry on the ops listener.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.FeedClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.FeedClients.Set(float64(n))
			h.log.Info("feed client connected", zap.Int("total", n))

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.FeedClients.Set(float64(n))
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.FeedClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishTrade broadcasts a curve trade event.
func (h *Hub) PublishTrade(ev model.TradeEvent) {
	h.publish(Message{Type: TypeTrade, Trade: &ev})
}

// PublishExecution broadcasts a recorded execution.
func (h *Hub) PublishExecution(exec model.TradeExecution) {
	h.publish(Message{Type: TypeExecution, Execution: &exec})
}

func (h *Hub) publish(msg Message) {
	msg.SentAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("feed message not encodable", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the pipeline.
	}
}

// ServeWS handles WebSocket upgrade requests at GET /feed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("feed upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
