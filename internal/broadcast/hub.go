package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ordersaga/internal/saga"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 5 * time.Second

// Hub manages WebSocket clients and pushes every transition to them as JSON.
// A client that cannot absorb a frame within the write timeout is dropped,
// and Notify never waits on a full queue.
type Hub struct {
	connections  map[*websocket.Conn]struct{}
	Register     chan *websocket.Conn
	Unregister   chan *websocket.Conn
	Broadcast    chan []byte
	done         chan struct{}
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
	writeTimeout time.Duration
	dropped      atomic.Int64
	mu           sync.Mutex
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithWriteTimeout bounds every frame written to a client.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewHub constructs a Hub.
func NewHub(logger zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		connections:  make(map[*websocket.Conn]struct{}),
		Register:     make(chan *websocket.Conn),
		Unregister:   make(chan *websocket.Conn),
		Broadcast:    make(chan []byte, 64),
		done:         make(chan struct{}),
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes register/unregister/broadcast events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for conn := range h.connections {
			conn.Close()
			delete(h.connections, conn)
		}
		h.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.remove(conn)
		case msg := <-h.Broadcast:
			for _, conn := range h.snapshot() {
				_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dropping websocket client")
					h.remove(conn)
				}
			}
		}
	}
}

func (h *Hub) snapshot() []*websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*websocket.Conn, 0, len(h.connections))
	for conn := range h.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.connections, conn)
	h.mu.Unlock()
	conn.Close()
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Dropped reports how many changes were discarded because the queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Notify queues the change for every connected client. A full queue drops
// the change rather than blocking the caller.
func (h *Hub) Notify(ctx context.Context, change saga.StateChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := json.Marshal(change)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	select {
	case h.Broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// ServeHTTP upgrades the request and keeps the client registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	select {
	case h.Register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case h.Unregister <- conn:
			case <-h.done:
			}
			return
		}
	}
}
