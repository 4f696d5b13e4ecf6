package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openlot/lotsync/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultBufferSize = 64
)

// Event types published over the sync progress stream.
const (
	EventRefreshStarted   = "refresh.started"
	EventRefreshProgress  = "refresh.progress"
	EventRefreshCompleted = "refresh.completed"
	EventRefreshFailed    = "refresh.failed"
)

// Event is one JSON payload delivered to subscribers of a dealer's stream.
type Event struct {
	Type             string    `json:"type"`
	PagesDone        int       `json:"pages_done,omitempty"`
	TotalPages       int       `json:"total_pages,omitempty"`
	RemainingSeconds float64   `json:"remaining_seconds,omitempty"`
	Processed        int       `json:"processed,omitempty"`
	Created          int       `json:"created,omitempty"`
	Updated          int       `json:"updated,omitempty"`
	MarkedStale      int       `json:"marked_stale,omitempty"`
	Error            string    `json:"error,omitempty"`
	At               time.Time `json:"at"`
}

// Hub fans refresh progress events out to websocket subscribers, one stream
// per dealer.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*connection]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a progress hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log: logger.WithModule("realtime"),
	}
}

// Serve upgrades the HTTP connection and subscribes it to the dealer's stream.
func (h *Hub) Serve(dealerID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &connection{
		hub:      h,
		socket:   conn,
		dealerID: dealerID,
		send:     make(chan Event, defaultBufferSize),
	}
	h.register(client)

	go client.writeLoop()
	client.readLoop()
}

// Broadcast delivers an event to every subscriber of the dealer's stream.
// Slow consumers are dropped rather than allowed to block a refresh.
func (h *Hub) Broadcast(dealerID string, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	var slow []*connection

	h.mu.RLock()
	for client := range h.subs[dealerID] {
		select {
		case client.send <- event:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Closing unregisters the client, which needs the write lock, so slow
	// consumers are dropped only after the read lock is released.
	for _, client := range slow {
		h.log.Warn("dropping backpressured progress subscriber", zap.String("dealer_id", dealerID))
		client.close()
	}
}

// Subscribers reports how many connections listen on the dealer's stream.
func (h *Hub) Subscribers(dealerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[dealerID])
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[client.dealerID] == nil {
		h.subs[client.dealerID] = make(map[*connection]struct{})
	}
	h.subs[client.dealerID][client] = struct{}{}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.subs[client.dealerID]
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.subs, client.dealerID)
	}
}

type connection struct {
	hub      *Hub
	socket   *websocket.Conn
	dealerID string
	send     chan Event
	once     sync.Once
}

func (c *connection) readLoop() {
	defer c.close()

	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Subscribers never send application messages; the loop exists to notice
	// disconnects and answer pings.
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.socket.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
		_ = c.socket.Close()
	})
}
