package publisher

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"riskmanager/src/model"
)

// Publisher pushes trade events to the real-time channel. Delivery is
// fire-and-forget: a failed or dropped publish never affects the trade
// that produced it.
type Publisher interface {
	Publish(userID uint, event model.TradeEvent)
}

const (
	writeWait      = 5 * time.Second
	clientBufSize  = 16
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks happen at the reverse proxy; the hub itself is not
	// exposed publicly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	userID uint
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans trade events out to connected websocket subscribers, one
// subscription set per user.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uint]map[*client]struct{}),
	}
}

// ServeWS upgrades an HTTP request into a subscription. The user is
// identified by the user_id query parameter; authentication happened
// upstream in the web application.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseUint(r.URL.Query().Get("user_id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		userID: uint(userID),
		conn:   conn,
		send:   make(chan []byte, clientBufSize),
	}

	h.register(c)

	go c.writePump(h)
	go c.readPump(h)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}

	logger.WithField("user_id", c.userID).Debug("realtime subscriber registered")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
}

// Publish serializes the event and queues it to every subscriber of the
// user. Slow subscribers get the message dropped rather than blocking
// the scheduler tick.
func (h *Hub) Publish(userID uint, event model.TradeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.WithError(err).WithField("event_id", event.EventID).
			Error("failed to serialize trade event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		select {
		case c.send <- payload:
		default:
			logger.WithFields(map[string]interface{}{
				"user_id":  userID,
				"event_id": event.EventID,
			}).Warn("subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount reports the live subscriptions for a user.
func (h *Hub) SubscriberCount(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (c *client) writePump(h *Hub) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.WithError(err).WithField("user_id", c.userID).
				Debug("realtime write failed, dropping subscriber")
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump drains the connection so pings and close frames are
// processed, and tears the subscription down when the peer goes away.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
