package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/alem-hub/gamification-engine/internal/application/eventhandler"
	"github.com/alem-hub/gamification-engine/internal/interface/http/handlers"
	"github.com/alem-hub/gamification-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// LIVE STREAM HUB
// Pushes profile and badge notifications to websocket clients. Delivery is
// best effort: a client whose buffer is full is disconnected.
// ══════════════════════════════════════════════════════════════════════════════

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamSendBuffer = 32
)

// StreamHub tracks connected stream clients.
type StreamHub struct {
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

var _ eventhandler.Broadcaster = (*StreamHub)(nil)

type streamClient struct {
	conn *websocket.Conn
	// userID filters notifications; empty receives every user.
	userID string
	send   chan eventhandler.Notification
}

// NewStreamHub creates an empty hub.
func NewStreamHub(log *logger.Logger) *StreamHub {
	if log == nil {
		log = logger.Default()
	}
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  log.With(logger.Component("stream_hub")),
		clients: make(map[*streamClient]struct{}),
	}
}

// Serve upgrades GET /api/v1/stream?user_id=... to a websocket.
func (h *StreamHub) Serve(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		handlers.AbortWithError(c, http.StatusServiceUnavailable, "shutting_down", "Stream is shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", logger.Err(err))
		return
	}

	client := &streamClient{
		conn:   conn,
		userID: userID,
		send:   make(chan eventhandler.Notification, streamSendBuffer),
	}
	if !h.register(client) {
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *StreamHub) register(client *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	h.logger.Debug("stream client registered", logger.UserID(client.userID), logger.Int("clients", len(h.clients)))
	return true
}

// unregister removes the client and closes its send channel exactly once.
func (h *StreamHub) unregister(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// Broadcast implements eventhandler.Broadcaster.
func (h *StreamHub) Broadcast(userID string, n eventhandler.Notification) {
	var slow []*streamClient

	h.mu.RLock()
	for client := range h.clients {
		if client.userID != "" && client.userID != userID {
			continue
		}
		select {
		case client.send <- n:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow stream client", logger.UserID(client.userID))
		h.unregister(client)
	}
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *StreamHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.unregister(client)
	}
}

// readPump discards inbound messages and detects disconnects.
func (h *StreamHub) readPump(client *streamClient) {
	defer func() {
		h.unregister(client)
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream client read error", logger.Err(err))
			}
			return
		}
	}
}

func (h *StreamHub) writePump(client *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case n, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := client.conn.WriteJSON(n); err != nil {
				h.unregister(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(client)
				return
			}
		}
	}
}
