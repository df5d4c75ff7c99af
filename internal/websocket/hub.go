// Package websocket pushes agent stream chunks to browsers. Clients join the
// room of one app; each room follows that app's stream and broadcasts its
// chunks to every client in the room.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"
	"aun-builder/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamSource is the stream manager as seen by the hub
type StreamSource interface {
	Replay(ctx context.Context, appID string) ([]stream.Chunk, error)
	Follow(ctx context.Context, appID string) (<-chan stream.Chunk, func(), error)
	StopStream(appID string) bool
}

// Message types for WebSocket communication
const (
	MessageTypeConnected     = "connected"
	MessageTypeChunk         = "chunk"
	MessageTypeReplay        = "replay"
	MessageTypeStop          = "stop"
	MessageTypeStreamStopped = "stream_stopped"
	MessageTypeHeartbeat     = "heartbeat"
	MessageTypeError         = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	RoomID    string      `json:"room_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type roomMessage struct {
	roomID string
	data   []byte
}

type clientMessage struct {
	client *Client
	msg    Message
}

type room struct {
	clients map[*Client]bool
	cancel  func()
}

// Hub maintains active client connections and broadcasts stream chunks to rooms
type Hub struct {
	source   StreamSource
	upgrader websocket.Upgrader

	// Registered clients by app id
	rooms map[string]*room

	broadcast  chan roomMessage
	direct     chan clientMessage
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	stopped    chan struct{}
	once       sync.Once

	mu sync.RWMutex
}

// NewHub creates a hub. allowedOrigins limits browser origins; an empty
// Origin header is accepted outside production for CLI tools and tests.
func NewHub(source StreamSource, allowedOrigins []string, production bool) *Hub {
	h := &Hub{
		source:     source,
		rooms:      make(map[string]*room),
		broadcast:  make(chan roomMessage, 256),
		direct:     make(chan clientMessage, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return !production
			}
			for _, allowed := range allowedOrigins {
				allowed = strings.TrimSpace(allowed)
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for id, r := range h.rooms {
				r.cancel()
				for client := range r.clients {
					close(client.send)
				}
				delete(h.rooms, id)
			}
			h.mu.Unlock()
			logging.L().Info("WebSocket hub shutdown complete")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastToRoom(msg.roomID, msg.data)

		case cm := <-h.direct:
			h.sendToClient(cm.client, cm.msg)
		}
	}
}

// Shutdown stops the hub and closes every connection
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.shutdown) })
	<-h.stopped
}

// ServeWS upgrades the request and joins the client to the room of appID
func (h *Hub) ServeWS(c *gin.Context, appID, userID string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.WithRequest(c).Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		hub:      h,
		AppID:    appID,
		UserID:   userID,
		send:     make(chan []byte, 256),
		lastSeen: time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// RoomCount returns the number of rooms with connected clients
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ClientCount returns the number of clients in the room of appID
func (h *Hub) ClientCount(appID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[appID]; ok {
		return len(r.clients)
	}
	return 0
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	r, ok := h.rooms[client.AppID]
	if !ok {
		r = &room{clients: make(map[*Client]bool), cancel: func() {}}
		h.rooms[client.AppID] = r
		h.startForwarder(client.AppID, r)
	}
	r.clients[client] = true
	h.mu.Unlock()

	metrics.Get().WebSocketConnectionsGauge.Inc()
	h.sendToClient(client, Message{Type: MessageTypeConnected, RoomID: client.AppID, Timestamp: time.Now()})
	h.replay(client)

	logging.L().Debug("websocket client registered",
		zap.String("app_id", client.AppID), zap.String("user_id", client.UserID))
}

// replay sends the buffered chunks of the latest stream to a new client as
// one message. Chunks that also arrive live carry the same seq, so clients
// drop repeats.
func (h *Hub) replay(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunks, err := h.source.Replay(ctx, client.AppID)
	if err != nil {
		logging.L().Warn("failed to replay stream", zap.String("app_id", client.AppID), zap.Error(err))
		return
	}
	if len(chunks) == 0 {
		return
	}
	h.sendToClient(client, Message{Type: MessageTypeReplay, RoomID: client.AppID, Data: chunks, Timestamp: time.Now()})
}

// reply queues msg for one client through the hub loop
func (h *Hub) reply(client *Client, msg Message) {
	select {
	case h.direct <- clientMessage{client: client, msg: msg}:
	case <-h.shutdown:
	}
}

// sendToClient queues msg if the client is still registered. Runs on the hub loop.
func (h *Hub) sendToClient(client *Client, msg Message) {
	h.mu.RLock()
	r, ok := h.rooms[client.AppID]
	registered := ok && r.clients[client]
	h.mu.RUnlock()
	if !registered {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
		metrics.Get().RecordWebSocketMessage(msg.Type, "outbound")
	default:
		logging.L().Warn("websocket send buffer full", zap.String("app_id", client.AppID))
	}
}

// startForwarder follows the app's stream and feeds its chunks to the hub
// loop. Callers hold h.mu.
func (h *Hub) startForwarder(appID string, r *room) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks, stop, err := h.source.Follow(ctx, appID)
	if err != nil {
		cancel()
		logging.L().Error("failed to follow stream", zap.String("app_id", appID), zap.Error(err))
		return
	}
	r.cancel = func() {
		stop()
		cancel()
	}

	go func() {
		for c := range chunks {
			data, err := json.Marshal(chunkMessage(appID, c))
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- roomMessage{roomID: appID, data: data}:
			case <-ctx.Done():
				return
			case <-h.shutdown:
				return
			}
		}
	}()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[client.AppID]
	if !ok || !r.clients[client] {
		return
	}
	delete(r.clients, client)
	close(client.send)
	metrics.Get().WebSocketConnectionsGauge.Dec()

	if len(r.clients) == 0 {
		r.cancel()
		delete(h.rooms, client.AppID)
	}
}

func (h *Hub) broadcastToRoom(roomID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	for client := range r.clients {
		select {
		case client.send <- data:
			metrics.Get().RecordWebSocketMessage(MessageTypeChunk, "outbound")
		default:
			// Client's send channel is full, drop the client
			close(client.send)
			delete(r.clients, client)
			metrics.Get().WebSocketConnectionsGauge.Dec()
		}
	}
	if len(r.clients) == 0 {
		r.cancel()
		delete(h.rooms, roomID)
	}
}

func chunkMessage(appID string, c stream.Chunk) Message {
	return Message{Type: MessageTypeChunk, RoomID: appID, Data: c, Timestamp: c.Time}
}
