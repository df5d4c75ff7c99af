package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	// A client that answers no ping for this long is dropped
	idleTimeout  = time.Minute
	pingInterval = idleTimeout * 9 / 10
	// Browsers only send control messages, chunks flow the other way
	inboundLimit = 4 << 10
)

// Client is one browser connection in the room of an app
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	AppID  string
	UserID string

	// Outbound frames, closed by the hub
	send chan []byte

	mu       sync.RWMutex
	lastSeen time.Time
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns when the client last sent a message or pong
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) extendDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
}

// readPump handles control messages until the connection fails, then leaves
// the room
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(inboundLimit)
	_ = c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.extendDeadline()
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.L().Debug("websocket closed unexpectedly", zap.String("app_id", c.AppID), zap.Error(err))
			}
			return
		}
		c.touch()

		var in Message
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("Invalid message format")
			continue
		}
		metrics.Get().RecordWebSocketMessage(in.Type, "inbound")
		c.dispatch(in)
	}
}

// writePump sends one JSON message per frame and keeps the connection alive
// with pings
func (c *Client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(in Message) {
	switch in.Type {
	case MessageTypeStop:
		stopped := c.hub.source.StopStream(c.AppID)
		logging.L().Info("stream stop requested over websocket",
			zap.String("app_id", c.AppID),
			zap.String("user_id", c.UserID),
			zap.Bool("stopped", stopped))
		c.reply(MessageTypeStreamStopped, map[string]bool{"stopped": stopped})
	case MessageTypeHeartbeat:
		c.reply(MessageTypeHeartbeat, nil)
	default:
		c.sendError("Unknown message type: " + in.Type)
	}
}

func (c *Client) reply(msgType string, data interface{}) {
	c.hub.reply(c, Message{Type: msgType, RoomID: c.AppID, Data: data, Timestamp: time.Now()})
}

func (c *Client) sendError(text string) {
	c.reply(MessageTypeError, map[string]string{"error": text})
}
