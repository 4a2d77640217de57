package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/metrics"
	"github.com/skyoffice/presence/internal/v1/room"
	"github.com/skyoffice/presence/internal/v1/types"
)

const writeWait = 10 * time.Second

// Frame is the JSON envelope every realtime message travels in.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is a single websocket connection attached to a room. It implements
// types.ClientInterface.
type Client struct {
	conn      wsConnection
	room      *room.Room
	hub       *Hub
	sessionID types.SessionIDType
	name      string
	npc       bool
	userData  map[string]any

	mu     sync.RWMutex
	closed bool

	send chan []byte
}

func (c *Client) GetSessionID() types.SessionIDType { return c.sessionID }
func (c *Client) GetName() string                   { return c.name }
func (c *Client) IsNpc() bool                       { return c.npc }

func (c *Client) UserData() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userData
}

// Send marshals one frame and queues it. Full or closed clients drop the
// message rather than block the room.
func (c *Client) Send(msgType string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame payload",
			zap.String("type", msgType), zap.Error(err))
		return
	}
	data, err := json.Marshal(Frame{Type: msgType, Payload: payloadBytes})
	if err != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing client",
				zap.String("sessionId", string(c.sessionID)))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full, dropping message",
			zap.String("sessionId", string(c.sessionID)), zap.String("type", msgType))
	}
}

// Disconnect closes the send channel; the writePump then flushes, sends a
// close frame, and closes the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

// readPump delivers inbound frames to the room until the connection drops.
func (c *Client) readPump() {
	defer func() {
		ctx := context.Background()
		c.room.Leave(ctx, c)
		c.Disconnect()
		c.conn.Close()
		metrics.DecConnection()
		if c.hub != nil {
			c.hub.scheduleCleanupIfEmpty(c.room)
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Failed to decode frame",
				zap.String("sessionId", string(c.sessionID)), zap.Error(err))
			continue
		}
		c.room.HandleMessage(context.Background(), c, frame.Type, frame.Payload)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		message, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "Error writing message", zap.Error(err))
			return
		}
	}
}
