package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/metrics"
	"github.com/emberfell/server/internal/v1/types"
)

const writeWait = 10 * time.Second

// wsConnection defines the interface for WebSocket connection operations.
// *websocket.Conn satisfies it in production; tests substitute mocks.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Roomer is the room surface a client drives. *world.Room satisfies it.
type Roomer interface {
	HandleInput(conn types.ClientConn, payload types.InputPayload)
	Leave(conn types.ClientConn, consented bool)
}

// Client represents a single session's connection to a world room. It
// implements types.ClientConn. A read pump and a write pump goroutine own
// the socket; everything the room sends is queued on the buffered send
// channel, so a slow client can never stall a simulation tick.
type Client struct {
	conn wsConnection
	room Roomer

	id          types.SessionIDType
	accountID   types.AccountIDType
	displayName types.DisplayNameType

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
	closeOnce   sync.Once

	send chan []byte
}

func newClient(conn wsConnection, room Roomer, id types.SessionIDType, accountID types.AccountIDType, displayName types.DisplayNameType) *Client {
	return &Client{
		conn:        conn,
		room:        room,
		id:          id,
		accountID:   accountID,
		displayName: displayName,
		closeCode:   websocket.CloseNormalClosure,
		send:        make(chan []byte, 256),
	}
}

// SessionID satisfies types.ClientConn.
func (c *Client) SessionID() types.SessionIDType { return c.id }

// SendRaw satisfies types.ClientConn and queues pre-serialized data for
// delivery. The send channel preserves order, so patches for one tick always
// reach the wire before the next tick's. Sends to a closed or saturated
// client are dropped rather than blocking the room.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("sessionId", string(c.id)))
		return
	}
	c.mu.RUnlock()

	// Safety net: Close can win a race with the check above.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw", zap.String("sessionId", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full or closed", zap.String("sessionId", string(c.id)))
	}
}

// Close satisfies types.ClientConn. It records the close code, then closes
// the send channel; the writePump drains any queued messages and writes the
// close frame last, so a kick notice always precedes its close frame.
// Safe to call more than once.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump continuously processes incoming WebSocket messages until the
// connection drops, then routes the disconnect to the room exactly once.
func (c *Client) readPump() {
	consented := false
	defer func() {
		c.room.Leave(c, consented)
		c.conn.Close()
		metrics.ActiveWebSocketConnections.Dec()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			consented = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			return
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Failed to decode message envelope",
				zap.String("sessionId", string(c.id)), zap.Error(err))
			continue
		}

		switch msg.Type {
		case types.MsgInput:
			var p types.InputPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				logging.Warn(context.Background(), "Failed to decode input payload",
					zap.String("sessionId", string(c.id)), zap.Error(err))
				continue
			}
			c.room.HandleInput(c, p)
		case types.MsgPing:
			// Heartbeat; nothing to do.
		default:
			logging.Warn(context.Background(), "Unknown message type",
				zap.String("sessionId", string(c.id)), zap.String("type", msg.Type))
		}
	}
}

// writePump delivers queued messages in order. When the send channel closes
// it writes the close frame recorded by Close and tears the socket down.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("sessionId", string(c.id)), zap.Error(err))
			return
		}
	}

	c.mu.RLock()
	code, reason := c.closeCode, c.closeReason
	c.mu.RUnlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
