package websocket

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"realtime-service/pkg/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

// Transport names the carrier a Client was established over.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

// Identity is what the authenticator established for a connection.
type Identity struct {
	UserID string
	Role   string
}

// Client is one authenticated connection. Room membership is held by the
// hub's Registry, not here.
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn // nil for polling clients
	transport Transport
	send      chan []byte
	userID    string
	role      string

	connectedAt  time.Time
	lastActivity atomic.Int64

	// Connection state management
	ctx    context.Context
	cancel context.CancelFunc
	closed int32

	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, transport Transport, identity Identity) *Client {
	ctx, cancel := context.WithCancel(hub.ctx)
	id := uuid.New().String()
	now := time.Now()

	c := &Client{
		id:          id,
		hub:         hub,
		conn:        conn,
		transport:   transport,
		send:        make(chan []byte, hub.cfg.SendBufferSize),
		userID:      identity.UserID,
		role:        identity.Role,
		connectedAt: now,
		ctx:         ctx,
		cancel:      cancel,
		logger: hub.logger.With(
			slog.String("clientID", id),
			slog.String("userID", identity.UserID),
			slog.String("transport", string(transport)),
		),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Client) GetID() string        { return c.id }
func (c *Client) GetUserID() string    { return c.userID }
func (c *Client) GetRole() string      { return c.role }
func (c *Client) Transport() Transport { return c.transport }

func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity is the last time the client sent a frame, answered a ping or
// polled for frames.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// isClosed returns true if the client is closed
func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// close marks the client as closed and cancels the context. For websocket
// clients the write pump then sends a close frame and closes the conn.
func (c *Client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
		c.logger.Debug("Client marked as closed")
	}
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// enqueue hands an encoded frame to the client without blocking. A full
// buffer means the peer is not keeping up and the caller should drop it.
func (c *Client) enqueue(data []byte) error {
	if c.isClosed() {
		return ErrClientDisconnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("Send buffer full")
		return ErrSendBufferFull
	}
}

// SendEvent encodes and queues ev for this client.
func (c *Client) SendEvent(ev events.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Client) sendError(code, message string) {
	ev := events.MustNew(events.KindError, events.ErrorData{Code: code, Message: message})
	if err := c.SendEvent(ev.WithUser(c.userID)); err != nil {
		c.logger.Debug("Failed to send error to client", "code", code, "error", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.logger.Debug("ReadPump started")

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.errors.HandleConnectionError(c.userID, err)
			} else {
				c.logger.Debug("WebSocket connection closed", "error", err)
			}
			return
		}
		c.touch()

		if err := c.hub.HandleInbound(c, data); err != nil {
			c.logger.Debug("ReadPump stopping", "error", err)
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("WritePump finished")
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug("Error getting next writer", "error", err)
				c.close()
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				c.logger.Debug("Error closing writer", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Error sending ping", "error", err)
				c.close()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain blocks until at least one frame is queued, wait elapses or ctx ends,
// then returns everything queued. Used by the polling transport.
func (c *Client) drain(ctx context.Context, wait time.Duration) ([][]byte, error) {
	c.touch()
	defer c.touch()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var frames [][]byte
	select {
	case frame := <-c.send:
		frames = append(frames, frame)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClientDisconnected
	}

	for {
		select {
		case frame := <-c.send:
			frames = append(frames, frame)
		default:
			return frames, nil
		}
	}
}
