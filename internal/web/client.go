package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames queued per client.
	sendBuffer = 256
)

// Client is one viewer WebSocket. Device frames and control channel
// messages share one outbound queue drained by WritePump.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	session        *ControlSession
	link           *device.Link
	send           chan device.Frame
	done           chan struct{}
	closeOnce      sync.Once
	maxMessageSize int64
	log            *logger.Logger
}

// newClient creates a client without connection or session. The caller
// attaches both before starting the pumps.
func newClient(hub *Hub, maxMessageSize int64) *Client {
	return &Client{
		hub:            hub,
		send:           make(chan device.Frame, sendBuffer),
		done:           make(chan struct{}),
		maxMessageSize: maxMessageSize,
		log:            hub.log.WithPrefix("client"),
	}
}

// ID returns the client id of the underlying control session.
func (c *Client) ID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ClientID()
}

// sendJSON queues a control channel message. It never blocks, a full queue
// drops the message.
func (c *Client) sendJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("Failed to marshal message: %v", err)
		return
	}

	select {
	case <-c.done:
	case c.send <- device.Frame{MessageType: websocket.TextMessage, Data: data}:
	default:
		c.log.Warn("Client %s send channel full, dropping message", c.ID())
	}
}

// sendFrame queues a frame from the device. It blocks while the queue is
// full so a slow viewer slows its own upstream down.
func (c *Client) sendFrame(f device.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

// ReadPump pumps messages from the WebSocket connection to the control
// session until the connection fails.
func (c *Client) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("WebSocket read error: %v", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.session.HandleText(message)
		case websocket.BinaryMessage:
			c.session.HandleBinary(message)
		}
	}
}

// WritePump pumps queued frames to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.MessageType, f.Data); err != nil {
				c.log.Debug("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close releases the session and closes the device link. WritePump then
// sends a close frame and closes the connection. Safe to call more than
// once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session != nil {
			c.session.Release()
		}
		if c.link != nil {
			_ = c.link.Close()
		}
		c.hub.Unregister(c)
	})
}

// watchLink closes the client when the device goes away.
func (c *Client) watchLink() {
	select {
	case <-c.link.Done():
		c.log.Info("device %s disconnected, closing client %s", c.link.DeviceID(), c.ID())
		c.Close()
	case <-c.done:
	}
}
