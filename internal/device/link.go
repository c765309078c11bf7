// Package device connects viewers to the device-side WebSocket that
// streams video and accepts control messages.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the device.
	writeWait = 10 * time.Second

	// Frames queued for the device before Forward reports backpressure.
	sendBuffer = 256
)

var (
	// ErrClosed is returned when forwarding to a closed link.
	ErrClosed = errors.New("device link closed")
	// ErrBackpressure is returned when the device does not keep up.
	ErrBackpressure = errors.New("device link send buffer full")
	// ErrNotConfigured is returned when no upstream exists for a device.
	ErrNotConfigured = errors.New("device not configured")
)

// Frame is one WebSocket message.
type Frame struct {
	MessageType int
	Data        []byte
}

// FrameFunc receives frames coming from the device.
type FrameFunc func(Frame)

// Dialer opens links to devices.
type Dialer interface {
	Dial(ctx context.Context, deviceID string, onFrame FrameFunc) (*Link, error)
}

// WSDialer dials the upstream URLs of configured devices.
type WSDialer struct {
	// URL returns the upstream WebSocket URL of a device.
	URL    func(deviceID string) (string, bool)
	Dialer *websocket.Dialer
	Header http.Header
	Log    *logger.Logger
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, deviceID string, onFrame FrameFunc) (*Link, error) {
	url, ok := d.URL(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, deviceID)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := d.Log
	if log == nil {
		log = logger.Global().WithPrefix("device")
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial device %s at %s: %w", deviceID, url, err)
	}

	l := newLink(deviceID, conn, onFrame, log.WithPrefix(deviceID))
	l.start()
	return l, nil
}

// Link is one upstream connection. It implements control.Sink.
type Link struct {
	deviceID  string
	conn      *websocket.Conn
	onFrame   FrameFunc
	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

var _ control.Sink = (*Link)(nil)

func newLink(deviceID string, conn *websocket.Conn, onFrame FrameFunc, log *logger.Logger) *Link {
	return &Link{
		deviceID: deviceID,
		conn:     conn,
		onFrame:  onFrame,
		send:     make(chan Frame, sendBuffer),
		done:     make(chan struct{}),
		log:      log,
	}
}

func (l *Link) start() {
	go l.readPump()
	go l.writePump()
}

// DeviceID returns the device this link is connected to.
func (l *Link) DeviceID() string {
	return l.deviceID
}

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Forward queues a frame for the device without blocking.
func (l *Link) Forward(f Frame) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.send <- f:
		return nil
	case <-l.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Send encodes msg and queues it as a binary frame.
func (l *Link) Send(msg control.Message) error {
	data, err := control.Encode(msg)
	if err != nil {
		return err
	}
	return l.Forward(Frame{MessageType: websocket.BinaryMessage, Data: data})
}

// Close closes the upstream connection. Safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = l.conn.Close()
		l.log.Debug("link closed")
	})
	return err
}

func (l *Link) readPump() {
	defer func() { _ = l.Close() }()

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-l.done:
				default:
					l.log.Warn("read error: %v", err)
				}
			}
			return
		}
		if l.onFrame != nil {
			l.onFrame(Frame{MessageType: messageType, Data: data})
		}
	}
}

func (l *Link) writePump() {
	for {
		select {
		case f := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(f.MessageType, f.Data); err != nil {
				l.log.Warn("write error: %v", err)
				_ = l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}
