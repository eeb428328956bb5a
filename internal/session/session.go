// Package session wraps one websocket link with a bounded outbound queue and a
// single writer goroutine.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"whiteboard/internal/protocol"
)

var (
	ErrClosed    = errors.New("session closed")
	ErrQueueFull = errors.New("send queue full")
)

const (
	DefaultQueueSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	closeGrace = writeWait + time.Second
)

// Session is one live link to a peer, as seen by an orchestrator.
type Session interface {
	PeerID() string
	Send(f protocol.Frame) error
	Close() error
	IsOpen() bool
	Done() <-chan struct{}
}

type Options struct {
	QueueSize int
	Log       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// wire is the subset of *websocket.Conn a session uses.
type wire interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type conn struct {
	id   string
	ws   wire
	log  *slog.Logger
	mu   sync.RWMutex
	open bool
	send chan protocol.Frame
	done chan struct{}
	once sync.Once
}

func newConn(ws wire, opts Options) *conn {
	opts = opts.withDefaults()
	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		log:  opts.Log,
		open: true,
		send: make(chan protocol.Frame, opts.QueueSize),
		done: make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writeLoop()
	return c
}

// ConnID identifies the link itself, independent of the peer name.
func (c *conn) ConnID() string {
	return c.id
}

// Send enqueues f without blocking. A full queue means the peer stopped
// draining: the session is closed and ErrQueueFull returned.
func (c *conn) Send(f protocol.Frame) error {
	c.mu.RLock()
	if !c.open {
		c.mu.RUnlock()
		return ErrClosed
	}
	select {
	case c.send <- f:
		c.mu.RUnlock()
		return nil
	default:
	}
	c.mu.RUnlock()
	c.log.Warn("session queue full, closing", "conn", c.id, "kind", f.Message.Type)
	c.once.Do(c.stop)
	return ErrQueueFull
}

// Close stops intake, waits for the writer to flush what is already queued,
// send a close frame and close the socket. Repeated calls are no-ops.
func (c *conn) Close() error {
	c.once.Do(c.stop)
	select {
	case <-c.done:
	case <-time.After(closeGrace):
		c.log.Warn("session flush timed out", "conn", c.id)
		_ = c.ws.Close()
	}
	return nil
}

func (c *conn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	close(c.send)
}

func (c *conn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Done is closed once the writer has exited and the socket is closed.
func (c *conn) Done() <-chan struct{} {
	return c.done
}

// ReadFrame blocks for the next frame. Only one goroutine may read.
func (c *conn) ReadFrame() (protocol.Frame, error) {
	var f protocol.Frame
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	if err := c.ws.ReadJSON(&f); err != nil {
		return protocol.Frame{}, err
	}
	return f, nil
}

// ReadFrameWithin is ReadFrame with a tighter deadline, used for handshakes.
func (c *conn) ReadFrameWithin(d time.Duration) (protocol.Frame, error) {
	var f protocol.Frame
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	if err := c.ws.ReadJSON(&f); err != nil {
		return protocol.Frame{}, err
	}
	return f, nil
}

func (c *conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	broken := false
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				if !broken {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				}
				return
			}
			if broken {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.Warn("session write failed", "conn", c.id, "err", err)
				broken = true
				// unblock the reader so the owner notices and calls Close
				_ = c.ws.Close()
			}
		case <-ticker.C:
			if broken {
				continue
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				broken = true
				_ = c.ws.Close()
			}
		}
	}
}
