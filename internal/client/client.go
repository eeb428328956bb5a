// Package client is the participant side of a whiteboard: it dials the admin,
// performs the join handshake and feeds inbound envelopes to the registry.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"whiteboard/internal/command"
	"whiteboard/internal/protocol"
	"whiteboard/internal/session"
)

var (
	ErrUnreachable      = errors.New("whiteboard server unreachable")
	ErrHandshakeTimeout = errors.New("timed out waiting for join decision")
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrClosed is reported by Err after a local Close.
	ErrClosed = errors.New("client closed")
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultJoinTimeout = 10 * time.Second
)

type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingJoin
	Joined
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case AwaitingJoin:
		return "AWAITING_JOIN"
	case Joined:
		return "JOINED"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

type Config struct {
	URL         string
	Name        string
	Registry    *command.Registry
	DialTimeout time.Duration
	JoinTimeout time.Duration
	QueueSize   int
	Log         *slog.Logger
}

type Client struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state State
	link  *link
	done  chan struct{}
	err   error
}

// link is one connection attempt and its reader.
type link struct {
	conn    *session.ClientConn
	frames  chan protocol.Frame
	readErr chan error
	stop    chan struct{}
	once    sync.Once
}

func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = command.NewRegistry(cfg.Log)
	}
	done := make(chan struct{})
	close(done)
	return &Client{
		cfg:  cfg,
		log:  cfg.Log.With("component", "client", "name", cfg.Name),
		done: done,
	}
}

func (c *Client) Name() string {
	return c.cfg.Name
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err reports why the last connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect dials the server and waits for the join decision. It returns the
// JOIN_ACCEPTED or JOIN_REJECTED envelope; a rejection leaves the client
// disconnected. Envelopes that arrive before the decision are dispatched as
// they come.
func (c *Client) Connect(ctx context.Context) (*protocol.Envelope, error) {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	conn, err := session.Dial(ctx, c.cfg.URL, c.cfg.DialTimeout, session.Options{QueueSize: c.cfg.QueueSize, Log: c.cfg.Log})
	if err != nil {
		c.setState(Disconnected)
		c.log.Warn("connect failed", "url", c.cfg.URL, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	l := &link{
		conn:    conn,
		frames:  make(chan protocol.Frame),
		readErr: make(chan error, 1),
		stop:    make(chan struct{}),
	}
	go l.read()

	c.mu.Lock()
	c.state = AwaitingJoin
	c.link = l
	c.done = make(chan struct{})
	c.err = nil
	c.mu.Unlock()

	if err := conn.Send(protocol.MustEnvelope(c.cfg.Name, protocol.JoinRequest, nil).Join()); err != nil {
		c.teardown(l, err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()
	for {
		select {
		case f := <-l.frames:
			env := f.Message
			switch env.Type {
			case protocol.JoinAccepted:
				c.setState(Joined)
				c.log.Info("joined whiteboard", "url", c.cfg.URL)
				go c.run(l)
				return &env, nil
			case protocol.JoinRejected:
				reason, _ := env.Text()
				c.log.Info("join rejected", "reason", reason)
				c.teardown(l, fmt.Errorf("join rejected: %s", reason))
				return &env, nil
			default:
				c.cfg.Registry.Dispatch(env)
			}
		case err := <-l.readErr:
			c.teardown(l, err)
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		case <-timer.C:
			c.teardown(l, ErrHandshakeTimeout)
			return nil, ErrHandshakeTimeout
		case <-ctx.Done():
			c.teardown(l, ctx.Err())
			return nil, ctx.Err()
		}
	}
}

// SendUpdate forwards env to the server. It does nothing unless joined.
func (c *Client) SendUpdate(env protocol.Envelope) error {
	c.mu.Lock()
	l := c.link
	joined := c.state == Joined
	c.mu.Unlock()
	if !joined || l == nil {
		return nil
	}
	return l.conn.Send(env.Whiteboard())
}

// Close leaves the whiteboard. It is a no-op without an open connection.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil || !l.conn.IsOpen() {
		return nil
	}
	if err := l.conn.Send(protocol.MustEnvelope(c.cfg.Name, protocol.Leave, nil).Whiteboard()); err != nil {
		c.log.Debug("send leave failed", "err", err)
	}
	c.teardown(l, ErrClosed)
	return nil
}

func (c *Client) run(l *link) {
	for {
		select {
		case f := <-l.frames:
			env := f.Message
			if env.Username == c.cfg.Name {
				continue
			}
			c.cfg.Registry.Dispatch(env)
		case err := <-l.readErr:
			c.log.Warn("connection lost", "err", err)
			c.teardown(l, err)
			return
		case <-l.stop:
			return
		}
	}
}

// teardown ends l once. Only the link that is current updates client state.
func (c *Client) teardown(l *link, cause error) {
	l.once.Do(func() {
		close(l.stop)
		_ = l.conn.Close()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.link != l {
			return
		}
		c.link = nil
		c.state = Disconnected
		c.err = cause
		close(c.done)
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (l *link) read() {
	for {
		f, err := l.conn.ReadFrame()
		if err != nil {
			l.readErr <- err
			return
		}
		select {
		case l.frames <- f:
		case <-l.stop:
			return
		}
	}
}
