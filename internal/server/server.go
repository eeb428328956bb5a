// Package server is the admin side of a whiteboard: it accepts participant
// links, runs join approval, keeps the roster and fans messages out.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"whiteboard/internal/audit"
	"whiteboard/internal/command"
	"whiteboard/internal/protocol"
	"whiteboard/internal/ratelimit"
	"whiteboard/internal/session"
)

var (
	ErrAlreadyClosed = errors.New("server already closed")
	ErrNotRunning    = errors.New("server not running")
)

type State int

const (
	Stopped State = iota
	Starting
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Closed:
		return "CLOSED"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Approver decides whether a participant may join. It is called without any
// server lock held; ctx is cancelled when the server closes. An error counts
// as a denial.
type Approver interface {
	Admit(ctx context.Context, name, remote string) (bool, error)
}

type ApproverFunc func(ctx context.Context, name, remote string) (bool, error)

func (f ApproverFunc) Admit(ctx context.Context, name, remote string) (bool, error) {
	return f(ctx, name, remote)
}

// StateSource is replayed to each admitted participant. Replay must hold the
// source's own lock while calling fn, and the source must publish its
// broadcasts under that same lock.
type StateSource interface {
	Replay(fn func(env protocol.Envelope))
}

type Config struct {
	Host      string
	Port      int
	AdminName string

	Approver        Approver
	ApprovalTimeout time.Duration
	// Sources are replayed in order after JOIN_ACCEPTED.
	Sources []StateSource
	// Registry handles relayed kinds on the admin side. Handlers are
	// responsible for calling Relay.
	Registry *command.Registry

	Audit          *audit.Logger
	JoinLimiter    *ratelimit.Limiter
	AllowedOrigins []string
	JoinTimeout    time.Duration
	QueueSize      int
	Log            *slog.Logger
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	router   *mux.Router

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	sessions map[string]*session.ServerConn
	order    []string
	pending  map[string]struct{}
	links    map[*session.ServerConn]struct{}
	listener net.Listener
	httpSrv  *http.Server

	rosterMu   sync.Mutex
	rosterSeq  uint64
	rosterSent uint64
	onRoster   func(names []string)

	workers sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.Approver == nil {
		cfg.Approver = ApproverFunc(func(context.Context, string, string) (bool, error) { return true, nil })
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      cfg.Log.With("component", "server", "admin", cfg.AdminName),
		validate: validator.New(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.ServerConn),
		pending:  make(map[string]struct{}),
		links:    make(map[*session.ServerConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = mux.NewRouter()
	s.router.Handle("/ws", http.HandlerFunc(s.serveWS)).Methods(http.MethodGet)
	return s
}

// Mount serves h under prefix on the same listener as the websocket endpoint.
func (s *Server) Mount(prefix string, h http.Handler) {
	s.router.PathPrefix(prefix).Handler(h)
}

// OnRoster installs a callback that receives each roster broadcast. It runs
// outside the server lock.
func (s *Server) OnRoster(fn func(names []string)) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	s.onRoster = fn
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) AdminName() string {
	return s.cfg.AdminName
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr is the bound listener address, empty until Start succeeds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins accepting participants. Calling it while
// running is a no-op; a closed server cannot be restarted.
func (s *Server) Start() error {
	s.mu.Lock()
	switch s.state {
	case Running, Starting:
		s.mu.Unlock()
		return nil
	case Closed:
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.state = Starting
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("listen failed", "addr", addr, "err", err)
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.state = Running
	s.listener = ln
	s.httpSrv = httpSrv
	s.mu.Unlock()

	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http serve failed", "err", err)
		}
	}()
	s.log.Info("whiteboard server listening", "addr", ln.Addr().String())
	s.cfg.Audit.Log(audit.Event{Actor: s.actor(), Kind: audit.KindStart, Meta: map[string]any{"addr": ln.Addr().String()}})
	s.broadcastRoster()
	return nil
}

// Close notifies every participant, closes their sessions, cancels pending
// approvals and stops the listener. Only the first call on a running server
// does anything.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	conns := make([]*session.ServerConn, 0, len(s.order))
	for _, name := range s.order {
		conns = append(conns, s.sessions[name])
	}
	var idle []*session.ServerConn
	for c := range s.links {
		name := c.PeerID()
		_, awaiting := s.pending[name]
		if s.sessions[name] != c && !awaiting {
			idle = append(idle, c)
		}
	}
	s.sessions = make(map[string]*session.ServerConn)
	s.order = nil
	httpSrv := s.httpSrv
	s.mu.Unlock()

	s.cancel()
	shutdown := protocol.MustEnvelope(s.cfg.AdminName, protocol.Shutdown, nil).Whiteboard()
	for _, c := range conns {
		if err := c.Send(shutdown); err != nil {
			s.log.Warn("send shutdown failed", "name", c.PeerID(), "err", err)
		}
	}
	var wg sync.WaitGroup
	for _, c := range append(conns, idle...) {
		wg.Add(1)
		go func(c *session.ServerConn) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown failed", "err", err)
	}
	s.waitWorkers(5 * time.Second)
	s.cfg.Audit.Log(audit.Event{Actor: s.actor(), Kind: audit.KindShutdown, Meta: map[string]any{"sessions": len(conns)}})
	s.log.Info("whiteboard server closed", "sessions", len(conns))
	return nil
}

// waitWorkers waits for link handlers to finish. Pending joins finish once
// their approver observes the cancelled context.
func (s *Server) waitWorkers(limit time.Duration) {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		s.log.Warn("link handlers still running after close", "waited", limit)
	}
}

// Roster is the admin entry followed by participant names in join order.
func (s *Server) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

func (s *Server) rosterLocked() []string {
	out := make([]string, 0, len(s.order)+1)
	out = append(out, s.cfg.AdminName+" (Admin)")
	return append(out, s.order...)
}

// Broadcast enqueues env to every participant. A failing session does not
// affect the others.
func (s *Server) Broadcast(env protocol.Envelope) {
	s.sendAll(env, "")
}

// Relay forwards env to every participant except its sender.
func (s *Server) Relay(env protocol.Envelope) {
	s.sendAll(env, env.Username)
}

func (s *Server) sendAll(env protocol.Envelope, except string) {
	f := env.Whiteboard()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return
	}
	s.sendAllLocked(f, except)
}

func (s *Server) sendAllLocked(f protocol.Frame, except string) {
	for _, name := range s.order {
		if name == except {
			continue
		}
		if err := s.sessions[name].Send(f); err != nil {
			s.log.Warn("send failed", "name", name, "kind", f.Message.Type, "err", err)
		}
	}
}

// Kick removes a participant after telling it so. Unknown names are ignored.
func (s *Server) Kick(name string) bool {
	s.mu.Lock()
	c, ok := s.sessions[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(name)
	s.mu.Unlock()

	if err := c.Send(protocol.MustEnvelope(s.cfg.AdminName, protocol.Kicked, nil).Whiteboard()); err != nil {
		s.log.Warn("send kicked failed", "name", name, "err", err)
	}
	_ = c.Close()
	s.log.Info("participant kicked", "name", name)
	s.cfg.Audit.Log(audit.Event{Actor: s.actor(), Name: name, Remote: c.Remote(), Kind: audit.KindKick})
	s.broadcastRoster()
	return true
}

func (s *Server) removeLocked(name string) {
	delete(s.sessions, name)
	s.order = lo.Without(s.order, name)
}

func (s *Server) broadcastRoster() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	roster := s.rosterLocked()
	s.sendAllLocked(protocol.MustEnvelope(s.cfg.AdminName, protocol.UpdateUsers, roster).Whiteboard(), "")
	s.rosterMu.Lock()
	s.rosterSeq++
	seq := s.rosterSeq
	s.rosterMu.Unlock()
	s.mu.Unlock()

	s.rosterMu.Lock()
	cb := s.onRoster
	stale := seq <= s.rosterSent
	if !stale {
		s.rosterSent = seq
	}
	s.rosterMu.Unlock()
	if cb != nil && !stale {
		cb(roster)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) actor() string {
	return "admin:" + s.cfg.AdminName
}
