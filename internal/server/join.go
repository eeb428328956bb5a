package server

import (
	"context"
	"fmt"
	"net/http"

	"whiteboard/internal/audit"
	"whiteboard/internal/protocol"
	"whiteboard/internal/ratelimit"
	"whiteboard/internal/session"
)

const maxNameLen = 64

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.JoinLimiter.Allow(ratelimit.ClientIP(r)) {
		s.log.Warn("join rate limited", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}
	s.workers.Add(1)
	s.mu.Unlock()
	defer s.workers.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := session.NewServerConn(ws, r.RemoteAddr, session.Options{QueueSize: s.cfg.QueueSize, Log: s.cfg.Log})
	if !s.track(c) {
		_ = c.Close()
		return
	}
	defer s.untrack(c)
	defer c.Close()

	name, ok := s.join(c)
	if !ok {
		return
	}
	s.readLoop(c, name)
}

func (s *Server) track(c *session.ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return false
	}
	s.links[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *session.ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, c)
}

// join runs the handshake for one link and reports the admitted name.
func (s *Server) join(c *session.ServerConn) (string, bool) {
	f, err := c.ReadFrameWithin(s.cfg.JoinTimeout)
	if err != nil {
		s.log.Warn("join request not received", "remote", c.Remote(), "err", err)
		return "", false
	}
	if f.Channel != protocol.ChannelJoin || f.Message.Type != protocol.JoinRequest {
		s.log.Warn("first frame is not a join request", "remote", c.Remote(), "channel", f.Channel, "kind", f.Message.Type)
		return "", false
	}
	name := f.Message.Username
	if err := s.validate.Var(name, fmt.Sprintf("required,max=%d", maxNameLen)); err != nil {
		s.reject(c, name, protocol.ReasonInvalidUsername)
		return "", false
	}

	if reason, ok := s.reserve(c, name); !ok {
		s.reject(c, name, reason)
		return "", false
	}
	admitted, err := s.admit(name, c.Remote())
	if err != nil {
		s.log.Warn("approver failed, denying", "name", name, "err", err)
		admitted = false
	}
	if !admitted {
		s.release(name)
		reason := protocol.ReasonRejectedByAdmin
		if s.ctx.Err() != nil {
			reason = protocol.ReasonShuttingDown
		}
		s.reject(c, name, reason)
		return "", false
	}

	if !s.register(c, name) {
		s.reject(c, name, protocol.ReasonShuttingDown)
		return "", false
	}
	s.log.Info("participant joined", "name", name, "remote", c.Remote())
	s.cfg.Audit.Log(audit.Event{Actor: s.actor(), Name: name, Remote: c.Remote(), Kind: audit.KindJoinAccepted})
	s.broadcastRoster()
	return name, true
}

// reserve claims name for a pending join and binds it to c. Names held by a
// participant, by another pending join, or by the admin are refused.
func (s *Server) reserve(c *session.ServerConn, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return protocol.ReasonShuttingDown, false
	}
	_, taken := s.sessions[name]
	_, pending := s.pending[name]
	if taken || pending || name == s.cfg.AdminName {
		return protocol.ReasonRepeatedUsername, false
	}
	s.pending[name] = struct{}{}
	c.Bind(name)
	return "", true
}

func (s *Server) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, name)
}

// admit consults the approver with no lock held. A panic is a denial.
func (s *Server) admit(name, remote string) (ok bool, err error) {
	ctx := s.ctx
	if s.cfg.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ApprovalTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("approver panic: %v", r)
		}
	}()
	return s.cfg.Approver.Admit(ctx, name, remote)
}

// register installs the session and queues JOIN_ACCEPTED plus the replayed
// state. The replay sources stay locked until the frames are queued, so no
// broadcast can slip in between the snapshot and registration.
func (s *Server) register(c *session.ServerConn, name string) bool {
	admitted := false
	replayAll(s.cfg.Sources, nil, func(replay []protocol.Envelope) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.pending, name)
		if s.state != Running {
			return
		}
		s.sessions[name] = c
		s.order = append(s.order, name)
		admitted = true
		_ = c.Send(protocol.MustEnvelope(s.cfg.AdminName, protocol.JoinAccepted, nil).Whiteboard())
		for _, env := range replay {
			if err := c.Send(env.Whiteboard()); err != nil {
				s.log.Warn("replay failed", "name", name, "kind", env.Type, "err", err)
			}
		}
	})
	if !admitted {
		s.release(name)
	}
	return admitted
}

func replayAll(sources []StateSource, acc []protocol.Envelope, fn func([]protocol.Envelope)) {
	if len(sources) == 0 {
		fn(acc)
		return
	}
	sources[0].Replay(func(env protocol.Envelope) {
		replayAll(sources[1:], append(acc, env), fn)
	})
}

func (s *Server) reject(c *session.ServerConn, name, reason string) {
	s.log.Info("join rejected", "name", name, "remote", c.Remote(), "reason", reason)
	if err := c.Send(protocol.MustEnvelope(s.cfg.AdminName, protocol.JoinRejected, reason).Whiteboard()); err != nil {
		s.log.Warn("send join rejected failed", "name", name, "err", err)
	}
	s.cfg.Audit.Log(audit.Event{Actor: s.actor(), Name: name, Remote: c.Remote(), Kind: audit.KindJoinRejected, Meta: map[string]any{"reason": reason}})
}

func (s *Server) readLoop(c *session.ServerConn, name string) {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			s.depart(c, name, audit.KindDisconnect, err)
			return
		}
		if s.handle(c, name, f) {
			s.depart(c, name, audit.KindLeave, nil)
			return
		}
	}
}

// handle processes one frame from an admitted participant and reports whether
// the participant left.
func (s *Server) handle(c *session.ServerConn, name string, f protocol.Frame) bool {
	env := f.Message
	switch {
	case f.Channel != protocol.ChannelWhiteboard:
		s.log.Warn("unexpected channel", "name", name, "channel", f.Channel, "kind", env.Type)
		return false
	case env.Username == s.cfg.AdminName:
		s.log.Debug("dropping message carrying admin name", "name", name, "kind", env.Type)
		return false
	case env.Username != name:
		s.log.Warn("dropping message with foreign sender", "name", name, "sender", env.Username, "kind", env.Type)
		return false
	}
	switch env.Type {
	case protocol.UpdateShapes, protocol.ChatMessageKind:
		if s.cfg.Registry != nil && s.cfg.Registry.Handles(env.Type) {
			s.cfg.Registry.Dispatch(env)
		} else {
			s.Relay(env)
		}
	case protocol.Leave:
		return true
	default:
		s.log.Warn("unexpected message kind", "name", name, "kind", env.Type)
	}
	return false
}

// depart removes c if it is still the registered session for name.
func (s *Server) depart(c *session.ServerConn, name, kind string, cause error) {
	s.mu.Lock()
	current, ok := s.sessions[name]
	removed := ok && current == c
	if removed {
		s.removeLocked(name)
	}
	s.mu.Unlock()
	_ = c.Close()
	if !removed {
		return
	}
	s.log.Info("participant left", "name", name, "how", kind, "err", cause)
	s.cfg.Audit.Log(audit.Event{Actor: "participant:" + name, Name: name, Remote: c.Remote(), Kind: kind})
	s.broadcastRoster()
}

func (s *Server) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
