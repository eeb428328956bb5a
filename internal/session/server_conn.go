package session

import (
	"sync"

	"github.com/gorilla/websocket"
)

// ServerConn is the admin's end of a participant link. It is created before
// the participant's name is known and bound to it once the join request has
// been read.
type ServerConn struct {
	*conn
	remote string

	nameMu sync.RWMutex
	name   string
}

func NewServerConn(ws *websocket.Conn, remote string, opts Options) *ServerConn {
	return newServerConn(ws, remote, opts)
}

func newServerConn(ws wire, remote string, opts Options) *ServerConn {
	opts = opts.withDefaults()
	opts.Log = opts.Log.With("remote", remote)
	return &ServerConn{conn: newConn(ws, opts), remote: remote}
}

func (s *ServerConn) Bind(name string) {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	s.name = name
}

// PeerID is the bound participant name, or the remote address before binding.
func (s *ServerConn) PeerID() string {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	if s.name == "" {
		return s.remote
	}
	return s.name
}

func (s *ServerConn) Remote() string {
	return s.remote
}
