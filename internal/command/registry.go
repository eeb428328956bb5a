// Package command routes inbound envelopes to the handler registered for
// their kind.
package command

import (
	"fmt"
	"log/slog"
	"sync"

	"whiteboard/internal/protocol"
)

type Handler func(env protocol.Envelope) error

type Registry struct {
	mu       sync.RWMutex
	handlers map[protocol.Kind]Handler
	log      *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		handlers: make(map[protocol.Kind]Handler),
		log:      log,
	}
}

// Register binds h to kind, replacing any previous handler.
func (r *Registry) Register(kind protocol.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Registry) Handles(kind protocol.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Dispatch runs the handler for env.Type and reports whether one was found.
// The handler runs without the registry lock held. Handler errors and panics
// are logged, never propagated.
func (r *Registry) Dispatch(env protocol.Envelope) bool {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("no handler for message", "kind", env.Type, "from", env.Username)
		return false
	}
	if err := r.invoke(h, env); err != nil {
		r.log.Warn("handler failed", "kind", env.Type, "from", env.Username, "err", err)
	}
	return true
}

func (r *Registry) invoke(h Handler, env protocol.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(env)
}
