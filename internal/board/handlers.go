package board

import (
	"whiteboard/internal/command"
	"whiteboard/internal/protocol"
)

// Notifier is told about terminal states pushed by the server.
type Notifier interface {
	Kicked()
	ServerShutdown()
}

type Replicas struct {
	Document   *Document
	Transcript *Transcript
	Users      *Users
}

// RelayFunc forwards an envelope to every participant except its sender.
type RelayFunc func(env protocol.Envelope)

// RegisterServerHandlers wires the kinds the admin applies locally and
// forwards to the other participants.
func RegisterServerHandlers(reg *command.Registry, r Replicas, relay RelayFunc) {
	reg.Register(protocol.UpdateShapes, func(env protocol.Envelope) error {
		items, err := env.Shapes()
		if err != nil {
			return err
		}
		r.Document.Adopt(items, func() { relay(env) })
		return nil
	})
	reg.Register(protocol.ChatMessageKind, func(env protocol.Envelope) error {
		content, err := env.Text()
		if err != nil {
			return err
		}
		r.Transcript.ReceiveAndRelay(env.Username, content, sentAt(env), func() { relay(env) })
		return nil
	})
}

// RegisterHandlers wires every kind a participant reacts to.
func RegisterHandlers(reg *command.Registry, r Replicas, n Notifier) {
	reg.Register(protocol.UpdateShapes, applyShapes(r.Document))
	reg.Register(protocol.ChatMessageKind, applyChat(r.Transcript))
	reg.Register(protocol.UpdateChatHistory, func(env protocol.Envelope) error {
		history, err := env.ChatHistory()
		if err != nil {
			return err
		}
		r.Transcript.ReplaceAll(history)
		return nil
	})
	reg.Register(protocol.UpdateUsers, func(env protocol.Envelope) error {
		names, err := env.Users()
		if err != nil {
			return err
		}
		r.Users.Set(names)
		return nil
	})
	reg.Register(protocol.Kicked, func(protocol.Envelope) error {
		if n != nil {
			n.Kicked()
		}
		return nil
	})
	reg.Register(protocol.Shutdown, func(protocol.Envelope) error {
		if n != nil {
			n.ServerShutdown()
		}
		return nil
	})
}

func applyShapes(doc *Document) command.Handler {
	return func(env protocol.Envelope) error {
		items, err := env.Shapes()
		if err != nil {
			return err
		}
		doc.Replace(items)
		return nil
	}
}

func applyChat(t *Transcript) command.Handler {
	return func(env protocol.Envelope) error {
		content, err := env.Text()
		if err != nil {
			return err
		}
		t.Receive(env.Username, content, sentAt(env))
		return nil
	}
}

func sentAt(env protocol.Envelope) int64 {
	if env.Timestamp == 0 {
		return nowMS()
	}
	return env.Timestamp
}
