package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whiteboard/internal/shape"
)

type Kind string

const (
	UpdateShapes      Kind = "UPDATE_SHAPES"
	Shutdown          Kind = "SHUTDOWN"
	Kicked            Kind = "KICKED"
	Leave             Kind = "LEAVE"
	JoinRequest       Kind = "JOIN_REQUEST"
	JoinAccepted      Kind = "JOIN_ACCEPTED"
	JoinRejected      Kind = "JOIN_REJECTED"
	ChatMessageKind   Kind = "CHAT_MESSAGE"
	UpdateUsers       Kind = "UPDATE_USERS"
	UpdateChatHistory Kind = "UPDATE_CHAT_HISTORY"
)

var kinds = []Kind{
	UpdateShapes, Shutdown, Kicked, Leave, JoinRequest,
	JoinAccepted, JoinRejected, ChatMessageKind, UpdateUsers, UpdateChatHistory,
}

// Kinds returns the closed set of message kinds.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Channel names the logical stream a frame travels on.
type Channel string

const (
	ChannelJoin       Channel = "join"
	ChannelWhiteboard Channel = "whiteboard"
)

const (
	ReasonRepeatedUsername = "Repeated username"
	ReasonRejectedByAdmin  = "Rejected by Admin"
	ReasonShuttingDown     = "Server shutting down"
	ReasonInvalidUsername  = "Invalid username"
)

var ErrPayloadShape = errors.New("payload has unexpected shape")

// Envelope is the wire unit exchanged between admin and participants.
// Data is encoded once in NewEnvelope; the value is never modified afterwards.
type Envelope struct {
	Username  string          `json:"username"`
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Frame wraps an envelope with the channel it is sent on.
type Frame struct {
	Channel Channel  `json:"channel"`
	Message Envelope `json:"message"`
}

type ChatMessage struct {
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func NewEnvelope(sender string, kind Kind, data any) (Envelope, error) {
	raw := json.RawMessage("null")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	return Envelope{
		Username:  sender,
		Type:      kind,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// MustEnvelope is NewEnvelope for payloads that always encode (strings,
// string slices, shapes, chat messages, nil).
func MustEnvelope(sender string, kind Kind, data any) Envelope {
	env, err := NewEnvelope(sender, kind, data)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) Whiteboard() Frame {
	return Frame{Channel: ChannelWhiteboard, Message: e}
}

func (e Envelope) Join() Frame {
	return Frame{Channel: ChannelJoin, Message: e}
}

func (e Envelope) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// Text decodes a CHAT_MESSAGE or JOIN_REJECTED payload.
func (e Envelope) Text() (string, error) {
	var s string
	if err := e.decode(&s); err != nil {
		return "", err
	}
	return s, nil
}

func (e Envelope) Users() ([]string, error) {
	var users []string
	if err := e.decode(&users); err != nil {
		return nil, err
	}
	return users, nil
}

func (e Envelope) ChatHistory() ([]ChatMessage, error) {
	var history []ChatMessage
	if err := e.decode(&history); err != nil {
		return nil, err
	}
	return history, nil
}

func (e Envelope) Shapes() ([]shape.Shape, error) {
	var items []shape.Shape
	if err := e.decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

func (e Envelope) decode(v any) error {
	if !e.HasData() {
		return fmt.Errorf("%s: %w: missing data", e.Type, ErrPayloadShape)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w: %v", e.Type, ErrPayloadShape, err)
	}
	return nil
}
