package board

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"whiteboard/internal/protocol"
)

var ErrEmptyMessage = errors.New("empty chat message")

// Transcript is the chat history, ordered by arrival.
type Transcript struct {
	mu       sync.Mutex
	owner    string
	messages []protocol.ChatMessage
	send     SendFunc
	onChange func(protocol.ChatMessage)
	log      *slog.Logger
}

func NewTranscript(owner string, log *slog.Logger) *Transcript {
	if log == nil {
		log = slog.Default()
	}
	return &Transcript{owner: owner, log: log}
}

func (t *Transcript) SetSendFunc(f SendFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.send = f
}

// OnMessage installs a callback run (outside the lock) for each appended message.
func (t *Transcript) OnMessage(f func(protocol.ChatMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = f
}

// Receive appends a message that arrived from a peer.
func (t *Transcript) Receive(author, content string, sentAt int64) {
	t.ReceiveAndRelay(author, content, sentAt, nil)
}

// ReceiveAndRelay appends a peer message and runs relay under the transcript
// lock, so a history replay either contains the message or precedes it.
func (t *Transcript) ReceiveAndRelay(author, content string, sentAt int64, relay func()) {
	msg := protocol.ChatMessage{Username: author, Content: content, Timestamp: sentAt}
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	if relay != nil {
		relay()
	}
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// Send appends a local message and broadcasts it.
func (t *Transcript) Send(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	env := protocol.MustEnvelope(t.owner, protocol.ChatMessageKind, content)
	msg := protocol.ChatMessage{Username: t.owner, Content: content, Timestamp: env.Timestamp}
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	if t.send != nil {
		if err := t.send(env); err != nil {
			t.log.Warn("send chat failed", "owner", t.owner, "err", err)
		}
	}
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
	return nil
}

// ReplaceAll installs the history replayed at admission.
func (t *Transcript) ReplaceAll(history []protocol.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append([]protocol.ChatMessage(nil), history...)
}

func (t *Transcript) History() []protocol.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Replay calls fn with the full history while holding the transcript lock.
func (t *Transcript) Replay(fn func(protocol.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.messages
	if history == nil {
		history = []protocol.ChatMessage{}
	}
	fn(protocol.MustEnvelope(t.owner, protocol.UpdateChatHistory, history))
}

// Users is the local copy of the roster.
type Users struct {
	mu       sync.RWMutex
	names    []string
	onChange func([]string)
}

func NewUsers() *Users {
	return &Users{}
}

func (u *Users) OnChange(f func([]string)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onChange = f
}

func (u *Users) Set(names []string) {
	u.mu.Lock()
	u.names = append([]string(nil), names...)
	cb := u.onChange
	snapshot := append([]string(nil), u.names...)
	u.mu.Unlock()
	if cb != nil {
		cb(snapshot)
	}
}

func (u *Users) List() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]string(nil), u.names...)
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
