package board

import (
	"testing"

	"github.com/stretchr/testify/require"

	"whiteboard/internal/command"
	"whiteboard/internal/protocol"
	"whiteboard/internal/shape"
)

type fakeNotifier struct {
	kicked   int
	shutdown int
}

func (f *fakeNotifier) Kicked()         { f.kicked++ }
func (f *fakeNotifier) ServerShutdown() { f.shutdown++ }

func newReplicas() Replicas {
	return Replicas{
		Document:   NewDocument("bob", nil),
		Transcript: NewTranscript("bob", nil),
		Users:      NewUsers(),
	}
}

func TestClientHandlersApplyServerState(t *testing.T) {
	r := newReplicas()
	n := &fakeNotifier{}
	reg := command.NewRegistry(nil)
	RegisterHandlers(reg, r, n)

	reg.Dispatch(protocol.MustEnvelope("admin", protocol.UpdateShapes, []shape.Shape{rect("a")}))
	require.Equal(t, []string{"a"}, shape.IDs(r.Document.Items()))
	require.Equal(t, 0, r.Document.UndoDepth())

	history := []protocol.ChatMessage{{Username: "admin", Content: "welcome", Timestamp: 5}}
	reg.Dispatch(protocol.MustEnvelope("admin", protocol.UpdateChatHistory, history))
	reg.Dispatch(protocol.MustEnvelope("carol", protocol.ChatMessageKind, "hello"))
	got := r.Transcript.History()
	require.Len(t, got, 2)
	require.Equal(t, history[0], got[0])
	require.Equal(t, "carol", got[1].Username)
	require.Equal(t, "hello", got[1].Content)

	reg.Dispatch(protocol.MustEnvelope("admin", protocol.UpdateUsers, []string{"admin (Admin)", "bob"}))
	require.Equal(t, []string{"admin (Admin)", "bob"}, r.Users.List())

	reg.Dispatch(protocol.MustEnvelope("admin", protocol.Kicked, nil))
	reg.Dispatch(protocol.MustEnvelope("admin", protocol.Shutdown, nil))
	require.Equal(t, 1, n.kicked)
	require.Equal(t, 1, n.shutdown)
}

func TestClientHandlersDropBadPayload(t *testing.T) {
	r := newReplicas()
	reg := command.NewRegistry(nil)
	RegisterHandlers(reg, r, nil)

	require.NoError(t, r.Document.Add(rect("keep")))
	reg.Dispatch(protocol.MustEnvelope("admin", protocol.UpdateShapes, "not shapes"))
	require.Equal(t, []string{"keep"}, shape.IDs(r.Document.Items()))
	require.True(t, reg.Dispatch(protocol.MustEnvelope("admin", protocol.Kicked, nil)))
}

func TestServerHandlersApplyAndRelay(t *testing.T) {
	r := newReplicas()
	reg := command.NewRegistry(nil)
	var relayed []protocol.Envelope
	RegisterServerHandlers(reg, r, func(env protocol.Envelope) { relayed = append(relayed, env) })
	require.False(t, reg.Handles(protocol.UpdateUsers))
	require.False(t, reg.Handles(protocol.Kicked))

	shapes := protocol.MustEnvelope("carol", protocol.UpdateShapes, []shape.Shape{rect("c")})
	chat := protocol.MustEnvelope("carol", protocol.ChatMessageKind, "hey")
	require.True(t, reg.Dispatch(shapes))
	require.True(t, reg.Dispatch(chat))

	require.Equal(t, []protocol.Envelope{shapes, chat}, relayed)
	require.Equal(t, []string{"c"}, shape.IDs(r.Document.Items()))
	require.Equal(t, "hey", r.Transcript.History()[0].Content)

	// a malformed update is neither applied nor relayed
	reg.Dispatch(protocol.MustEnvelope("carol", protocol.UpdateShapes, 42))
	require.Len(t, relayed, 2)
}

func TestTranscriptSendBroadcastsAndRecords(t *testing.T) {
	rec := &recorder{}
	tr := NewTranscript("bob", nil)
	tr.SetSendFunc(rec.send)
	var seen []protocol.ChatMessage
	tr.OnMessage(func(m protocol.ChatMessage) { seen = append(seen, m) })

	require.ErrorIs(t, tr.Send("   "), ErrEmptyMessage)
	require.NoError(t, tr.Send("hi all"))
	require.Len(t, rec.envs, 1)
	text, err := rec.envs[0].Text()
	require.NoError(t, err)
	require.Equal(t, "hi all", text)
	require.Equal(t, "bob", rec.envs[0].Username)
	require.Len(t, seen, 1)
	require.Equal(t, rec.envs[0].Timestamp, tr.History()[0].Timestamp)

	var replay protocol.Envelope
	tr.Replay(func(env protocol.Envelope) { replay = env })
	history, err := replay.ChatHistory()
	require.NoError(t, err)
	require.Equal(t, tr.History(), history)
}

func TestEmptyTranscriptReplaysEmptyList(t *testing.T) {
	tr := NewTranscript("admin", nil)
	var replay protocol.Envelope
	tr.Replay(func(env protocol.Envelope) { replay = env })
	require.Equal(t, "[]", string(replay.Data))
}
