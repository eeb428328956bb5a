package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whiteboard/internal/shape"
)

func TestNewEnvelopeStampsTimestampAtConstruction(t *testing.T) {
	before := time.Now().UnixMilli()
	env := MustEnvelope("alice", ChatMessageKind, "hello")
	after := time.Now().UnixMilli()

	require.GreaterOrEqual(t, env.Timestamp, before)
	require.LessOrEqual(t, env.Timestamp, after)
	require.Equal(t, "alice", env.Username)
	require.Equal(t, ChatMessageKind, env.Type)
}

func TestEnvelopeWireFormat(t *testing.T) {
	env := MustEnvelope("admin", JoinRejected, ReasonRepeatedUsername)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Equal(t, "admin", wire["username"])
	require.Equal(t, "JOIN_REJECTED", wire["type"])
	require.Equal(t, "Repeated username", wire["data"])
	require.Contains(t, wire, "timestamp")
}

func TestNilPayloadEncodesAsNull(t *testing.T) {
	env := MustEnvelope("admin", Shutdown, nil)
	require.False(t, env.HasData())

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"data":null`)
}

func TestTypedDecoders(t *testing.T) {
	users, err := MustEnvelope("admin", UpdateUsers, []string{"admin (Admin)", "alice"}).Users()
	require.NoError(t, err)
	require.Equal(t, []string{"admin (Admin)", "alice"}, users)

	history, err := MustEnvelope("admin", UpdateChatHistory, []ChatMessage{{Username: "a", Content: "hi", Timestamp: 7}}).ChatHistory()
	require.NoError(t, err)
	require.Equal(t, "hi", history[0].Content)

	rect := shape.NewRectangle(1, 2, 3, 4)
	items, err := MustEnvelope("admin", UpdateShapes, []shape.Shape{rect}).Shapes()
	require.NoError(t, err)
	require.Equal(t, []shape.Shape{rect}, items)

	empty, err := MustEnvelope("admin", UpdateShapes, []shape.Shape{}).Shapes()
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestDecoderRejectsWrongPayload(t *testing.T) {
	_, err := MustEnvelope("bob", ChatMessageKind, []string{"x"}).Text()
	require.ErrorIs(t, err, ErrPayloadShape)

	_, err = MustEnvelope("bob", UpdateShapes, nil).Shapes()
	require.ErrorIs(t, err, ErrPayloadShape)
}

func TestKindValid(t *testing.T) {
	require.Len(t, Kinds(), 10)
	for _, k := range Kinds() {
		require.True(t, k.Valid(), k)
	}
	require.False(t, Kind("PING").Valid())
}
