package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"whiteboard/internal/protocol"
)

func TestDispatchRoutesByKind(t *testing.T) {
	reg := NewRegistry(nil)
	var got []protocol.Kind
	reg.Register(protocol.ChatMessageKind, func(env protocol.Envelope) error {
		got = append(got, env.Type)
		return nil
	})
	reg.Register(protocol.UpdateUsers, func(env protocol.Envelope) error {
		got = append(got, env.Type)
		return nil
	})

	require.True(t, reg.Dispatch(protocol.MustEnvelope("bob", protocol.ChatMessageKind, "hi")))
	require.True(t, reg.Dispatch(protocol.MustEnvelope("bob", protocol.UpdateUsers, []string{"a"})))
	require.Equal(t, []protocol.Kind{protocol.ChatMessageKind, protocol.UpdateUsers}, got)
}

func TestDispatchUnknownKindIsNoop(t *testing.T) {
	reg := NewRegistry(nil)
	require.False(t, reg.Dispatch(protocol.MustEnvelope("bob", protocol.Kicked, nil)))
	require.False(t, reg.Dispatch(protocol.Envelope{Type: "NOT_A_KIND"}))
}

func TestRegisterOverridesPreviousHandler(t *testing.T) {
	reg := NewRegistry(nil)
	calls := ""
	reg.Register(protocol.Leave, func(protocol.Envelope) error { calls += "first"; return nil })
	reg.Register(protocol.Leave, func(protocol.Envelope) error { calls += "second"; return nil })

	reg.Dispatch(protocol.MustEnvelope("bob", protocol.Leave, nil))
	require.Equal(t, "second", calls)
}

func TestDispatchSurvivesHandlerErrorsAndPanics(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(protocol.UpdateShapes, func(protocol.Envelope) error { return errors.New("bad payload") })
	reg.Register(protocol.Shutdown, func(protocol.Envelope) error { panic("boom") })

	require.NotPanics(t, func() {
		require.True(t, reg.Dispatch(protocol.MustEnvelope("a", protocol.UpdateShapes, nil)))
		require.True(t, reg.Dispatch(protocol.MustEnvelope("a", protocol.Shutdown, nil)))
	})
}

func TestHandlerMayDispatchReentrantly(t *testing.T) {
	reg := NewRegistry(nil)
	inner := false
	reg.Register(protocol.Kicked, func(protocol.Envelope) error {
		inner = true
		return nil
	})
	reg.Register(protocol.Shutdown, func(env protocol.Envelope) error {
		reg.Register(protocol.Leave, func(protocol.Envelope) error { return nil })
		reg.Dispatch(protocol.MustEnvelope(env.Username, protocol.Kicked, nil))
		return nil
	})

	reg.Dispatch(protocol.MustEnvelope("a", protocol.Shutdown, nil))
	require.True(t, inner)
	require.True(t, reg.Handles(protocol.Leave))
}
