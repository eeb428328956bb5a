package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whiteboard/internal/board"
	"whiteboard/internal/command"
	"whiteboard/internal/protocol"
	"whiteboard/internal/ratelimit"
	"whiteboard/internal/session"
	"whiteboard/internal/shape"
)

const waitFor = 5 * time.Second

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	if cfg.AdminName == "" {
		cfg.AdminName = "admin"
	}
	s := New(cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type peer struct {
	t    *testing.T
	name string
	c    *session.ClientConn
}

func dialPeer(t *testing.T, s *Server, name string) *peer {
	t.Helper()
	c, err := session.Dial(context.Background(), "ws://"+s.Addr()+"/ws", waitFor, session.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Send(protocol.MustEnvelope(name, protocol.JoinRequest, nil).Join()))
	return &peer{t: t, name: name, c: c}
}

func (p *peer) next() protocol.Envelope {
	p.t.Helper()
	f, err := p.c.ReadFrameWithin(waitFor)
	require.NoError(p.t, err)
	return f.Message
}

// expect skips frames until one of kind arrives.
func (p *peer) expect(kind protocol.Kind) protocol.Envelope {
	p.t.Helper()
	for {
		env := p.next()
		if env.Type == kind {
			return env
		}
	}
}

func (p *peer) send(kind protocol.Kind, data any) protocol.Envelope {
	p.t.Helper()
	env := protocol.MustEnvelope(p.name, kind, data)
	require.NoError(p.t, p.c.Send(env.Whiteboard()))
	return env
}

func (p *peer) joined() {
	p.t.Helper()
	require.Equal(p.t, protocol.JoinAccepted, p.next().Type)
	p.expect(protocol.UpdateUsers)
}

// waitRoster skips roster updates until one equals want.
func (p *peer) waitRoster(want ...string) {
	p.t.Helper()
	var last []string
	for i := 0; i < 10; i++ {
		last = users(p.t, p.expect(protocol.UpdateUsers))
		if len(last) == len(want) {
			require.Equal(p.t, want, last)
			return
		}
	}
	p.t.Fatalf("roster never became %v, last %v", want, last)
}

func users(t *testing.T, env protocol.Envelope) []string {
	t.Helper()
	require.Equal(t, protocol.UpdateUsers, env.Type)
	names, err := env.Users()
	require.NoError(t, err)
	return names
}

func reason(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	require.Equal(t, protocol.JoinRejected, env.Type)
	text, err := env.Text()
	require.NoError(t, err)
	return text
}

func TestJoinReplaysStateBeforeRoster(t *testing.T) {
	doc := board.NewDocument("admin", nil)
	require.NoError(t, doc.Load([]shape.Shape{shape.NewCircle(1, 1, 1)}))
	chat := board.NewTranscript("admin", nil)
	require.NoError(t, chat.Send("welcome"))
	s := startServer(t, Config{Sources: []StateSource{doc, chat}})

	bob := dialPeer(t, s, "bob")
	require.Equal(t, protocol.JoinAccepted, bob.next().Type)

	env := bob.next()
	require.Equal(t, protocol.UpdateShapes, env.Type)
	items, err := env.Shapes()
	require.NoError(t, err)
	require.Equal(t, shape.IDs(doc.Items()), shape.IDs(items))

	env = bob.next()
	require.Equal(t, protocol.UpdateChatHistory, env.Type)
	history, err := env.ChatHistory()
	require.NoError(t, err)
	require.Equal(t, "welcome", history[0].Content)

	require.Equal(t, []string{"admin (Admin)", "bob"}, users(t, bob.next()))
}

func TestRosterKeepsJoinOrder(t *testing.T) {
	var seen atomic.Value
	s := startServer(t, Config{})
	s.OnRoster(func(names []string) { seen.Store(names) })

	bob := dialPeer(t, s, "bob")
	bob.joined()
	carol := dialPeer(t, s, "carol")
	carol.joined()

	want := []string{"admin (Admin)", "bob", "carol"}
	bob.waitRoster(want...)
	require.Equal(t, want, s.Roster())
	require.Eventually(t, func() bool {
		got, _ := seen.Load().([]string)
		return len(got) == 3
	}, waitFor, 10*time.Millisecond)
}

func TestDuplicateNameRejectedWithoutApprover(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, Config{Approver: ApproverFunc(func(context.Context, string, string) (bool, error) {
		calls.Add(1)
		return true, nil
	})})

	bob := dialPeer(t, s, "bob")
	bob.joined()

	dup := dialPeer(t, s, "bob")
	require.Equal(t, protocol.ReasonRepeatedUsername, reason(t, dup.next()))
	impostor := dialPeer(t, s, "admin")
	require.Equal(t, protocol.ReasonRepeatedUsername, reason(t, impostor.next()))
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, []string{"admin (Admin)", "bob"}, s.Roster())
}

func TestPendingNameIsReserved(t *testing.T) {
	release := make(chan struct{})
	asked := make(chan string, 1)
	s := startServer(t, Config{Approver: ApproverFunc(func(_ context.Context, name, _ string) (bool, error) {
		asked <- name
		<-release
		return true, nil
	})})

	first := dialPeer(t, s, "bob")
	require.Equal(t, "bob", <-asked)
	second := dialPeer(t, s, "bob")
	require.Equal(t, protocol.ReasonRepeatedUsername, reason(t, second.next()))

	close(release)
	first.joined()
	require.Equal(t, 0, s.pendingCount())
}

func TestApproverDenialErrorAndPanic(t *testing.T) {
	s := startServer(t, Config{Approver: ApproverFunc(func(_ context.Context, name, _ string) (bool, error) {
		switch name {
		case "error":
			return true, errors.New("ui gone")
		case "panic":
			panic("boom")
		}
		return false, nil
	})})

	for _, name := range []string{"denied", "error", "panic"} {
		p := dialPeer(t, s, name)
		require.Equal(t, protocol.ReasonRejectedByAdmin, reason(t, p.next()), name)
	}
	require.Equal(t, []string{"admin (Admin)"}, s.Roster())

	// a denied name is free again
	require.Equal(t, 0, s.pendingCount())
}

func TestInvalidNameRejected(t *testing.T) {
	s := startServer(t, Config{})
	for _, name := range []string{"", string(make([]byte, maxNameLen+1))} {
		p := dialPeer(t, s, name)
		require.Equal(t, protocol.ReasonInvalidUsername, reason(t, p.next()))
	}
}

func TestFirstFrameMustBeJoinRequest(t *testing.T) {
	s := startServer(t, Config{})
	c, err := session.Dial(context.Background(), "ws://"+s.Addr()+"/ws", waitFor, session.Options{})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Send(protocol.MustEnvelope("bob", protocol.ChatMessageKind, "hi").Whiteboard()))
	_, err = c.ReadFrameWithin(waitFor)
	require.Error(t, err)
	require.Equal(t, []string{"admin (Admin)"}, s.Roster())
}

func TestDisconnectAndLeaveUpdateRoster(t *testing.T) {
	s := startServer(t, Config{})
	bob := dialPeer(t, s, "bob")
	bob.joined()
	carol := dialPeer(t, s, "carol")
	carol.joined()
	dave := dialPeer(t, s, "dave")
	dave.joined()

	carol.waitRoster("admin (Admin)", "bob", "carol", "dave")

	require.NoError(t, bob.c.Close())
	carol.waitRoster("admin (Admin)", "carol", "dave")

	dave.send(protocol.Leave, nil)
	carol.waitRoster("admin (Admin)", "carol")
	require.Equal(t, []string{"admin (Admin)", "carol"}, s.Roster())
}

func TestKick(t *testing.T) {
	s := startServer(t, Config{})
	bob := dialPeer(t, s, "bob")
	bob.joined()
	carol := dialPeer(t, s, "carol")
	carol.joined()

	require.False(t, s.Kick("nobody"))
	require.True(t, s.Kick("bob"))
	bob.expect(protocol.Kicked)
	_, err := bob.c.ReadFrameWithin(waitFor)
	require.Error(t, err)
	carol.waitRoster("admin (Admin)", "carol")
	require.False(t, s.Kick("bob"))
}

func TestRelayToOthersAndDropSpoofed(t *testing.T) {
	reg := command.NewRegistry(nil)
	doc := board.NewDocument("admin", nil)
	chat := board.NewTranscript("admin", nil)
	s := startServer(t, Config{Registry: reg, Sources: []StateSource{doc, chat}})
	board.RegisterServerHandlers(reg, board.Replicas{Document: doc, Transcript: chat}, s.Relay)

	bob := dialPeer(t, s, "bob")
	bob.joined()
	carol := dialPeer(t, s, "carol")
	carol.joined()
	bob.expect(protocol.UpdateUsers)

	spoof := protocol.MustEnvelope("carol", protocol.ChatMessageKind, "spoofed")
	require.NoError(t, bob.c.Send(spoof.Whiteboard()))
	bob.send(protocol.ChatMessageKind, "I am bob")
	sent := bob.send(protocol.UpdateShapes, []shape.Shape{shape.NewLine(0, 0, 5, 5)})

	got := carol.next()
	require.Equal(t, protocol.ChatMessageKind, got.Type)
	text, err := got.Text()
	require.NoError(t, err)
	require.Equal(t, "I am bob", text)
	require.Equal(t, "bob", got.Username)

	got = carol.next()
	require.Equal(t, protocol.UpdateShapes, got.Type)
	require.Equal(t, sent.Timestamp, got.Timestamp)
	require.JSONEq(t, string(sent.Data), string(got.Data))

	require.Eventually(t, func() bool { return doc.Len() == 1 }, waitFor, 10*time.Millisecond)
	require.Len(t, chat.History(), 1)
}

func TestAdminEditsReachEveryone(t *testing.T) {
	doc := board.NewDocument("admin", nil)
	s := startServer(t, Config{Sources: []StateSource{doc}})
	doc.SetSendFunc(func(env protocol.Envelope) error { s.Broadcast(env); return nil })

	bob := dialPeer(t, s, "bob")
	bob.joined()
	require.NoError(t, doc.Add(shape.NewRectangle(0, 0, 1, 1)))
	env := bob.expect(protocol.UpdateShapes)
	items, err := env.Shapes()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "admin", env.Username)
}

func TestCloseSendsOneShutdown(t *testing.T) {
	s := startServer(t, Config{})
	bob := dialPeer(t, s, "bob")
	bob.joined()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, Closed, s.State())
	require.Equal(t, protocol.Shutdown, bob.next().Type)
	_, err := bob.c.ReadFrameWithin(waitFor)
	require.Error(t, err)
	require.ErrorIs(t, s.Start(), ErrAlreadyClosed)
	require.Equal(t, []string{"admin (Admin)"}, s.Roster())
}

func TestPendingJoinRejectedOnClose(t *testing.T) {
	asked := make(chan struct{})
	s := startServer(t, Config{Approver: ApproverFunc(func(ctx context.Context, _, _ string) (bool, error) {
		close(asked)
		<-ctx.Done()
		return false, ctx.Err()
	})})

	bob := dialPeer(t, s, "bob")
	<-asked
	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	require.Equal(t, protocol.ReasonShuttingDown, reason(t, bob.next()))
	<-done
}

func TestStartIsIdempotentAndReportsBindFailure(t *testing.T) {
	s := startServer(t, Config{})
	require.NoError(t, s.Start())

	_, portStr, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	busy := New(Config{Host: "127.0.0.1", Port: port, AdminName: "other"})
	require.Error(t, busy.Start())
	require.Equal(t, Stopped, busy.State())
	require.NoError(t, busy.Close())
}

func TestJoinRateLimit(t *testing.T) {
	s := startServer(t, Config{JoinLimiter: ratelimit.New(1, time.Hour)})
	bob := dialPeer(t, s, "bob")
	bob.joined()
	_, err := session.Dial(context.Background(), "ws://"+s.Addr()+"/ws", waitFor, session.Options{})
	require.Error(t, err)
}
