package loadtest

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/windi/messenger/internal/auth"
	"github.com/windi/messenger/internal/fanout"
	"github.com/windi/messenger/internal/presence"
	"github.com/windi/messenger/internal/protocol"
	"github.com/windi/messenger/internal/registry"
	"github.com/windi/messenger/internal/store"
	"github.com/windi/messenger/internal/ws"
)

const testSecret = "loadtest-secret"

// stack runs a full single-node server over a temporary SQLite database.
type stack struct {
	url string
}

func newStack(t *testing.T, members map[int64][]int64) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := zerolog.Nop()

	dsn := "file:" + filepath.Join(t.TempDir(), "messenger.db") + "?_pragma=busy_timeout(5000)"
	st, err := store.Open(ctx, store.DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(st.DB(), store.DriverSQLite))
	for chatID, users := range members {
		for _, u := range users {
			require.NoError(t, st.AddMember(ctx, chatID, u))
		}
	}

	tracker := presence.NewTracker(0, log)
	reg := registry.New(registry.DefaultConfig(), tracker, log)
	engine := fanout.NewEngine(fanout.DefaultConfig(), st, st, reg, log)
	tracker.AddPublisher(engine)
	go tracker.Run(ctx)
	go engine.Run(ctx, 100*time.Millisecond)

	d := ws.NewMessageDispatcher(reg, log)
	d.Register(protocol.ActionSendMessage, func(ctx context.Context, h *registry.Handle, msg any) error {
		return engine.SendMessage(ctx, h, msg.(protocol.SendMessageMsg))
	})
	d.Register(protocol.ActionTyping, func(ctx context.Context, h *registry.Handle, msg any) error {
		return engine.Typing(ctx, h, msg.(protocol.TypingMsg))
	})
	d.Register(protocol.ActionMarkRead, func(ctx context.Context, h *registry.Handle, msg any) error {
		return engine.MarkRead(ctx, h, msg.(protocol.MarkReadMsg))
	})

	cfg := ws.DefaultServerConfig()
	cfg.Heartbeat = ws.HeartbeatConfig{Interval: time.Hour, Timeout: time.Hour}
	srv := ws.NewServer(cfg, engine, auth.NewJWTVerifier(testSecret), d, log)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = engine.Close(shutdownCtx)
		reg.Close()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		_ = st.Close()
	})

	return &stack{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

// inbox collects frames of the given types.
type inbox map[string]chan json.RawMessage

func newInbox(types ...string) inbox {
	in := inbox{}
	for _, t := range types {
		in[t] = make(chan json.RawMessage, 32)
	}
	return in
}

func (in inbox) handlers() map[string]func(json.RawMessage) {
	h := make(map[string]func(json.RawMessage), len(in))
	for t, ch := range in {
		h[t] = func(data json.RawMessage) { ch <- data }
	}
	return h
}

func receive[T any](t *testing.T, ch chan json.RawMessage) T {
	t.Helper()
	select {
	case data := <-ch:
		var v T
		require.NoError(t, json.Unmarshal(data, &v))
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	var zero T
	return zero
}

func requireSilent(t *testing.T, ch chan json.RawMessage) {
	t.Helper()
	select {
	case data := <-ch:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func (s *stack) dial(t *testing.T, userID int64, in inbox) *Client {
	t.Helper()
	token, err := Token(testSecret, userID, time.Hour)
	require.NoError(t, err)
	c, err := Dial(context.Background(), s.url, token, userID, in.handlers())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_MessageLifecycle(t *testing.T) {
	s := newStack(t, map[int64][]int64{1: {1, 2}})

	aliceIn := newInbox(protocol.TypeMessageSent, protocol.TypeMessageRead, protocol.TypeError)
	bobIn := newInbox(protocol.TypeNewMessage, protocol.TypeTypingIndicator)
	bob := s.dial(t, 2, bobIn)
	alice := s.dial(t, 1, aliceIn)

	// Given alice sends a message
	require.NoError(t, alice.SendMessage(1, "hello", "c1"))

	// Then alice is acknowledged and bob receives it
	ack := receive[protocol.MessageSentMsg](t, aliceIn[protocol.TypeMessageSent])
	require.False(t, ack.Duplicate)
	require.Positive(t, ack.ID)
	msg := receive[protocol.NewMessageMsg](t, bobIn[protocol.TypeNewMessage])
	require.Equal(t, ack.ID, msg.ID)
	require.Equal(t, int64(1), msg.SenderID)
	require.Equal(t, "hello", msg.Text)

	// When alice retries with the same client message id
	require.NoError(t, alice.SendMessage(1, "hello", "c1"))

	// Then the stored record comes back and bob sees nothing new
	dup := receive[protocol.MessageSentMsg](t, aliceIn[protocol.TypeMessageSent])
	require.True(t, dup.Duplicate)
	require.Equal(t, ack.ID, dup.ID)
	requireSilent(t, bobIn[protocol.TypeNewMessage])

	// When bob reads up to the message, alice is told
	require.NoError(t, bob.MarkRead(1, msg.ID))
	read := receive[protocol.MessageReadMsg](t, aliceIn[protocol.TypeMessageRead])
	require.Equal(t, protocol.MessageReadMsg{ChatID: 1, ReaderID: 2, MessageID: msg.ID}, read)

	// When alice starts typing, bob sees the indicator
	require.NoError(t, alice.Typing(1, true))
	ti := receive[protocol.TypingIndicatorMsg](t, bobIn[protocol.TypeTypingIndicator])
	require.Equal(t, protocol.TypingIndicatorMsg{ChatID: 1, UserID: 1, IsTyping: true}, ti)

	require.Equal(t, 0, alice.GetMetrics().Errors)
}

func TestClient_NonMemberIsRejected(t *testing.T) {
	s := newStack(t, map[int64][]int64{1: {1, 2}})

	carolIn := newInbox(protocol.TypeError, protocol.TypeMessageSent)
	carol := s.dial(t, 3, carolIn)

	require.NoError(t, carol.SendMessage(1, "let me in", "x"))

	em := receive[protocol.ErrorMsg](t, carolIn[protocol.TypeError])
	require.Equal(t, protocol.CodeNotMember, em.Code)
	requireSilent(t, carolIn[protocol.TypeMessageSent])
}

func TestClient_PresenceFollowsConnections(t *testing.T) {
	s := newStack(t, map[int64][]int64{1: {1, 2}})

	bobIn := newInbox(protocol.TypeUserStatus)
	s.dial(t, 2, bobIn)
	alice := s.dial(t, 1, newInbox())

	online := receive[protocol.UserStatusMsg](t, bobIn[protocol.TypeUserStatus])
	require.Equal(t, protocol.UserStatusMsg{UserID: 1, Status: protocol.StatusOnline}, online)

	require.NoError(t, alice.Close())

	offline := receive[protocol.UserStatusMsg](t, bobIn[protocol.TypeUserStatus])
	require.Equal(t, protocol.UserStatusMsg{UserID: 1, Status: protocol.StatusOffline}, offline)
}

func TestToken_VerifiesWithServerSecret(t *testing.T) {
	token, err := Token(testSecret, 42, time.Minute)
	require.NoError(t, err)

	userID, err := auth.NewJWTVerifier(testSecret).Verify(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), userID)

	_, err = auth.NewJWTVerifier("other").Verify(token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
