package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/windi/messenger/internal/fanout"
	"github.com/windi/messenger/internal/protocol"
	"github.com/windi/messenger/internal/ratelimit"
	"github.com/windi/messenger/internal/registry"
)

type recordingSender struct {
	mu     sync.Mutex
	types []string
	data  []json.RawMessage
}

func (s *recordingSender) Send(_ *registry.Handle, frame []byte) registry.Outcome {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	_ = json.Unmarshal(frame, &env)
	s.mu.Lock()
	s.types = append(s.types, env.Type)
	s.data = append(s.data, env.Data)
	s.mu.Unlock()
	return registry.Delivered
}

func (s *recordingSender) last(t *testing.T) (string, json.RawMessage) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.types)
	n := len(s.types) - 1
	return s.types[n], s.data[n]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.types)
}

func lastError(t *testing.T, s *recordingSender) protocol.ErrorMsg {
	t.Helper()
	typ, data := s.last(t)
	require.Equal(t, protocol.TypeError, typ)
	var em protocol.ErrorMsg
	require.NoError(t, json.Unmarshal(data, &em))
	return em
}

func TestDispatcher_Ping(t *testing.T) {
	sender := &recordingSender{}
	d := NewMessageDispatcher(sender, zerolog.Nop())

	d.Dispatch(context.Background(), &registry.Handle{ID: "c1"}, []byte(`{"action":"ping"}`))

	typ, _ := sender.last(t)
	require.Equal(t, protocol.TypePong, typ)
}

func TestDispatcher_MalformedEvent(t *testing.T) {
	sender := &recordingSender{}
	d := NewMessageDispatcher(sender, zerolog.Nop())
	h := &registry.Handle{ID: "c1"}

	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"unknown action", `{"action":"explode","data":{}}`},
		{"missing field", `{"action":"mark_read","data":{"chat_id":1}}`},
		{"empty text", `{"action":"send_message","data":{"chat_id":1,"text":"","client_message_id":"a"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.Dispatch(context.Background(), h, []byte(tt.input))
			require.Equal(t, protocol.CodeMalformedEvent, lastError(t, sender).Code)
		})
	}
}

func TestDispatcher_UnregisteredActionIsMalformed(t *testing.T) {
	sender := &recordingSender{}
	d := NewMessageDispatcher(sender, zerolog.Nop())

	d.Dispatch(context.Background(), &registry.Handle{ID: "c1"}, []byte(`{"action":"typing","data":{"chat_id":1,"is_typing":true}}`))

	em := lastError(t, sender)
	require.Equal(t, protocol.CodeMalformedEvent, em.Code)
	require.Equal(t, "unsupported action", em.Message)
}

func TestDispatcher_RoutesToHandler(t *testing.T) {
	sender := &recordingSender{}
	d := NewMessageDispatcher(sender, zerolog.Nop())

	var got protocol.MarkReadMsg
	d.Register(protocol.ActionMarkRead, func(_ context.Context, _ *registry.Handle, msg any) error {
		got = msg.(protocol.MarkReadMsg)
		return nil
	})

	d.Dispatch(context.Background(), &registry.Handle{ID: "c1"}, []byte(`{"action":"mark_read","data":{"chat_id":4,"message_id":9}}`))

	require.Equal(t, protocol.MarkReadMsg{ChatID: 4, MessageID: 9}, got)
	require.Zero(t, sender.count(), "successful handlers reply on their own")
}

func TestDispatcher_HandlerErrorBecomesErrorFrame(t *testing.T) {
	sender := &recordingSender{}
	d := NewMessageDispatcher(sender, zerolog.Nop())
	d.Register(protocol.ActionMarkRead, func(context.Context, *registry.Handle, any) error {
		return fanout.ErrNotMember
	})

	d.Dispatch(context.Background(), &registry.Handle{ID: "c1"}, []byte(`{"action":"mark_read","data":{"chat_id":4,"message_id":9}}`))

	require.Equal(t, protocol.CodeNotMember, lastError(t, sender).Code)
}

func TestDispatcher_CancelledConnectionGetsNoReply(t *testing.T) {
	sender := &recordingSender{}
	d := NewMessageDispatcher(sender, zerolog.Nop())
	d.Register(protocol.ActionMarkRead, func(ctx context.Context, _ *registry.Handle, _ any) error {
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, &registry.Handle{ID: "c1"}, []byte(`{"action":"mark_read","data":{"chat_id":4,"message_id":9}}`))

	require.Zero(t, sender.count())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: bad", protocol.ErrMalformedEvent), protocol.CodeMalformedEvent},
		{fanout.ErrNotMember, protocol.CodeNotMember},
		{fmt.Errorf("%w: %w", fanout.ErrStoreUnavailable, errors.New("db down")), protocol.CodeStoreUnavailable},
		{fanout.ErrClosed, protocol.CodeStoreUnavailable},
		{registry.ErrCapacityExceeded, protocol.CodeCapacityExceeded},
		{fmt.Errorf("%w: retry in 3s", ratelimit.ErrLimited), protocol.CodeRateLimited},
		{errors.New("boom"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		code, msg := errorCode(tt.err)
		require.Equal(t, tt.code, code, tt.err.Error())
		require.NotEmpty(t, msg)
	}
}
