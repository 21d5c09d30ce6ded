package ws

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/windi/messenger/internal/fanout"
	"github.com/windi/messenger/internal/metrics"
	"github.com/windi/messenger/internal/protocol"
	"github.com/windi/messenger/internal/ratelimit"
	"github.com/windi/messenger/internal/registry"
)

// MessageHandler is the callback signature for handling a parsed client
// message. msg is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendMessageMsg). ctx is cancelled when the connection
// closes.
type MessageHandler func(ctx context.Context, h *registry.Handle, msg any) error

// Sender pushes a frame to one connection.
type Sender interface {
	Send(h *registry.Handle, frame []byte) registry.Outcome
}

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the action. It answers ping itself and turns handler errors into
// error frames sent to the originating connection only.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   Sender
	log      zerolog.Logger
}

// NewMessageDispatcher creates a MessageDispatcher that replies through sender.
func NewMessageDispatcher(sender Sender, log zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		sender:   sender,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a MessageHandler with an action. If a handler was
// already registered for the given action, it is silently replaced.
func (d *MessageDispatcher) Register(action string, handler MessageHandler) {
	d.handlers[action] = handler
}

// Dispatch parses one inbound frame and runs its handler. Replies go through
// the sender so they are ordered with fanout frames on the same connection.
func (d *MessageDispatcher) Dispatch(ctx context.Context, h *registry.Handle, data []byte) {
	action, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn_id", h.ID).Msg("malformed event")
		metrics.EventsTotal.WithLabelValues("invalid", protocol.CodeMalformedEvent).Inc()
		d.sendError(h, protocol.CodeMalformedEvent, err.Error())
		return
	}

	// Built-in ping handler, answered without requiring registration.
	if action == protocol.ActionPing {
		d.reply(h, protocol.TypePong, nil)
		return
	}

	handler, ok := d.handlers[action]
	if !ok {
		d.log.Warn().Str("action", action).Msg("no handler registered")
		metrics.EventsTotal.WithLabelValues(action, protocol.CodeMalformedEvent).Inc()
		d.sendError(h, protocol.CodeMalformedEvent, "unsupported action")
		return
	}

	if err := handler(ctx, h, msg); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// connection closed while the event was queued
			return
		}
		code, message := errorCode(err)
		ev := d.log.Debug()
		if code == protocol.CodeInternal || code == protocol.CodeStoreUnavailable {
			ev = d.log.Warn()
		}
		ev.Err(err).Str("action", action).Str("conn_id", h.ID).Int64("user_id", h.UserID).Msg("event rejected")
		metrics.EventsTotal.WithLabelValues(action, code).Inc()
		d.sendError(h, code, message)
		return
	}
	metrics.EventsTotal.WithLabelValues(action, "ok").Inc()
}

// errorCode maps handler errors to wire error codes and client messages.
func errorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, protocol.ErrMalformedEvent):
		return protocol.CodeMalformedEvent, err.Error()
	case errors.Is(err, fanout.ErrNotMember):
		return protocol.CodeNotMember, "not a member of this chat"
	case errors.Is(err, fanout.ErrStoreUnavailable):
		return protocol.CodeStoreUnavailable, "temporarily unavailable, retry"
	case errors.Is(err, fanout.ErrClosed):
		return protocol.CodeStoreUnavailable, "server shutting down, retry"
	case errors.Is(err, registry.ErrCapacityExceeded):
		return protocol.CodeCapacityExceeded, "too many connections"
	case errors.Is(err, ratelimit.ErrLimited):
		return protocol.CodeRateLimited, err.Error()
	default:
		return protocol.CodeInternal, "internal error"
	}
}

// sendError sends a structured error message back to the client.
func (d *MessageDispatcher) sendError(h *registry.Handle, code, message string) {
	d.reply(h, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

func (d *MessageDispatcher) reply(h *registry.Handle, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("failed to build reply")
		return
	}
	d.sender.Send(h, data)
}
