// Package fanout turns validated inbound events into durable state changes
// and pushes the resulting outbound events to every live connection of the
// affected chat's members. All work for one chat runs on that chat's
// sequencer lane, so recipients observe a single order per chat.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/windi/messenger/internal/chat"
	"github.com/windi/messenger/internal/messaging"
	"github.com/windi/messenger/internal/metrics"
	"github.com/windi/messenger/internal/protocol"
	"github.com/windi/messenger/internal/registry"
	"github.com/windi/messenger/internal/typing"
)

// Store is the durable write path.
type Store interface {
	InsertMessageIfAbsent(ctx context.Context, chatID, senderID int64, clientMessageID, text string) (chat.Message, bool, error)
	UpsertReadMarker(ctx context.Context, chatID, userID, seq int64) (bool, error)
}

// Membership resolves who may send and receive events for a chat.
type Membership interface {
	MembersOf(ctx context.Context, chatID int64) ([]int64, error)
	CoMembersOf(ctx context.Context, userID int64) ([]int64, error)
}

// Relay forwards frames to other nodes.
type Relay interface {
	PublishDelivery(d messaging.Delivery) error
}

// Config holds engine settings.
type Config struct {
	ServerName   string
	StoreTimeout time.Duration
	TypingTTL    time.Duration
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		ServerName:   "ws-1",
		StoreTimeout: 5 * time.Second,
		TypingTTL:    5 * time.Second,
	}
}

// Engine is the fanout engine.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	store   Store
	members Membership
	reg     *registry.Registry
	seq     *Sequencer
	typing  *typing.Tracker
	relay   Relay
}

// NewEngine creates an Engine and its typing tracker.
func NewEngine(cfg Config, store Store, members Membership, reg *registry.Registry, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		log:     log.With().Str("component", "fanout").Logger(),
		store:   store,
		members: members,
		reg:     reg,
		seq:     NewSequencer(log),
	}
	e.typing = typing.NewTracker(cfg.TypingTTL, e, log)
	return e
}

// SetRelay enables cross-node delivery. It must be called before the engine
// handles events.
func (e *Engine) SetRelay(r Relay) {
	e.relay = r
}

// Run sweeps expired typing indicators until ctx is done.
func (e *Engine) Run(ctx context.Context, sweepInterval time.Duration) {
	e.typing.Run(ctx, sweepInterval)
}

// Close waits for queued chat work to finish.
func (e *Engine) Close(ctx context.Context) error {
	return e.seq.Close(ctx)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect registers conn for userID. Presence is updated through the
// registry listener.
func (e *Engine) Connect(userID int64, conn registry.Conn) (*registry.Handle, error) {
	h, err := e.reg.Register(userID, conn)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Int64("user_id", userID).Str("conn_id", h.ID).Msg("connected")
	return h, nil
}

// Disconnect unregisters h. When it was the user's last connection, every
// typing indicator they hold is stopped immediately.
func (e *Engine) Disconnect(h *registry.Handle) {
	removed, remaining := e.reg.Unregister(h)
	if removed && remaining == 0 {
		e.expireTyping(h.UserID)
	}
	e.log.Debug().Int64("user_id", h.UserID).Str("conn_id", h.ID).Int("remaining", remaining).Msg("disconnected")
}

// expireTyping stops the user's typing entries unless they reconnected
// between the unregister and the expiry.
func (e *Engine) expireTyping(userID int64) {
	e.typing.ExpireUser(userID, func() bool {
		return len(e.reg.ConnectionsFor(userID)) > 0
	})
}

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

// SendMessage stores the message idempotently and fans it out. Every member
// connection except h receives new_message; h receives message_sent. A
// duplicate submission only acknowledges h with the existing record.
func (e *Engine) SendMessage(ctx context.Context, h *registry.Handle, msg protocol.SendMessageMsg) error {
	return e.seq.Do(ctx, msg.ChatID, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sctx, cancel := e.storeContext(ctx)
		defer cancel()

		members, err := e.authorize(sctx, msg.ChatID, h.UserID)
		if err != nil {
			return err
		}

		m, created, err := e.store.InsertMessageIfAbsent(sctx, msg.ChatID, h.UserID, msg.ClientMessageID, msg.Text)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}

		payload := protocol.NewMessagePayload(m)
		if created {
			e.fanout(members, e.encode(protocol.TypeNewMessage, payload), h.ID)
		} else {
			e.log.Debug().Int64("chat_id", m.ChatID).Int64("message_id", m.ID).Msg("duplicate send")
		}
		e.reply(h, protocol.TypeMessageSent, protocol.MessageSentMsg{
			NewMessageMsg: payload,
			Duplicate:     !created,
		})
		return nil
	})
}

// MarkRead advances the sender's read marker. Only an actual advance is
// announced, to every member connection except h.
func (e *Engine) MarkRead(ctx context.Context, h *registry.Handle, msg protocol.MarkReadMsg) error {
	return e.seq.Do(ctx, msg.ChatID, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sctx, cancel := e.storeContext(ctx)
		defer cancel()

		members, err := e.authorize(sctx, msg.ChatID, h.UserID)
		if err != nil {
			return err
		}

		updated, err := e.store.UpsertReadMarker(sctx, msg.ChatID, h.UserID, msg.MessageID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if !updated {
			return nil
		}

		e.fanout(members, e.encode(protocol.TypeMessageRead, protocol.MessageReadMsg{
			ChatID:    msg.ChatID,
			ReaderID:  h.UserID,
			MessageID: msg.MessageID,
		}), h.ID)
		return nil
	})
}

// Typing validates membership, updates the typing tracker and fans the
// indicator out to the other members from within the chat's lane, so it is
// ordered with messages sent to the same chat. An explicit stop is always
// announced.
func (e *Engine) Typing(ctx context.Context, h *registry.Handle, msg protocol.TypingMsg) error {
	return e.seq.Do(ctx, msg.ChatID, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sctx, cancel := e.storeContext(ctx)
		defer cancel()

		members, err := e.authorize(sctx, msg.ChatID, h.UserID)
		if err != nil {
			return err
		}

		e.typing.SetTyping(msg.ChatID, h.UserID, *msg.IsTyping)
		e.fanout(lo.Without(members, h.UserID), e.typingFrame(msg.ChatID, h.UserID, *msg.IsTyping), "")
		return nil
	})
}

// ---------------------------------------------------------------------------
// Emitters
// ---------------------------------------------------------------------------

// PublishTyping implements typing.Emitter for expired entries. It queues the
// stop on the chat's lane; members other than the typing user receive it.
func (e *Engine) PublishTyping(chatID, userID int64, isTyping bool) {
	e.seq.Submit(chatID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
		defer cancel()

		members, err := e.members.MembersOf(ctx, chatID)
		if err != nil {
			e.log.Warn().Err(err).Int64("chat_id", chatID).Msg("typing: resolve members")
			return
		}
		e.fanout(lo.Without(members, userID), e.typingFrame(chatID, userID, isTyping), "")
	})
}

func (e *Engine) typingFrame(chatID, userID int64, isTyping bool) []byte {
	return e.encode(protocol.TypeTypingIndicator, protocol.TypingIndicatorMsg{
		ChatID:   chatID,
		UserID:   userID,
		IsTyping: isTyping,
	})
}

// PublishStatus implements presence.Publisher. The status goes to every
// user sharing a chat with userID.
func (e *Engine) PublishStatus(ctx context.Context, userID int64, online bool) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	coMembers, err := e.members.CoMembersOf(sctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("presence: resolve co-members")
		return
	}

	status := protocol.StatusOffline
	if online {
		status = protocol.StatusOnline
	}
	e.fanout(coMembers, e.encode(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID: userID,
		Status: status,
	}), "")
}

// DeliverRemote pushes a frame relayed from another node to local
// connections only.
func (e *Engine) DeliverRemote(d messaging.Delivery) {
	metrics.RelayFrames.WithLabelValues("in").Inc()
	e.deliverLocal(d.Users, d.Frame, d.ExcludeConn)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// storeContext bounds store I/O by StoreTimeout. It is detached from ctx so
// a write that has started is not abandoned when the connection closes.
func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
}

func (e *Engine) authorize(ctx context.Context, chatID, userID int64) ([]int64, error) {
	members, err := e.members.MembersOf(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !lo.Contains(members, userID) {
		return nil, ErrNotMember
	}
	return members, nil
}

func (e *Engine) encode(msgType string, payload any) []byte {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		e.log.Error().Err(err).Str("type", msgType).Msg("encode frame")
		return nil
	}
	return frame
}

func (e *Engine) reply(h *registry.Handle, msgType string, payload any) {
	if frame := e.encode(msgType, payload); frame != nil {
		e.reg.Send(h, frame)
	}
}

// fanout delivers frame to every local connection of users except
// excludeConn, then relays it to other nodes.
func (e *Engine) fanout(users []int64, frame []byte, excludeConn string) {
	if frame == nil || len(users) == 0 {
		return
	}
	e.deliverLocal(users, frame, excludeConn)

	if e.relay == nil {
		return
	}
	err := e.relay.PublishDelivery(messaging.Delivery{
		Origin:      e.cfg.ServerName,
		Users:       users,
		ExcludeConn: excludeConn,
		Frame:       frame,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("relay publish failed")
		return
	}
	metrics.RelayFrames.WithLabelValues("out").Inc()
}

func (e *Engine) deliverLocal(users []int64, frame []byte, excludeConn string) {
	for _, userID := range users {
		for _, h := range e.reg.ConnectionsFor(userID) {
			if h.ID == excludeConn {
				continue
			}
			if e.reg.Send(h, frame) == registry.Stale {
				e.log.Debug().Int64("user_id", userID).Str("conn_id", h.ID).Msg("stale connection, frame dropped")
			}
		}
	}
}
