// Package loadtest provides a WebSocket client that speaks the messenger
// protocol, a collector that aggregates latency samples from many clients,
// and a scraper for the server's Prometheus metrics. cmd/loadtest drives
// them.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"

	"github.com/windi/messenger/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection. Incoming frames are read on
// a background goroutine and passed to the handler registered for their type.
type Client struct {
	conn      net.Conn
	r         io.Reader
	userID    int64
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

// Token signs a short-lived HS256 token for userID with the server's secret.
func Token(secret string, userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}).SignedString([]byte(secret))
}

// Dial connects to url (e.g. ws://localhost:8080/ws) as userID, using token
// for authentication. handlers are installed before the read loop starts.
func Dial(ctx context.Context, url, token string, userID int64, handlers map[string]func(json.RawMessage)) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url+"?token="+token)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	c := &Client{
		conn:     conn,
		r:        r,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	for t, h := range handlers {
		c.handlers[t] = h
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// UserID returns the user the client authenticated as.
func (c *Client) UserID() int64 { return c.userID }

// Send writes one action with its payload. It is goroutine-safe.
func (c *Client) Send(action string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data, err := json.Marshal(protocol.Envelope{Action: action, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.addError()
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendMessage submits text to chatID under clientMessageID.
func (c *Client) SendMessage(chatID int64, text, clientMessageID string) error {
	return c.Send(protocol.ActionSendMessage, protocol.SendMessageMsg{
		ChatID:          chatID,
		Text:            text,
		ClientMessageID: clientMessageID,
	})
}

// Typing starts or stops the typing indicator in chatID.
func (c *Client) Typing(chatID int64, isTyping bool) error {
	return c.Send(protocol.ActionTyping, protocol.TypingMsg{ChatID: chatID, IsTyping: &isTyping})
}

// MarkRead advances the read marker in chatID to messageID.
func (c *Client) MarkRead(chatID, messageID int64) error {
	return c.Send(protocol.ActionMarkRead, protocol.MarkReadMsg{ChatID: chatID, MessageID: messageID})
}

// On registers a handler for a server message type. The handler receives the
// frame's data field and runs on the read goroutine. Registering a second
// handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) addError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

// readLoop reads frames until the connection closes. Pings from the server
// heartbeat are answered by wsutil.
func (c *Client) readLoop() {
	defer close(c.done)

	rw := struct {
		io.Reader
		io.Writer
	}{c.r, lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !c.closing.Load() {
				c.addError()
			}
			return
		}

		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.addError()
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(env.Data)
		}
	}
}

// lockedWriter serializes control replies with Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
