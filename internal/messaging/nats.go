// Package messaging provides a NATS client wrapper for relaying fanout frames
// between messenger nodes. Each node delivers relayed frames to its own local
// connections; per-chat order holds because a chat's frames are published
// sequentially from one lane and NATS keeps per-publisher order.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectFanout carries Delivery payloads between nodes.
const SubjectFanout = "fanout.deliver"

// Delivery asks every node to push Frame to its local connections of Users,
// skipping the connection ExcludeConn.
type Delivery struct {
	Origin      string          `json:"origin"`
	Users       []int64         `json:"users"`
	ExcludeConn string          `json:"exclude_conn,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	log = log.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishDelivery publishes d to SubjectFanout.
func (c *NATSClient) PublishDelivery(d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("nats: marshal delivery: %w", err)
	}
	return c.Publish(SubjectFanout, data)
}

// SubscribeDeliveries passes deliveries published by other nodes to handler.
// Deliveries whose Origin equals origin are dropped.
func (c *NATSClient) SubscribeDeliveries(origin string, handler func(Delivery)) error {
	return c.Subscribe(SubjectFanout, func(msg *nats.Msg) {
		d, ok, err := DecodeDelivery(origin, msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad delivery")
			return
		}
		if ok {
			handler(d)
		}
	})
}

// DecodeDelivery parses a relayed payload. ok is false for deliveries that
// originated on this node.
func DecodeDelivery(origin string, data []byte) (d Delivery, ok bool, err error) {
	if err := json.Unmarshal(data, &d); err != nil {
		return Delivery{}, false, fmt.Errorf("nats: unmarshal delivery: %w", err)
	}
	if d.Origin == origin {
		return Delivery{}, false, nil
	}
	return d, true, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}

	c.log.Info().Msg("client closed")
}
