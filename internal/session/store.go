package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// PresencePrefix is the Redis key prefix for all presence hashes.
	PresencePrefix = "presence:"

	// DefaultPresenceTTL bounds how long a mirrored status outlives the node
	// that wrote it.
	DefaultPresenceTTL = 5 * time.Minute

	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Presence is a user's mirrored status stored in Redis.
type Presence struct {
	UserID   int64  `redis:"user_id"`
	Status   string `redis:"status"`    // online | offline
	Server   string `redis:"server"`    // which WS server instance
	LastSeen int64  `redis:"last_seen"` // unix timestamp
}

// Store manages presence hashes in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
	ttl        time.Duration
	log        zerolog.Logger
}

// NewStore creates a new presence store connected to Redis.
func NewStore(redisAddr string, serverName string, ttl time.Duration, log zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName, ttl, log), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Store{
		client:     client,
		serverName: serverName,
		ttl:        ttl,
		log:        log.With().Str("component", "session").Logger(),
	}
}

func key(userID int64) string {
	return PresencePrefix + strconv.FormatInt(userID, 10)
}

// SetOnline records the user as online on this server and refreshes the TTL.
func (s *Store) SetOnline(ctx context.Context, userID int64) error {
	k := key(userID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, map[string]any{
		"user_id":   userID,
		"status":    StatusOnline,
		"server":    s.serverName,
		"last_seen": time.Now().Unix(),
	})
	pipe.Expire(ctx, k, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline records the user as offline unless another server has since
// claimed them.
func (s *Store) SetOffline(ctx context.Context, userID int64) error {
	k := key(userID)
	server, err := s.client.HGet(ctx, k, "server").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if server != "" && server != s.serverName {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, "user_id", userID, "status", StatusOffline, "server", s.serverName, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, k, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a user's presence from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID int64) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, key(userID)).Scan(&p); err != nil {
		return nil, err
	}
	if p.Status == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// PublishStatus mirrors a presence transition. Redis failures are logged and
// never block presence delivery.
func (s *Store) PublishStatus(ctx context.Context, userID int64, online bool) {
	var err error
	if online {
		err = s.SetOnline(ctx, userID)
	} else {
		err = s.SetOffline(ctx, userID)
	}
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Bool("online", online).Msg("presence mirror failed")
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
