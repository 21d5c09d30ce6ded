// Package membership resolves chat membership through a short-lived Redis
// cache in front of the durable store. Entries expire after a few seconds so
// removed members stop receiving events promptly.
package membership

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// MembersPrefix is the Redis key prefix for cached member sets.
const MembersPrefix = "members:"

// sentinel marks a cached set as present even when the chat has no members.
// User ids are positive, so it never collides.
const sentinel = "0"

// Source is the authoritative membership lookup.
type Source interface {
	MembersOf(ctx context.Context, chatID int64) ([]int64, error)
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	CoMembersOf(ctx context.Context, userID int64) ([]int64, error)
}

// Cache is a read-through Source. Redis failures fall through to src.
type Cache struct {
	client *redis.Client
	src    Source
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCache wraps src. With a nil client or non-positive ttl every call goes
// straight to src.
func NewCache(client *redis.Client, src Source, ttl time.Duration, log zerolog.Logger) *Cache {
	return &Cache{
		client: client,
		src:    src,
		ttl:    ttl,
		log:    log.With().Str("component", "membership").Logger(),
	}
}

func key(chatID int64) string {
	return MembersPrefix + strconv.FormatInt(chatID, 10)
}

func (c *Cache) enabled() bool {
	return c.client != nil && c.ttl > 0
}

// MembersOf returns the members of chatID.
func (c *Cache) MembersOf(ctx context.Context, chatID int64) ([]int64, error) {
	if !c.enabled() {
		return c.src.MembersOf(ctx, chatID)
	}

	if cached, ok := c.lookup(ctx, chatID); ok {
		return cached, nil
	}

	members, err := c.src.MembersOf(ctx, chatID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, chatID, members)
	return members, nil
}

// IsMember reports whether userID belongs to chatID.
func (c *Cache) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	if !c.enabled() {
		return c.src.IsMember(ctx, chatID, userID)
	}
	members, err := c.MembersOf(ctx, chatID)
	if err != nil {
		return false, err
	}
	return lo.Contains(members, userID), nil
}

// CoMembersOf is not cached; it only runs on presence transitions.
func (c *Cache) CoMembersOf(ctx context.Context, userID int64) ([]int64, error) {
	return c.src.CoMembersOf(ctx, userID)
}

// Invalidate drops the cached set for chatID.
func (c *Cache) Invalidate(ctx context.Context, chatID int64) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, key(chatID)).Err()
}

func (c *Cache) lookup(ctx context.Context, chatID int64) ([]int64, bool) {
	raw, err := c.client.SMembers(ctx, key(chatID)).Result()
	if err != nil {
		c.log.Debug().Err(err).Int64("chat_id", chatID).Msg("cache read failed")
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}

	ids := make([]int64, 0, len(raw)-1)
	for _, s := range raw {
		if s == sentinel {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.log.Warn().Str("value", s).Int64("chat_id", chatID).Msg("bad cached member id")
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func (c *Cache) fill(ctx context.Context, chatID int64, members []int64) {
	values := make([]any, 0, len(members)+1)
	values = append(values, sentinel)
	values = append(values, lo.Map(members, func(id int64, _ int) any {
		return strconv.FormatInt(id, 10)
	})...)

	k := key(chatID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.SAdd(ctx, k, values...)
	pipe.Expire(ctx, k, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug().Err(err).Int64("chat_id", chatID).Msg("cache fill failed")
	}
}
