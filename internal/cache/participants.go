// Package cache keeps conversation participant lists in Redis so the
// broadcast path does not hit Postgres for every message.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"livechat/internal/logging"
)

// Loader fetches the authoritative participant list on a cache miss.
type Loader func(ctx context.Context, conversationID string) ([]string, error)

// ParticipantCache is a cache-aside wrapper around a Loader. Redis errors
// degrade to a direct load; they never fail the lookup.
type ParticipantCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	load   Loader
}

func NewParticipantCache(client *redis.Client, ttl time.Duration, load Loader) *ParticipantCache {
	return &ParticipantCache{
		client: client,
		prefix: "participants:",
		ttl:    ttl,
		load:   load,
	}
}

func (c *ParticipantCache) key(conversationID string) string {
	return c.prefix + conversationID
}

// Participants returns the cached list or loads and stores it.
func (c *ParticipantCache) Participants(ctx context.Context, conversationID string) ([]string, error) {
	data, err := c.client.Get(ctx, c.key(conversationID)).Bytes()
	switch {
	case err == nil:
		var ids []string
		if err := json.Unmarshal(data, &ids); err == nil {
			return ids, nil
		}
		logging.Warn().Str("conversation_id", conversationID).Msg("corrupt participant cache entry")
	case !errors.Is(err, redis.Nil):
		logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("participant cache get failed")
	}

	ids, err := c.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(ids); err == nil {
		if err := c.client.Set(ctx, c.key(conversationID), data, c.ttl).Err(); err != nil {
			logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("participant cache set failed")
		}
	}
	return ids, nil
}

// Invalidate drops the cached list after the participant set changes.
func (c *ParticipantCache) Invalidate(ctx context.Context, conversationID string) error {
	if err := c.client.Del(ctx, c.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("invalidate participants %s: %w", conversationID, err)
	}
	return nil
}
