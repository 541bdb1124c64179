package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/support-relay/internal/domain"
)

// cachedOriginIndex is a read-through redis layer over the persistent index.
// The cache is a fast-path hint only: misses always fall through to storage,
// and entries expire after the configured TTL to bound growth. Storage stays
// the single source of truth.
type cachedOriginIndex struct {
	inner  OriginIndex
	client *redis.Client
	ttl    time.Duration
}

// NewCachedOriginIndex decorates an OriginIndex with a redis read-through
// cache. A nil client returns the inner index unchanged.
func NewCachedOriginIndex(inner OriginIndex, client *redis.Client, ttl time.Duration) OriginIndex {
	if client == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &cachedOriginIndex{inner: inner, client: client, ttl: ttl}
}

func (c *cachedOriginIndex) Put(ctx context.Context, mapping *domain.OriginMapping) error {
	if err := c.inner.Put(ctx, mapping); err != nil {
		return err
	}
	key := originKey(mapping.ChannelID, mapping.RelayedMessageID)
	val := fmt.Sprintf("%d:%d", mapping.Origin.ChatID, mapping.Origin.MessageID)
	// Cache write failures are not fatal; storage already has the row.
	_ = c.client.Set(ctx, key, val, c.ttl).Err()
	return nil
}

func (c *cachedOriginIndex) Get(ctx context.Context, channelID, relayedMessageID int64) (*domain.Origin, error) {
	key := originKey(channelID, relayedMessageID)
	if val, err := c.client.Get(ctx, key).Result(); err == nil {
		if origin, ok := parseOriginValue(val); ok {
			return origin, nil
		}
	}
	origin, err := c.inner.Get(ctx, channelID, relayedMessageID)
	if err != nil || origin == nil {
		return origin, err
	}
	val := fmt.Sprintf("%d:%d", origin.ChatID, origin.MessageID)
	_ = c.client.Set(ctx, key, val, c.ttl).Err()
	return origin, nil
}

func (c *cachedOriginIndex) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	// Cached entries expire on their own TTL.
	return c.inner.DeleteOlderThan(ctx, before)
}

func originKey(channelID, relayedMessageID int64) string {
	return fmt.Sprintf("origin:%d:%d", channelID, relayedMessageID)
}

func parseOriginValue(val string) (*domain.Origin, bool) {
	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return nil, false
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, false
	}
	messageID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, false
	}
	return &domain.Origin{ChatID: chatID, MessageID: messageID}, true
}
