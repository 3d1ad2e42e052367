package receiptstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/a2a-hub/hub/pkg/types"
)

const defaultKeyPrefix = "a2a:receipts:"

// RedisBackend stores each message's receipts as a Redis list under
// "<prefix><messageID>", with the list's TTL refreshed on every append so
// Redis itself expires stale entries — the same backend-swap role the
// teacher's RedisCache plays for internal/cache, authored fresh here
// since no delivery-receipt analogue exists in the retrieved pack.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	maxAge    time.Duration // 0 disables TTL
}

// NewRedisBackend wraps an existing Redis client. maxAge, if positive, is
// applied as the key's TTL on every write so receipts expire without
// requiring DeleteOlderThan to do any work.
func NewRedisBackend(client *redis.Client, keyPrefix string, maxAge time.Duration) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix, maxAge: maxAge}
}

func (b *RedisBackend) key(messageID string) string {
	return b.keyPrefix + messageID
}

// Store appends receipt to the message's list and refreshes its TTL.
func (b *RedisBackend) Store(ctx context.Context, receipt *types.DeliveryReceipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("%w: marshal receipt: %v", ErrReceiptStore, err)
	}

	key := b.key(receipt.MessageID)
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if b.maxAge > 0 {
		pipe.Expire(ctx, key, b.maxAge)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis store: %v", ErrReceiptStore, err)
	}
	return nil
}

// Get returns every receipt recorded for messageID.
func (b *RedisBackend) Get(ctx context.Context, messageID string) ([]*types.DeliveryReceipt, bool) {
	raw, err := b.client.LRange(ctx, b.key(messageID), 0, -1).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}

	out := make([]*types.DeliveryReceipt, 0, len(raw))
	for _, item := range raw {
		var r types.DeliveryReceipt
		if err := json.Unmarshal([]byte(item), &r); err == nil {
			out = append(out, &r)
		}
	}
	return out, len(out) > 0
}

// DeleteOlderThan is a no-op: receipts leave Redis only through the TTL
// that Store sets when maxAge > 0. With maxAge 0 no TTL is set and
// receipts are never removed by the hub. It still satisfies
// Backend so the hub's periodic cleanup task can call it unconditionally
// regardless of which backend is configured.
func (b *RedisBackend) DeleteOlderThan(_ context.Context, _ time.Time) int {
	return 0
}

// Count reports the number of receipts stored across all messages.
func (b *RedisBackend) Count(ctx context.Context) int {
	keys, err := b.client.Keys(ctx, b.keyPrefix+"*").Result()
	if err != nil {
		return 0
	}

	total := 0
	for _, k := range keys {
		n, err := b.client.LLen(ctx, k).Result()
		if err == nil {
			total += int(n)
		}
	}
	return total
}

// Close closes the underlying Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
