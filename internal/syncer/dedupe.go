package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper short-circuits messages stored within the TTL window, cutting
// database load when delta windows overlap. It is an optimization only:
// the upsert key keeps replays correct, so the guard fails open when Redis
// is unavailable.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper creates a Redis-backed duplicate guard.
func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// FirstSeen reports whether this message has not been stored within the TTL
// window, claiming the slot when it has not.
func (d *Deduper) FirstSeen(ctx context.Context, accountID, providerMessageID string) bool {
	key := fmt.Sprintf("msgseen:%s:%s", accountID, providerMessageID)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("redis dedupe check failed, allowing message",
				zap.String("account_id", accountID),
				zap.String("provider_message_id", providerMessageID),
				zap.Error(err),
			)
		}
		return true
	}
	return ok
}

// Forget releases claims for messages that were not stored after all, so a
// later run inside the TTL window retries them instead of skipping.
func (d *Deduper) Forget(ctx context.Context, accountID string, providerMessageIDs []string) {
	if len(providerMessageIDs) == 0 {
		return
	}

	keys := make([]string, len(providerMessageIDs))
	for i, id := range providerMessageIDs {
		keys[i] = fmt.Sprintf("msgseen:%s:%s", accountID, id)
	}

	if err := d.rdb.Del(ctx, keys...).Err(); err != nil && d.logger != nil {
		d.logger.Warn("redis dedupe release failed",
			zap.String("account_id", accountID),
			zap.Int("keys", len(keys)),
			zap.Error(err),
		)
	}
}
