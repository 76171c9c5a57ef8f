package redis

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupTTL = 10 * time.Minute

// DedupChecker suppresses redelivered broker messages.
// Key format: dedup:<topic>:<request_id>:<fnv64a(payload)>
type DedupChecker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupChecker creates a DedupChecker wrapping the given Redis client.
func NewDedupChecker(client *redis.Client, ttl time.Duration) *DedupChecker {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &DedupChecker{client: client, ttl: ttl}
}

// FirstSeen atomically marks the delivery and reports whether it is new.
func (d *DedupChecker) FirstSeen(ctx context.Context, topic, requestID string, payload []byte) (bool, error) {
	ok, err := d.client.SetNX(ctx, Key(topic, requestID, payload), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return ok, nil
}

// Forget removes the mark of a delivery whose handling failed.
func (d *DedupChecker) Forget(ctx context.Context, topic, requestID string, payload []byte) error {
	if err := d.client.Del(ctx, Key(topic, requestID, payload)).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

// Key builds the dedup key. The payload hash keeps distinct requests that reuse
// a request id apart.
func Key(topic, requestID string, payload []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return fmt.Sprintf("dedup:%s:%s:%x", topic, requestID, h.Sum64())
}
